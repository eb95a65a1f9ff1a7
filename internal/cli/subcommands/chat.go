package subcommands

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"Hearth/internal/config"
	"Hearth/internal/media"
	"Hearth/internal/session"
)

const (
	colorCyan  = "\033[36m"
	colorGray  = "\033[90m"
	colorReset = "\033[0m"
)

// ChatOptions capture per-invocation controls beyond CLI flags.
type ChatOptions struct {
	Model     string
	Images    []string
	Docs      []string
	ShowStats bool
	NoHistory bool
}

// RunChat executes a single prompt against the configured model and
// streams the reply to stdout.
func RunChat(ctx context.Context, cfg config.Config, message string, opts ChatOptions) int {
	app, err := NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return 1
	}
	defer app.Close()

	model := opts.Model
	if model == "" {
		model = cfg.Model.Path
	}
	if model == "" {
		fmt.Fprintln(os.Stderr, "no model configured: pass --model, set model.path in hearth.yaml, or set HEARTH_MODEL")
		return 1
	}

	spinnerDone := make(chan struct{})
	go runSpinner(spinnerDone, "Loading model")
	err = app.Manager.LoadModel(ctx, model, app.projectorFor(model))
	close(spinnerDone)
	fmt.Print("\r\033[K")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load model: %v\n", err)
		return 1
	}

	content := message
	var refs []session.MediaRef
	if len(opts.Docs) > 0 {
		content = media.InlineDocuments(content, opts.Docs)
		for _, doc := range opts.Docs {
			refs = append(refs, session.MediaRef{Type: session.MediaDocument, URI: doc})
		}
	}
	refs = append(refs, attachImages(app, opts.Images)...)

	userMsg := session.NewMessage(session.RoleUser, content)
	if len(refs) > 0 {
		userMsg = userMsg.WithAttachments(refs...)
	}

	var messages []session.ChatMessage
	if !opts.NoHistory {
		if recent, herr := app.History.Recent(cfg.Store.TurnsToUse); herr == nil {
			messages = recent
		} else {
			log.Printf("warning: failed to load history: %v", herr)
		}
	}
	messages = append(messages, userMsg)

	start := time.Now()
	var thinkingDone chan struct{}
	text, err := app.Manager.GenerateResponse(ctx, messages, session.Callbacks{
		OnThinking: func() {
			thinkingDone = make(chan struct{})
			go runSpinner(thinkingDone, "Thinking")
		},
		OnToken: func(piece string) {
			if thinkingDone != nil {
				close(thinkingDone)
				thinkingDone = nil
				fmt.Print("\r\033[K")
			}
			fmt.Print(piece)
			os.Stdout.Sync()
		},
	})
	if thinkingDone != nil {
		close(thinkingDone)
		fmt.Print("\r\033[K")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation error: %v\n", err)
		return 1
	}
	fmt.Println()

	if text != "" && !opts.NoHistory {
		if herr := app.History.Append(userMsg); herr != nil {
			log.Printf("warning: failed to persist prompt: %v", herr)
		}
		if herr := app.History.Append(session.NewMessage(session.RoleAssistant, text)); herr != nil {
			log.Printf("warning: failed to persist reply: %v", herr)
		}
	}

	duration := time.Since(start)
	if opts.ShowStats {
		stats := app.Manager.PerformanceStats()
		fmt.Printf("\n%s--- Statistics ---%s\n", colorGray, colorReset)
		fmt.Printf("%sTokens:%s %d (%.1f tok/s, decode %.1f tok/s)\n", colorGray, colorReset,
			stats.LastTokenCount, stats.LastTokensPerSecond, stats.LastDecodeTokensPerSecond)
		fmt.Printf("%sTTFT:%s %.0fms\n", colorGray, colorReset, stats.LastTimeToFirstTokenMs)
		fmt.Printf("%sDuration:%s %s\n", colorGray, colorReset, duration.Truncate(time.Millisecond))
		if gpu := app.Manager.GPUInfo(); gpu.Enabled {
			fmt.Printf("%sGPU:%s %s (%d layers)\n", colorGray, colorReset, gpu.Backend, gpu.Layers)
		}
	}

	log.Printf("completed in %s", duration.Truncate(10*time.Millisecond))
	return 0
}

// attachImages prepares image files for the vision path, skipping any that
// fail to process.
func attachImages(app *App, paths []string) []session.MediaRef {
	if len(paths) == 0 {
		return nil
	}
	proc := media.NewProcessor(app.Cfg.Media, "")
	var refs []session.MediaRef
	for _, path := range paths {
		prepared, err := proc.PrepareImage(path)
		if err != nil {
			log.Printf("warning: skipping image %s: %v", path, err)
			continue
		}
		refs = append(refs, session.MediaRef{Type: session.MediaImage, URI: prepared})
	}
	return refs
}

func runSpinner(done chan struct{}, message string) {
	spinnerChars := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			return
		default:
			fmt.Printf("\r%s%s %s...%s", colorCyan, spinnerChars[i], message, colorReset)
			i = (i + 1) % len(spinnerChars)
			time.Sleep(100 * time.Millisecond)
		}
	}
}
