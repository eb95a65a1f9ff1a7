package llamasrv

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"Hearth/internal/engine"
)

// Session is one loaded model behind a llama-server subprocess. Reaching a
// different model configuration (including attaching a projector) means
// restarting the subprocess with new flags.
type Session struct {
	mu         sync.Mutex
	srv        *Server
	cfg        engine.LoadConfig
	multimodal *engine.MultimodalSupport

	// cancelStream aborts the in-flight completion request. The server
	// frees the slot as soon as the connection drops.
	cancelStream context.CancelFunc
}

func newSession(srv *Server, cfg engine.LoadConfig) *Session {
	return &Session{srv: srv, cfg: cfg}
}

// Tokenize converts text to token IDs via the server's tokenizer.
func (s *Session) Tokenize(ctx context.Context, text string) ([]int32, error) {
	return s.srv.Client().Tokenize(ctx, text)
}

// Complete runs a streaming completion, invoking onToken per SSE event.
func (s *Session) Complete(ctx context.Context, req engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelStream = nil
		s.mu.Unlock()
	}()

	prompt, images := flattenMessages(req.Messages)

	creq := CompletionRequest{
		NPredict:      req.Options.MaxTokens,
		Temperature:   req.Options.Temperature,
		TopK:          req.Options.TopK,
		TopP:          req.Options.TopP,
		MinP:          req.Options.MinP,
		RepeatPenalty: req.Options.RepeatPenalty,
		RepeatLastN:   req.Options.RepeatLastN,
		Stop:          req.Options.Stop,
		CachePrompt:   true,
	}
	if len(images) > 0 {
		creq.Prompt = MultimodalPrompt{PromptString: prompt, MultimodalData: images}
	} else {
		creq.Prompt = prompt
	}

	var accumulated strings.Builder
	err := s.srv.Client().GenerateStream(streamCtx, creq, func(token StreamToken) error {
		if token.Content != "" {
			accumulated.WriteString(token.Content)
			onToken(token.Content)
		}
		return nil
	})
	if err != nil {
		// A cancelled stream is a stopped generation, not a failure.
		if streamCtx.Err() != nil && ctx.Err() == nil {
			return accumulated.String(), nil
		}
		return accumulated.String(), err
	}
	return accumulated.String(), nil
}

// StopCompletion aborts the in-flight completion by dropping its
// connection. Cooperative: events already on the wire may still arrive.
func (s *Session) StopCompletion() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// InitMultimodal restarts the subprocess with the projector attached. If
// the restart fails, the text-only server is brought back so the session
// stays usable.
func (s *Session) InitMultimodal(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	withProjector := s.cfg
	withProjector.ProjectorPath = path

	s.srv.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.StartupTimeout+5*time.Second)
	defer cancel()

	if err := s.srv.Start(ctx, withProjector); err != nil {
		log.Printf("llamasrv: projector load failed, restoring text-only server: %v", err)
		if rerr := s.srv.Start(ctx, s.cfg); rerr != nil {
			return fmt.Errorf("llamasrv: projector load failed and text-only restart failed: %w", rerr)
		}
		return fmt.Errorf("llamasrv: projector load: %w", err)
	}
	s.cfg = withProjector

	vision, audio, err := s.srv.Client().Props(ctx)
	if err != nil {
		// The projector loaded; modality discovery failing just means we
		// assume vision.
		log.Printf("llamasrv: modality probe failed, assuming vision: %v", err)
		vision = true
	}
	s.multimodal = &engine.MultimodalSupport{Vision: vision, Audio: audio}
	return nil
}

// MultimodalSupport reports the attached projector's modalities.
func (s *Session) MultimodalSupport() *engine.MultimodalSupport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.multimodal == nil {
		return nil
	}
	ms := *s.multimodal
	return &ms
}

// ClearCache erases the server's KV slot. clearData has no extra meaning
// for the subprocess binding; the slot erase drops cached prompt data too.
func (s *Session) ClearCache(clearData bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Client().EraseSlot(ctx, 0); err != nil {
		log.Printf("llamasrv: clear cache: %v", err)
	}
	_ = clearData
}

// Release tears the subprocess down.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelStream != nil {
		s.cancelStream()
	}
	s.srv.Stop()
	return nil
}

// flattenMessages renders the payload as a ChatML prompt ending with an
// open assistant segment, and collects base64 image data from multi-part
// user messages.
func flattenMessages(messages []engine.Message) (string, []string) {
	var b strings.Builder
	var images []string

	for _, m := range messages {
		b.WriteString("<|im_start|>")
		b.WriteString(m.Role)
		b.WriteString("\n")

		if len(m.Parts) > 0 {
			for _, part := range m.Parts {
				switch part.Type {
				case "text":
					b.WriteString(part.Text)
				case "image_url":
					if data, err := readImageBase64(part.URL); err == nil {
						images = append(images, data)
					} else {
						log.Printf("llamasrv: skipping image %q: %v", part.URL, err)
					}
				}
			}
		} else {
			b.WriteString(m.Content)
		}
		b.WriteString("<|im_end|>\n")
	}

	b.WriteString("<|im_start|>assistant\n")
	return b.String(), images
}

// readImageBase64 loads a file:// image reference as base64 for the
// multimodal_data field.
func readImageBase64(url string) (string, error) {
	path := strings.TrimPrefix(url, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
