package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"Hearth/internal/cli/subcommands"
	"Hearth/internal/config"
	"Hearth/internal/logging"
)

// Execute is the entry point for the Hearth CLI.
func Execute() int {
	ctx := context.Background()
	args := os.Args[1:]

	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if len(args) == 0 {
		return runTui(ctx, cfg)
	}

	subcommand := args[0]
	switch subcommand {
	case "tui":
		return runTui(ctx, cfg)
	case "chat":
		return runChat(ctx, cfg, args[1:])
	case "models":
		return subcommands.RunModels(cfg, args[1:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", subcommand)
		printHelp()
		return 1
	}
}

func runTui(ctx context.Context, cfg config.Config) int {
	// TUI owns the terminal; route log output to a file.
	if err := logging.Init(true); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
	}
	defer logging.Close()

	return subcommands.RunTui(ctx, cfg)
}

func runChat(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	message := fs.String("message", "", "Prompt to send to the loaded model")
	model := fs.String("model", "", "Model name or .gguf path (overrides config)")
	imageFlag := fs.String("image", "", "Image file path (comma separated for multiple)")
	docFlag := fs.String("doc", "", "Document file path whose text is inlined into the prompt (comma separated)")
	showStats := fs.Bool("stats", false, "Show generation statistics after the reply")
	noHistory := fs.Bool("no-history", false, "Do not read or write conversation history")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		return 1
	}

	remaining := fs.Args()
	if *message == "" && len(remaining) > 0 {
		*message = strings.Join(remaining, " ")
	}

	if strings.TrimSpace(*message) == "" {
		fmt.Fprintln(os.Stderr, "chat requires a message (--message) or positional argument")
		return 1
	}

	options := subcommands.ChatOptions{
		Model:     *model,
		Images:    splitPaths(*imageFlag),
		Docs:      splitPaths(*docFlag),
		ShowStats: *showStats,
		NoHistory: *noHistory,
	}

	return subcommands.RunChat(ctx, cfg, strings.TrimSpace(*message), options)
}

// splitPaths parses a comma-separated flag value into paths.
func splitPaths(flagValue string) []string {
	if flagValue == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(flagValue, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func printHelp() {
	fmt.Println(`Hearth - Local LLM Session Manager

Usage:
  hearth [command] [flags]

Commands:
  tui       Interactive terminal chat (default when no command is given)
  chat      Run a single prompt against the configured model
  models    Manage the model catalog (list, add, remove)

Session Features:
  - Cascading GPU/CPU model loading with automatic fallback
  - Token-budgeted context window with history truncation
  - Streaming generation with cooperative stop
  - Vision input via multimodal projector files

Use "hearth [command] --help" for more information about a command.`)
}
