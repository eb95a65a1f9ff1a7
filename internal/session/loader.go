package session

import (
	"context"
	"fmt"
	"log"
	"os"

	"Hearth/internal/config"
	"Hearth/internal/engine"
)

// ModelFileProvider resolves a model name or path to an existing local
// file. The SQLite catalog implements this; the default provider just
// checks the filesystem.
type ModelFileProvider interface {
	Resolve(nameOrPath string) (string, error)
}

// LocalFiles is the default ModelFileProvider: the input must already be a
// path to an existing file.
type LocalFiles struct{}

func (LocalFiles) Resolve(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	return path, nil
}

// loadAttempt is one rung of the fallback waterfall.
type loadAttempt struct {
	label string
	cfg   engine.LoadConfig
}

// loadAttempts builds the ordered waterfall for a load: GPU at the
// requested context (when acceleration is on), then CPU at the requested
// context, then CPU at the reduced fallback context. The first success
// wins; the last failure is the one callers see.
func loadAttempts(base engine.LoadConfig, e config.EngineConfig, fallbackContext int) []loadAttempt {
	var attempts []loadAttempt

	if e.GPUEnabled {
		gpu := base
		gpu.GPULayers = e.GPULayers
		if gpu.GPULayers == 0 {
			gpu.GPULayers = -1
		}
		attempts = append(attempts, loadAttempt{label: "gpu", cfg: gpu})
	}

	cpu := base
	cpu.GPULayers = 0
	attempts = append(attempts, loadAttempt{label: "cpu", cfg: cpu})

	reduced := cpu
	reduced.ContextLength = fallbackContext
	attempts = append(attempts, loadAttempt{label: "cpu-reduced-context", cfg: reduced})

	return attempts
}

// runWaterfall walks the attempt chain against the engine. Failures short
// of exhaustion are logged and swallowed; exhaustion surfaces the last
// error wrapped in ErrLoadFailed.
func runWaterfall(ctx context.Context, eng engine.Engine, attempts []loadAttempt) (engine.Session, loadAttempt, error) {
	var lastErr error
	for _, attempt := range attempts {
		sess, err := eng.Load(ctx, attempt.cfg)
		if err == nil {
			return sess, attempt, nil
		}
		lastErr = err
		log.Printf("session: %s load attempt failed (ctx=%d): %v",
			attempt.label, attempt.cfg.ContextLength, err)
	}
	return nil, loadAttempt{}, fmt.Errorf("%w: %v", ErrLoadFailed, lastErr)
}
