package llamasrv

import (
	"context"
	"os"
	goruntime "runtime"
	"time"

	"Hearth/internal/config"
	"Hearth/internal/engine"
)

// Engine implements engine.Engine over llama-server subprocesses. Each
// successful Load owns one subprocess; releasing the session tears it down.
type Engine struct {
	binary         string
	host           string
	port           int
	startupTimeout time.Duration
}

// New builds an Engine from the engine section of the config.
func New(cfg config.EngineConfig) *Engine {
	timeout, err := time.ParseDuration(cfg.StartupTimeout)
	if err != nil || timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Engine{
		binary:         cfg.ServerBinary,
		host:           cfg.Host,
		port:           cfg.Port,
		startupTimeout: timeout,
	}
}

// Load spawns a llama-server for the given configuration and waits for it
// to come healthy. The returned session owns the subprocess.
func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig) (engine.Session, error) {
	srv := NewServer(e.binary, e.host, e.port, e.startupTimeout)
	if err := srv.Start(ctx, cfg); err != nil {
		return nil, err
	}
	return newSession(srv, cfg), nil
}

// Devices reports the accelerator the server would offload onto, derived
// from the platform. llama-server picks the backend itself at startup;
// this mirrors its choice for status display.
func (e *Engine) Devices() []engine.Device {
	switch goruntime.GOOS {
	case "darwin":
		return []engine.Device{{Name: "Apple GPU", Backend: "Metal"}}
	default:
		if _, err := os.Stat("/proc/driver/nvidia"); err == nil {
			return []engine.Device{{Name: "NVIDIA GPU", Backend: "CUDA"}}
		}
		if _, err := os.Stat("/dev/dri"); err == nil {
			return []engine.Device{{Name: "GPU", Backend: "Vulkan"}}
		}
		return nil
	}
}
