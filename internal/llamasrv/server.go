package llamasrv

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"Hearth/internal/engine"
)

// Server is one llama-server subprocess. It is started with a fixed model
// configuration and torn down as a unit; changing configuration means
// starting a new Server.
type Server struct {
	Binary         string
	Host           string
	Port           int
	StartupTimeout time.Duration

	cmd    *exec.Cmd
	exited chan struct{}
	client *Client
}

// NewServer describes a server that will listen on host:port when started.
func NewServer(binary, host string, port int, startupTimeout time.Duration) *Server {
	if startupTimeout <= 0 {
		startupTimeout = 120 * time.Second
	}
	return &Server{
		Binary:         binary,
		Host:           host,
		Port:           port,
		StartupTimeout: startupTimeout,
		client:         NewClient(fmt.Sprintf("http://%s:%d", host, port)),
	}
}

// Client returns the HTTP client bound to this server's address.
func (s *Server) Client() *Client { return s.client }

// Start spawns the subprocess for the given model configuration and waits
// for the health probe to pass. On any failure the process is reaped
// before the error is returned.
func (s *Server) Start(ctx context.Context, cfg engine.LoadConfig) error {
	if s.cmd != nil {
		return fmt.Errorf("llamasrv: server already running")
	}

	args := buildArgs(s.Host, s.Port, cfg)
	cmd := exec.Command(s.Binary, args...)
	// Detach from the controlling terminal so Ctrl-C in the TUI doesn't
	// reach the subprocess.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("llamasrv: failed to start %s: %w", s.Binary, err)
	}
	s.cmd = cmd

	// Reap the process as soon as it dies so waitReady and Stop can see
	// the exit instead of waiting out their timeouts.
	exited := make(chan struct{})
	s.exited = exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	log.Printf("llamasrv: started %s (pid=%d, port=%d, ctx=%d, ngl=%d)",
		s.Binary, cmd.Process.Pid, s.Port, cfg.ContextLength, cfg.GPULayers)

	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// waitReady polls the health endpoint until it answers or the startup
// timeout expires. A server loading a large model off disk can take most
// of the timeout before the first successful probe.
func (s *Server) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.StartupTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		// A process that died during startup will never come healthy.
		select {
		case <-s.exited:
			return fmt.Errorf("llamasrv: server exited during startup: %s", s.cmd.ProcessState)
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("llamasrv: server not healthy after %s: %w", s.StartupTimeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop terminates the subprocess, escalating from SIGTERM to SIGKILL if it
// doesn't exit promptly. Safe to call on an already-stopped server.
func (s *Server) Stop() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	pid := s.cmd.Process.Pid
	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		log.Printf("llamasrv: pid %d ignored SIGTERM, killing", pid)
		_ = s.cmd.Process.Kill()
		<-s.exited
	}

	log.Printf("llamasrv: stopped (pid=%d)", pid)
	s.cmd = nil
	s.exited = nil
}

// Running reports whether the subprocess is still alive.
func (s *Server) Running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// buildArgs translates a load configuration into llama-server flags.
func buildArgs(host string, port int, cfg engine.LoadConfig) []string {
	args := []string{
		"-m", cfg.ModelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		"--no-webui",
		"--slots",
	}
	if cfg.ContextLength > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.ContextLength))
	}
	if cfg.ThreadCount > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.ThreadCount))
	}
	if cfg.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(cfg.BatchSize))
	}
	args = append(args, "-ngl", strconv.Itoa(normalizeGPULayers(cfg.GPULayers)))
	if cfg.ProjectorPath != "" {
		args = append(args, "--mmproj", cfg.ProjectorPath)
	}
	return args
}

// normalizeGPULayers maps the -1 "offload everything" convention onto the
// large layer count llama-server expects.
func normalizeGPULayers(layers int) int {
	if layers < 0 {
		return 999
	}
	return layers
}
