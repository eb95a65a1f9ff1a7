package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"Hearth/internal/config"
	"Hearth/internal/engine"
)

// ModelInfo describes the currently loaded model: its files, the engine
// settings captured at load time, and the acceleration actually in effect
// (which may differ from the requested settings after a fallback).
type ModelInfo struct {
	ModelPath     string
	ProjectorPath string
	ContextLength int
	ThreadCount   int
	BatchSize     int
	GPUEnabled    bool
	GPUBackend    string
	GPULayers     int
}

// GPUInfo is the acceleration slice of ModelInfo.
type GPUInfo struct {
	Enabled bool
	Backend string
	Layers  int
}

// ContextUsage reports how much of the history budget a conversation
// occupies.
type ContextUsage struct {
	TokenCount  int
	PercentUsed float64
	WillFit     bool
}

// PerformanceStats holds telemetry from the most recent generation,
// overwritten after every completed or stopped run.
type PerformanceStats struct {
	LastTokensPerSecond       float64
	LastDecodeTokensPerSecond float64
	LastTimeToFirstTokenMs    float64
	LastGenerationTimeMs      float64
	LastTokenCount            int
}

// active bundles the engine session with its load-time record. At most one
// exists per Manager.
type active struct {
	sess       engine.Session
	info       ModelInfo
	multimodal *engine.MultimodalSupport
}

// Manager owns the single loaded model and the single in-flight generation.
// It drives the load waterfall, plans the context window, and streams
// tokens back through caller callbacks. All methods are safe for use from
// multiple goroutines; generation itself is strictly single-flight.
type Manager struct {
	eng   engine.Engine
	files ModelFileProvider
	cfg   config.Config

	mu         sync.Mutex
	active     *active
	generating bool
	cancel     *cancelToken
	stats      PerformanceStats
}

// NewManager wires a Manager over an engine binding. A nil provider falls
// back to plain filesystem resolution.
func NewManager(eng engine.Engine, files ModelFileProvider, cfg config.Config) *Manager {
	if files == nil {
		files = LocalFiles{}
	}
	return &Manager{eng: eng, files: files, cfg: cfg}
}

// LoadModel loads a model (and optional multimodal projector) with the
// manager's configured engine settings. Loading the already-loaded path is
// a no-op. Loading a different path releases the old session first.
func (m *Manager) LoadModel(ctx context.Context, nameOrPath, projectorPath string) error {
	return m.load(ctx, nameOrPath, projectorPath, m.cfg.Engine)
}

// ReloadWithSettings is unload-then-load under new engine settings. On any
// failure the manager is left fully unloaded, never half-initialized.
func (m *Manager) ReloadWithSettings(ctx context.Context, nameOrPath string, settings config.EngineConfig) error {
	m.mu.Lock()
	if err := m.releaseLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	projector := m.cfg.Model.ProjectorPath
	return m.load(ctx, nameOrPath, projector, settings)
}

func (m *Manager) load(ctx context.Context, nameOrPath, projectorPath string, settings config.EngineConfig) error {
	path, err := m.files.Resolve(nameOrPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Same model already resident: nothing to do.
	if m.active != nil && m.active.info.ModelPath == path {
		return nil
	}

	// A different model must be fully released before the first attempt,
	// so two sessions never hold device memory at once.
	if err := m.releaseLocked(); err != nil {
		return err
	}

	base := engine.LoadConfig{
		ModelPath:     path,
		ContextLength: settings.ContextLength,
		ThreadCount:   settings.Threads,
		BatchSize:     settings.BatchSize,
	}

	sess, won, err := runWaterfall(ctx, m.eng, loadAttempts(base, settings, m.cfg.Budget.FallbackContextLength))
	if err != nil {
		return err
	}

	info := ModelInfo{
		ModelPath:     path,
		ContextLength: won.cfg.ContextLength,
		ThreadCount:   won.cfg.ThreadCount,
		BatchSize:     won.cfg.BatchSize,
		GPUEnabled:    won.cfg.GPULayers != 0,
		GPULayers:     won.cfg.GPULayers,
	}
	if info.GPUEnabled {
		info.GPUBackend = primaryBackend(m.eng.Devices())
	}
	log.Printf("session: model loaded %s (attempt=%s, ctx=%d, gpu_layers=%d)",
		path, won.label, info.ContextLength, info.GPULayers)

	a := &active{sess: sess, info: info}

	// Projector init is best-effort: a missing file or a failed init
	// downgrades to text-only, never fails the load.
	if projectorPath != "" {
		if resolved, perr := m.files.Resolve(projectorPath); perr != nil {
			log.Printf("session: projector %q not found, continuing text-only", projectorPath)
		} else if perr := sess.InitMultimodal(resolved); perr != nil {
			log.Printf("session: multimodal init failed, continuing text-only: %v", perr)
		} else {
			a.info.ProjectorPath = resolved
			a.multimodal = sess.MultimodalSupport()
			log.Printf("session: multimodal enabled (vision=%v)", a.multimodal != nil && a.multimodal.Vision)
		}
	}

	m.active = a
	return nil
}

// UnloadModel releases the active session. Unloading when nothing is
// loaded is a no-op.
func (m *Manager) UnloadModel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	if m.active == nil {
		return nil
	}
	err := m.active.sess.Release()
	m.active = nil
	m.generating = false
	m.cancel = nil
	if err != nil {
		return fmt.Errorf("session: release: %w", err)
	}
	return nil
}

// IsLoaded reports whether a model is resident.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// LoadedPath returns the resident model's path, empty if none.
func (m *Manager) LoadedPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.info.ModelPath
}

// ModelInfo returns the load-time record for the resident model.
func (m *Manager) ModelInfo() (ModelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ModelInfo{}, false
	}
	return m.active.info, true
}

// GPUInfo reports the acceleration in effect for the resident model.
func (m *Manager) GPUInfo() GPUInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return GPUInfo{}
	}
	return GPUInfo{
		Enabled: m.active.info.GPUEnabled,
		Backend: m.active.info.GPUBackend,
		Layers:  m.active.info.GPULayers,
	}
}

// SupportsVision reports whether the resident model accepts images.
func (m *Manager) SupportsVision() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.multimodal != nil && m.active.multimodal.Vision
}

// MultimodalSupport returns the modalities of the attached projector, nil
// when text-only.
func (m *Manager) MultimodalSupport() *engine.MultimodalSupport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.multimodal == nil {
		return nil
	}
	ms := *m.active.multimodal
	return &ms
}

// Tokenize runs text through the resident model's tokenizer.
func (m *Manager) Tokenize(ctx context.Context, text string) ([]int32, error) {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return nil, ErrNoModelLoaded
	}
	return a.sess.Tokenize(ctx, text)
}

// EstimateContextUsage token-counts a conversation against the history
// budget of the resident model's context window.
func (m *Manager) EstimateContextUsage(ctx context.Context, messages []ChatMessage) (ContextUsage, error) {
	m.mu.Lock()
	a := m.active
	budgetCfg := m.cfg.Budget
	m.mu.Unlock()
	if a == nil {
		return ContextUsage{}, ErrNoModelLoaded
	}

	counter := func(text string) (int, error) {
		ids, err := a.sess.Tokenize(ctx, text)
		if err != nil {
			return 0, err
		}
		return len(ids), nil
	}

	total := 0
	for _, msg := range messages {
		total += countTokens(msg.Content, counter)
	}

	budget := HistoryBudget(a.info.ContextLength, budgetCfg)
	return ContextUsage{
		TokenCount:  total,
		PercentUsed: float64(total) / float64(budget) * 100,
		WillFit:     total <= budget,
	}, nil
}

// PerformanceStats returns telemetry from the most recent generation.
func (m *Manager) PerformanceStats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ClearKVCache drops the engine's KV cache. It is a no-op while a
// generation is in flight: engine state is never mutated mid-stream.
func (m *Manager) ClearKVCache(clearData bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.generating {
		return
	}
	m.active.sess.ClearCache(clearData)
}

// primaryBackend picks the backend label for GPU status from the engine's
// device list.
func primaryBackend(devices []engine.Device) string {
	if len(devices) == 0 {
		return ""
	}
	return devices[0].Backend
}
