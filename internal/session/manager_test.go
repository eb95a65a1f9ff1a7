package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"Hearth/internal/config"
	"Hearth/internal/engine"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeSession scripts the binding side of a loaded model.
type fakeSession struct {
	mu            sync.Mutex
	events        *[]string // shared load/release order log, may be nil
	name          string
	tokenizeFn    func(text string) ([]int32, error)
	completeFn    func(ctx context.Context, req engine.CompletionRequest, onToken engine.TokenCallback) (string, error)
	mmErr         error
	mm            *engine.MultimodalSupport
	stopCalls     int
	released      bool
	clearCalls    int
	lastClearData bool
}

func (s *fakeSession) Tokenize(_ context.Context, text string) ([]int32, error) {
	if s.tokenizeFn != nil {
		return s.tokenizeFn(text)
	}
	ids := make([]int32, len(strings.Fields(text)))
	return ids, nil
}

func (s *fakeSession) Complete(ctx context.Context, req engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, req, onToken)
	}
	return "", nil
}

func (s *fakeSession) StopCompletion() {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
}

func (s *fakeSession) InitMultimodal(string) error {
	return s.mmErr
}

func (s *fakeSession) MultimodalSupport() *engine.MultimodalSupport {
	return s.mm
}

func (s *fakeSession) ClearCache(clearData bool) {
	s.mu.Lock()
	s.clearCalls++
	s.lastClearData = clearData
	s.mu.Unlock()
}

func (s *fakeSession) Release() error {
	s.released = true
	if s.events != nil {
		*s.events = append(*s.events, "release "+s.name)
	}
	return nil
}

// fakeEngine fails the first `failures` load attempts, then succeeds with
// the next scripted session.
type fakeEngine struct {
	failures int
	loads    []engine.LoadConfig
	devices  []engine.Device
	sessions []*fakeSession
	events   *[]string
}

func (e *fakeEngine) Load(_ context.Context, cfg engine.LoadConfig) (engine.Session, error) {
	e.loads = append(e.loads, cfg)
	if e.events != nil {
		*e.events = append(*e.events, "load "+cfg.ModelPath)
	}
	if len(e.loads) <= e.failures {
		return nil, errors.New("backend allocation failed")
	}
	var s *fakeSession
	if len(e.sessions) > 0 {
		s = e.sessions[0]
		e.sessions = e.sessions[1:]
	} else {
		s = &fakeSession{}
	}
	s.events = e.events
	return s, nil
}

func (e *fakeEngine) Devices() []engine.Device { return e.devices }

// anyFile resolves every input to itself; the tests don't touch disk.
type anyFile struct{}

func (anyFile) Resolve(path string) (string, error) { return path, nil }

// missingFile signals every input as absent.
type missingFile struct{}

func (missingFile) Resolve(path string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
}

func newTestManager(e *fakeEngine) *Manager {
	return NewManager(e, anyFile{}, config.Default())
}

func mustLoad(t *testing.T, m *Manager, path string) {
	t.Helper()
	if err := m.LoadModel(context.Background(), path, ""); err != nil {
		t.Fatalf("LoadModel(%s): %v", path, err)
	}
}

// ---------------------------------------------------------------------------
// Load waterfall
// ---------------------------------------------------------------------------

// TestLoadSamePathIdempotent: loading the resident path again must not
// touch the engine.
func TestLoadSamePathIdempotent(t *testing.T) {
	e := &fakeEngine{}
	m := newTestManager(e)

	mustLoad(t, m, "a.gguf")
	mustLoad(t, m, "a.gguf")

	if len(e.loads) != 1 {
		t.Errorf("engine.Load called %d times, want 1", len(e.loads))
	}
}

// TestLoadReleasesPreviousFirst: switching models must fully release the
// old session before the new load attempt begins.
func TestLoadReleasesPreviousFirst(t *testing.T) {
	var events []string
	e := &fakeEngine{
		events:   &events,
		sessions: []*fakeSession{{name: "a"}, {name: "b"}},
	}
	m := newTestManager(e)

	mustLoad(t, m, "a.gguf")
	mustLoad(t, m, "b.gguf")

	want := []string{"load a.gguf", "release a", "load b.gguf"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

// TestReloadWithSettings: unlike LoadModel, reloading the resident path
// with new settings must release and run the waterfall again.
func TestReloadWithSettings(t *testing.T) {
	var events []string
	e := &fakeEngine{
		events:   &events,
		sessions: []*fakeSession{{name: "a"}, {name: "a2"}},
	}
	m := newTestManager(e)

	mustLoad(t, m, "a.gguf")

	settings := config.Default().Engine
	settings.ContextLength = 2048
	if err := m.ReloadWithSettings(context.Background(), "a.gguf", settings); err != nil {
		t.Fatalf("ReloadWithSettings: %v", err)
	}

	want := []string{"load a.gguf", "release a", "load a.gguf"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	info, ok := m.ModelInfo()
	if !ok {
		t.Fatal("no model info after reload")
	}
	if info.ContextLength != 2048 {
		t.Errorf("ContextLength = %d, want 2048", info.ContextLength)
	}
}

// TestLoadWaterfall checks the attempt chain: GPU at requested context,
// CPU at requested context, CPU at the reduced fallback context.
func TestLoadWaterfall(t *testing.T) {
	t.Run("gpu failure falls to cpu then reduced context", func(t *testing.T) {
		e := &fakeEngine{failures: 2}
		m := newTestManager(e)

		mustLoad(t, m, "a.gguf")

		if len(e.loads) != 3 {
			t.Fatalf("attempts = %d, want 3", len(e.loads))
		}
		if e.loads[0].GPULayers != -1 || e.loads[0].ContextLength != 4096 {
			t.Errorf("attempt 1 = gpu_layers=%d ctx=%d, want -1/4096", e.loads[0].GPULayers, e.loads[0].ContextLength)
		}
		if e.loads[1].GPULayers != 0 || e.loads[1].ContextLength != 4096 {
			t.Errorf("attempt 2 = gpu_layers=%d ctx=%d, want 0/4096", e.loads[1].GPULayers, e.loads[1].ContextLength)
		}
		if e.loads[2].GPULayers != 0 || e.loads[2].ContextLength != 2048 {
			t.Errorf("attempt 3 = gpu_layers=%d ctx=%d, want 0/2048", e.loads[2].GPULayers, e.loads[2].ContextLength)
		}

		info, ok := m.ModelInfo()
		if !ok {
			t.Fatal("no model info after successful fallback")
		}
		if info.GPUEnabled || info.ContextLength != 2048 {
			t.Errorf("info = gpu=%v ctx=%d, want cpu at 2048", info.GPUEnabled, info.ContextLength)
		}
	})

	t.Run("gpu disabled skips the gpu attempt", func(t *testing.T) {
		e := &fakeEngine{}
		cfg := config.Default()
		cfg.Engine.GPUEnabled = false
		m := NewManager(e, anyFile{}, cfg)

		mustLoad(t, m, "a.gguf")

		if len(e.loads) != 1 {
			t.Fatalf("attempts = %d, want 1", len(e.loads))
		}
		if e.loads[0].GPULayers != 0 {
			t.Errorf("gpu_layers = %d, want 0", e.loads[0].GPULayers)
		}
	})

	t.Run("exhaustion resets to idle and surfaces the last error", func(t *testing.T) {
		e := &fakeEngine{failures: 3}
		m := newTestManager(e)

		err := m.LoadModel(context.Background(), "a.gguf", "")
		if !errors.Is(err, ErrLoadFailed) {
			t.Fatalf("err = %v, want ErrLoadFailed", err)
		}
		if m.IsLoaded() {
			t.Error("manager reports loaded after waterfall exhaustion")
		}
		if m.LoadedPath() != "" {
			t.Errorf("LoadedPath = %q, want empty", m.LoadedPath())
		}
	})
}

// TestLoadMissingFile checks the resolver error path.
func TestLoadMissingFile(t *testing.T) {
	m := NewManager(&fakeEngine{}, missingFile{}, config.Default())
	err := m.LoadModel(context.Background(), "nope.gguf", "")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

// TestGPUBackendCaptured: a GPU load records the backend label from the
// engine's device list.
func TestGPUBackendCaptured(t *testing.T) {
	e := &fakeEngine{devices: []engine.Device{{Name: "RTX 4060", Backend: "CUDA"}}}
	m := newTestManager(e)

	mustLoad(t, m, "a.gguf")

	gpu := m.GPUInfo()
	if !gpu.Enabled || gpu.Backend != "CUDA" || gpu.Layers != -1 {
		t.Errorf("GPUInfo = %+v, want enabled CUDA with all layers", gpu)
	}
}

// TestProjectorBestEffort: multimodal init failures downgrade to text-only
// instead of failing the load.
func TestProjectorBestEffort(t *testing.T) {
	t.Run("init failure is absorbed", func(t *testing.T) {
		e := &fakeEngine{sessions: []*fakeSession{{mmErr: errors.New("clip load failed")}}}
		m := newTestManager(e)

		if err := m.LoadModel(context.Background(), "a.gguf", "proj.gguf"); err != nil {
			t.Fatalf("LoadModel: %v", err)
		}
		if m.SupportsVision() {
			t.Error("vision reported after failed projector init")
		}
		if m.MultimodalSupport() != nil {
			t.Error("MultimodalSupport non-nil after failed init")
		}
	})

	t.Run("successful init caches support", func(t *testing.T) {
		e := &fakeEngine{sessions: []*fakeSession{{mm: &engine.MultimodalSupport{Vision: true}}}}
		m := newTestManager(e)

		if err := m.LoadModel(context.Background(), "a.gguf", "proj.gguf"); err != nil {
			t.Fatalf("LoadModel: %v", err)
		}
		if !m.SupportsVision() {
			t.Error("vision not reported after successful projector init")
		}
	})

	t.Run("missing projector continues text-only", func(t *testing.T) {
		// anyFile resolves everything, so use a provider that only knows
		// the model file.
		e := &fakeEngine{}
		m := NewManager(e, onlyFile{"a.gguf"}, config.Default())

		if err := m.LoadModel(context.Background(), "a.gguf", "proj.gguf"); err != nil {
			t.Fatalf("LoadModel: %v", err)
		}
		if !m.IsLoaded() {
			t.Fatal("model not loaded")
		}
		if m.SupportsVision() {
			t.Error("vision reported with no projector")
		}
	})
}

// onlyFile resolves exactly one known path.
type onlyFile struct{ path string }

func (p onlyFile) Resolve(path string) (string, error) {
	if path != p.path {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	return path, nil
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// TestGenerateNoModel: generation with nothing loaded rejects immediately
// and never flips the in-flight flag.
func TestGenerateNoModel(t *testing.T) {
	m := newTestManager(&fakeEngine{})

	_, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{})
	if !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("err = %v, want ErrNoModelLoaded", err)
	}

	m.mu.Lock()
	generating := m.generating
	m.mu.Unlock()
	if generating {
		t.Error("in-flight flag set after rejected generation")
	}
}

// TestGenerateSingleFlight: a second call while one is streaming rejects
// with ErrGenerationBusy and leaves the first untouched.
func TestGenerateSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			close(started)
			<-release
			onToken("done")
			return "done", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	results := make(chan string, 1)
	go func() {
		text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{})
		if err != nil {
			t.Errorf("first generation failed: %v", err)
		}
		results <- text
	}()

	<-started
	_, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "again")}, Callbacks{})
	if !errors.Is(err, ErrGenerationBusy) {
		t.Fatalf("second call err = %v, want ErrGenerationBusy", err)
	}

	close(release)
	if text := <-results; text != "done" {
		t.Errorf("first generation produced %q, want %q", text, "done")
	}
}

// TestStopThenRestartStaysSingleFlight: a generation started after a stop
// owns the in-flight state. When the stopped generation's engine call
// finally returns, it must not tear that state down, so a third call is
// still rejected while the second streams.
func TestStopThenRestartStaysSingleFlight(t *testing.T) {
	started1 := make(chan struct{})
	release1 := make(chan struct{})
	started2 := make(chan struct{})
	release2 := make(chan struct{})

	var mu sync.Mutex
	calls := 0
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, _ engine.TokenCallback) (string, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				close(started1)
				<-release1
			} else {
				close(started2)
				<-release2
			}
			return "", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	done1 := make(chan struct{})
	go func() {
		defer close(done1)
		_, _ = m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "one")}, Callbacks{})
	}()
	<-started1

	m.StopGeneration()

	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		_, _ = m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "two")}, Callbacks{})
	}()
	<-started2

	// The stopped generation's engine call returns while the second is
	// still streaming.
	close(release1)
	<-done1

	_, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "three")}, Callbacks{})
	if !errors.Is(err, ErrGenerationBusy) {
		t.Fatalf("third call err = %v, want ErrGenerationBusy", err)
	}
	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 2 {
		t.Fatalf("engine Complete calls = %d, want 2", n)
	}

	close(release2)
	<-done2
}

// TestStopDiscardsLateTokens: after the stop flag flips, pieces the engine
// still emits must not reach OnToken or the final text.
func TestStopDiscardsLateTokens(t *testing.T) {
	var m *Manager
	sess := &fakeSession{}
	sess.completeFn = func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
		onToken("hello ")
		m.StopGeneration()
		onToken("world") // late piece, already in flight when stop landed
		return "hello world", nil
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m = newTestManager(e)
	mustLoad(t, m, "a.gguf")

	var seen []string
	text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{
		OnToken: func(piece string) { seen = append(seen, piece) },
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if text != "hello" && text != "hello " {
		t.Errorf("final text = %q, late token leaked", text)
	}
	for _, piece := range seen {
		if strings.Contains(piece, "world") {
			t.Errorf("late token surfaced through OnToken: %q", piece)
		}
	}
	if sess.stopCalls != 1 {
		t.Errorf("StopCompletion called %d times, want 1", sess.stopCalls)
	}
}

// TestStopGenerationIdle: stopping with nothing in flight is a safe no-op.
func TestStopGenerationIdle(t *testing.T) {
	m := newTestManager(&fakeEngine{})
	m.StopGeneration() // nothing loaded

	mustLoad(t, m, "a.gguf")
	m.StopGeneration() // loaded, idle
}

// TestGenerateStripsControlTokens: end markers never reach the transcript.
func TestGenerateStripsControlTokens(t *testing.T) {
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			onToken("hello")
			onToken("<|im_end|>")
			return "hello<|im_end|>", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	var seen []string
	text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{
		OnToken: func(piece string) { seen = append(seen, piece) },
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if text != "hello" {
		t.Errorf("final text = %q, want %q", text, "hello")
	}
	if len(seen) != 1 || seen[0] != "hello" {
		t.Errorf("OnToken pieces = %v, want [hello]", seen)
	}
}

// TestGenerateControlTokensOnly: a response that strips to nothing is not
// generated content.
func TestGenerateControlTokensOnly(t *testing.T) {
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			onToken("<|im_end|>")
			onToken("</s>")
			return "<|im_end|></s>", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	completed := false
	text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{
		OnComplete: func(final string) {
			completed = true
			if final != "" {
				t.Errorf("OnComplete final = %q, want empty", final)
			}
		},
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if !completed {
		t.Error("OnComplete not invoked")
	}
}

// TestGenerateCallbacksAndStats checks the callback sequence and the
// telemetry left behind.
func TestGenerateCallbacksAndStats(t *testing.T) {
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			onToken("a")
			onToken("b")
			onToken("c")
			return "abc", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	var order []string
	text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{
		OnThinking: func() { order = append(order, "thinking") },
		OnToken:    func(string) { order = append(order, "token") },
		OnComplete: func(string) { order = append(order, "complete") },
		OnError:    func(error) { order = append(order, "error") },
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if text != "abc" {
		t.Errorf("text = %q, want abc", text)
	}

	want := []string{"thinking", "token", "token", "token", "complete"}
	if len(order) != len(want) {
		t.Fatalf("callback order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", order, want)
		}
	}

	stats := m.PerformanceStats()
	if stats.LastTokenCount != 3 {
		t.Errorf("LastTokenCount = %d, want 3", stats.LastTokenCount)
	}
	if stats.LastTokensPerSecond <= 0 {
		t.Errorf("LastTokensPerSecond = %v, want > 0", stats.LastTokensPerSecond)
	}
}

// TestGenerateEngineError: a mid-stream engine failure invokes OnError
// exactly once, clears the in-flight flag, and surfaces the error.
func TestGenerateEngineError(t *testing.T) {
	failed := false
	sess := &fakeSession{
		completeFn: func(_ context.Context, _ engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			if !failed {
				failed = true
				onToken("partial")
				return "", errors.New("decode failed")
			}
			onToken("ok")
			return "ok", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	errCalls := 0
	_, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{
		OnError: func(error) { errCalls++ },
	})
	if err == nil {
		t.Fatal("GenerateResponse succeeded after engine error")
	}
	if errCalls != 1 {
		t.Errorf("OnError called %d times, want 1", errCalls)
	}

	// The manager must be usable again once the engine recovers.
	text, err := m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "retry")}, Callbacks{})
	if err != nil {
		t.Errorf("generation after engine error: %v", err)
	}
	if text != "ok" {
		t.Errorf("retry produced %q, want %q", text, "ok")
	}
}

// TestGenerateTruncatesHistory: an oversized history reaches the engine
// already planned, with the pinned messages intact.
func TestGenerateTruncatesHistory(t *testing.T) {
	var got []engine.Message
	sess := &fakeSession{
		completeFn: func(_ context.Context, req engine.CompletionRequest, onToken engine.TokenCallback) (string, error) {
			got = req.Messages
			onToken("ok")
			return "ok", nil
		},
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	filler := strings.Repeat("word ", 2000)
	history := []ChatMessage{
		msg(RoleSystem, "be brief"),
		msg(RoleUser, filler),
		msg(RoleAssistant, filler),
		msg(RoleUser, "final question"),
	}
	if _, err := m.GenerateResponse(context.Background(), history, Callbacks{}); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}

	if len(got) == 0 {
		t.Fatal("engine saw no messages")
	}
	if got[0].Role != RoleSystem || got[0].Content != "be brief" {
		t.Errorf("first engine message = {%s %q}, want the system prompt", got[0].Role, got[0].Content)
	}
	last := got[len(got)-1]
	if last.Role != RoleUser || last.Content != "final question" {
		t.Errorf("last engine message = {%s %q}, want the final user message", last.Role, last.Content)
	}
}

// ---------------------------------------------------------------------------
// Tokenize / context usage / KV cache
// ---------------------------------------------------------------------------

// TestTokenize: rejects unloaded, passes through loaded.
func TestTokenize(t *testing.T) {
	m := newTestManager(&fakeEngine{})

	if _, err := m.Tokenize(context.Background(), "hi"); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("unloaded Tokenize err = %v, want ErrNoModelLoaded", err)
	}

	sess := &fakeSession{
		tokenizeFn: func(string) ([]int32, error) { return []int32{1, 2, 3}, nil },
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m = newTestManager(e)
	mustLoad(t, m, "a.gguf")

	ids, err := m.Tokenize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}
}

// TestEstimateContextUsage checks the willFit verdict on both sides of the
// budget.
func TestEstimateContextUsage(t *testing.T) {
	m := newTestManager(&fakeEngine{})
	if _, err := m.EstimateContextUsage(context.Background(), nil); !errors.Is(err, ErrNoModelLoaded) {
		t.Fatalf("unloaded err = %v, want ErrNoModelLoaded", err)
	}

	e := &fakeEngine{}
	m = newTestManager(e)
	mustLoad(t, m, "a.gguf")

	t.Run("fits", func(t *testing.T) {
		usage, err := m.EstimateContextUsage(context.Background(), []ChatMessage{
			msg(RoleUser, "short question"),
		})
		if err != nil {
			t.Fatalf("EstimateContextUsage: %v", err)
		}
		if !usage.WillFit {
			t.Error("WillFit = false for a short message")
		}
		if usage.TokenCount != 2 {
			t.Errorf("TokenCount = %d, want 2", usage.TokenCount)
		}
	})

	t.Run("overflows", func(t *testing.T) {
		usage, err := m.EstimateContextUsage(context.Background(), []ChatMessage{
			msg(RoleUser, strings.Repeat("word ", 5000)),
		})
		if err != nil {
			t.Fatalf("EstimateContextUsage: %v", err)
		}
		if usage.WillFit {
			t.Error("WillFit = true for 5000 tokens against a 2918 budget")
		}
		if usage.PercentUsed <= 100 {
			t.Errorf("PercentUsed = %v, want > 100", usage.PercentUsed)
		}
	})
}

// TestClearKVCache: forwards when idle, no-op mid-generation.
func TestClearKVCache(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sess := &fakeSession{}
	sess.completeFn = func(_ context.Context, _ engine.CompletionRequest, _ engine.TokenCallback) (string, error) {
		close(started)
		<-release
		return "", nil
	}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	m.ClearKVCache(true)
	sess.mu.Lock()
	if sess.clearCalls != 1 || !sess.lastClearData {
		t.Errorf("idle clear: calls=%d clearData=%v, want 1/true", sess.clearCalls, sess.lastClearData)
	}
	sess.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.GenerateResponse(context.Background(), []ChatMessage{msg(RoleUser, "hi")}, Callbacks{})
	}()
	<-started

	m.ClearKVCache(false) // mid-generation, must not reach the engine
	sess.mu.Lock()
	if sess.clearCalls != 1 {
		t.Errorf("mid-generation clear reached the engine: calls=%d", sess.clearCalls)
	}
	sess.mu.Unlock()

	close(release)
	<-done
}

// TestUnloadReleasesSession checks explicit unload.
func TestUnloadReleasesSession(t *testing.T) {
	sess := &fakeSession{}
	e := &fakeEngine{sessions: []*fakeSession{sess}}
	m := newTestManager(e)
	mustLoad(t, m, "a.gguf")

	if err := m.UnloadModel(); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	if !sess.released {
		t.Error("session not released on unload")
	}
	if m.IsLoaded() {
		t.Error("manager reports loaded after unload")
	}

	// Double unload is a no-op.
	if err := m.UnloadModel(); err != nil {
		t.Errorf("second UnloadModel: %v", err)
	}
}
