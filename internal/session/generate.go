package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"Hearth/internal/engine"
)

// controlTokens are model-family end markers that must never reach the
// transcript. They double as the stop-sequence list handed to the engine.
var controlTokens = []string{
	"<|im_end|>",
	"<|im_start|>",
	"<|endoftext|>",
	"<|end|>",
	"<|eot_id|>",
	"<end_of_turn>",
	"</s>",
}

// Callbacks deliver streaming progress to the caller. Any field may be nil.
type Callbacks struct {
	// OnThinking fires once, before the first token, covering engine
	// latency before anything is emitted.
	OnThinking func()

	// OnToken fires for each sanitized text piece.
	OnToken func(piece string)

	// OnComplete fires once with the final accumulated text.
	OnComplete func(text string)

	// OnError fires once if the engine fails mid-stream.
	OnError func(err error)
}

// cancelToken is the cooperative cancellation flag for one generation.
// Tokens the engine emits after Cancel are discarded at the callback
// boundary rather than suppressed engine-side.
type cancelToken struct {
	flag atomic.Bool
}

func (t *cancelToken) Cancel()         { t.flag.Store(true) }
func (t *cancelToken) Cancelled() bool { return t.flag.Load() }

// GenerateResponse runs one streaming generation over the conversation.
// The history is trimmed to the context budget, shaped into the engine
// payload, and streamed back through cb. The final sanitized text is
// returned; empty or whitespace-only output means the model produced
// nothing worth persisting.
//
// Generation is single-flight: a second call while one is in flight fails
// with ErrGenerationBusy without touching the first.
func (m *Manager) GenerateResponse(ctx context.Context, messages []ChatMessage, cb Callbacks) (string, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return "", ErrNoModelLoaded
	}
	if m.generating {
		m.mu.Unlock()
		return "", ErrGenerationBusy
	}
	m.generating = true
	token := &cancelToken{}
	m.cancel = token
	a := m.active
	budgetCfg := m.cfg.Budget
	defaults := m.cfg.Defaults
	vision := a.multimodal != nil && a.multimodal.Vision
	m.mu.Unlock()

	start := time.Now()
	if cb.OnThinking != nil {
		cb.OnThinking()
	}

	counter := func(text string) (int, error) {
		ids, err := a.sess.Tokenize(ctx, text)
		if err != nil {
			return 0, err
		}
		return len(ids), nil
	}
	plan := PlanWindow(messages, a.info.ContextLength, counter, budgetCfg)

	req := engine.CompletionRequest{
		Messages: EnginePayload(plan.Included, vision),
		Options: engine.GenerationOptions{
			MaxTokens:     defaults.MaxTokens,
			Temperature:   defaults.Temperature,
			TopK:          defaults.TopK,
			TopP:          defaults.TopP,
			MinP:          defaults.MinP,
			RepeatPenalty: defaults.RepeatPenalty,
			RepeatLastN:   defaults.RepeatLastN,
			Stop:          stopSequences(defaults.Stop),
		},
	}

	var accumulated strings.Builder
	tokenCount := 0
	var firstToken time.Duration

	_, err := a.sess.Complete(ctx, req, func(piece string) {
		// Cancellation boundary: once the flag flips, late pieces are
		// dropped, neither appended nor surfaced.
		if token.Cancelled() {
			return
		}
		if tokenCount == 0 {
			firstToken = time.Since(start)
		}
		tokenCount++
		clean := stripControlTokens(piece)
		if clean == "" {
			return
		}
		accumulated.WriteString(clean)
		if cb.OnToken != nil {
			cb.OnToken(clean)
		}
	})

	elapsed := time.Since(start)

	// After a stop, a newer generation may already own the in-flight state.
	// Only the generation that still holds the cancel token tears it down
	// and records its stats.
	m.mu.Lock()
	if m.cancel == token {
		m.generating = false
		m.cancel = nil
		m.stats = computeStats(tokenCount, elapsed, firstToken)
	}
	m.mu.Unlock()

	if err != nil {
		wrapped := fmt.Errorf("session: generation failed: %w", err)
		if cb.OnError != nil {
			cb.OnError(wrapped)
		}
		return "", wrapped
	}

	final := stripControlTokens(accumulated.String())
	if strings.TrimSpace(final) == "" {
		final = ""
	}
	if cb.OnComplete != nil {
		cb.OnComplete(final)
	}
	return final, nil
}

// StopGeneration cancels the in-flight generation, if any. It flips the
// cancellation flag first so pieces already dispatched by the engine are
// discarded, then asks the engine to stop. Safe no-op when idle.
func (m *Manager) StopGeneration() {
	m.mu.Lock()
	token := m.cancel
	var sess engine.Session
	if m.active != nil {
		sess = m.active.sess
	}
	m.generating = false
	m.mu.Unlock()

	if token != nil {
		token.Cancel()
	}
	if sess != nil {
		sess.StopCompletion()
	}
}

// stopSequences merges configured stop strings with the control-token list.
func stopSequences(extra []string) []string {
	stops := append([]string(nil), controlTokens...)
	for _, s := range extra {
		if s != "" && !containsString(stops, s) {
			stops = append(stops, s)
		}
	}
	return stops
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// stripControlTokens removes every known control marker from a piece.
func stripControlTokens(text string) string {
	for _, tok := range controlTokens {
		if strings.Contains(text, tok) {
			text = strings.ReplaceAll(text, tok, "")
		}
	}
	return text
}

// computeStats turns raw timing into the telemetry record. Decode rate
// excludes time-to-first-token so it reflects steady-state throughput.
func computeStats(tokenCount int, elapsed, firstToken time.Duration) PerformanceStats {
	stats := PerformanceStats{
		LastTokenCount:         tokenCount,
		LastGenerationTimeMs:   float64(elapsed.Milliseconds()),
		LastTimeToFirstTokenMs: float64(firstToken.Milliseconds()),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.LastTokensPerSecond = float64(tokenCount) / secs
	}
	if decode := (elapsed - firstToken).Seconds(); decode > 0 && tokenCount > 1 {
		stats.LastDecodeTokensPerSecond = float64(tokenCount-1) / decode
	}
	return stats
}
