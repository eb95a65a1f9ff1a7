// Package engine defines the binding contract between Hearth and a local
// llama.cpp-based inference engine. Hearth never reimplements tokenization or
// sampling; it drives an Engine through this interface and leaves the heavy
// lifting to the binding.
package engine

import "context"

// LoadConfig captures everything an engine needs to bring a model up. The
// values are read once per load; a running session never observes later
// configuration changes.
type LoadConfig struct {
	// ModelPath is the local GGUF file to load.
	ModelPath string

	// ProjectorPath is an optional multimodal projector (mmproj) file.
	// Empty means text-only.
	ProjectorPath string

	// ContextLength is the token window the context is created with.
	ContextLength int

	// ThreadCount is the number of inference threads. 0 = auto-detect.
	ThreadCount int

	// BatchSize is the max batch size for prompt processing.
	BatchSize int

	// GPULayers is the number of layers offloaded to an accelerator.
	// 0 = CPU-only, -1 = offload all layers.
	GPULayers int
}

// Message is one turn in the engine payload. Either Content or Parts is set,
// never both: Parts is used for vision-capable engines that accept image
// references alongside text.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Part is a fragment of a multi-part message.
type Part struct {
	Type string `json:"type"` // "text" or "image_url"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// GenerationOptions are the sampling parameters for one completion. Zero
// values mean "use the engine's default".
type GenerationOptions struct {
	MaxTokens     int
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
	Stop          []string
}

// CompletionRequest asks a session for a streaming completion over a
// prepared message payload.
type CompletionRequest struct {
	Messages []Message
	Options  GenerationOptions
}

// TokenCallback receives each generated text piece as the engine emits it.
type TokenCallback func(piece string)

// MultimodalSupport reports which media modalities a loaded projector accepts.
type MultimodalSupport struct {
	Vision bool
	Audio  bool
}

// Device describes an accelerator the engine can offload onto.
type Device struct {
	Name    string
	Backend string // e.g. "Metal", "CUDA", "Vulkan"
}

// Session is a loaded model plus its inference context. A Session is not
// safe for concurrent Complete calls; the session manager serializes access.
type Session interface {
	// Tokenize converts text to token IDs using the model's vocabulary.
	Tokenize(ctx context.Context, text string) ([]int32, error)

	// Complete runs a streaming completion, invoking onToken for each piece,
	// and returns the final accumulated text.
	Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (string, error)

	// StopCompletion asks the engine to stop the in-flight completion. It is
	// cooperative: pieces already queued by the engine may still arrive.
	StopCompletion()

	// InitMultimodal attaches a multimodal projector to the session.
	InitMultimodal(path string) error

	// MultimodalSupport reports the modalities of the attached projector,
	// or nil if no projector is active.
	MultimodalSupport() *MultimodalSupport

	// ClearCache drops the session's KV cache. When clearData is true any
	// engine-side cached prompt data is dropped as well.
	ClearCache(clearData bool)

	// Release frees all native resources held by the session.
	Release() error
}

// Engine is the factory side of the binding.
type Engine interface {
	// Load brings a model up under the given configuration.
	Load(ctx context.Context, cfg LoadConfig) (Session, error)

	// Devices enumerates available accelerators. An empty slice means
	// CPU-only inference.
	Devices() []Device
}
