package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures model, engine, generation and storage settings for Hearth.
type Config struct {
	Model    ModelConfig        `yaml:"model"`
	Engine   EngineConfig       `yaml:"engine"`
	Defaults GenerationDefaults `yaml:"defaults"`
	Budget   BudgetConfig       `yaml:"budget"`
	Store    StoreConfig        `yaml:"store"`
	Media    MediaConfig        `yaml:"media"`
}

// ModelConfig selects which model files are loaded at startup.
type ModelConfig struct {
	// Path is the GGUF model file, or a catalog entry name.
	Path string `yaml:"path"`

	// ProjectorPath is an optional multimodal projector (mmproj) file.
	ProjectorPath string `yaml:"projector_path"`
}

// EngineConfig holds the engine settings captured once per model load.
type EngineConfig struct {
	// ServerBinary is the llama-server executable used by the subprocess
	// binding. Resolved via PATH when not absolute.
	ServerBinary string `yaml:"server_binary"`

	// Host and Port are where the subprocess binding listens.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// StartupTimeout bounds how long a load waits for the engine to come up.
	StartupTimeout string `yaml:"startup_timeout"`

	ContextLength int  `yaml:"context_length"`
	Threads       int  `yaml:"threads"`
	BatchSize     int  `yaml:"batch_size"`
	GPUEnabled    bool `yaml:"gpu_enabled"`
	GPULayers     int  `yaml:"gpu_layers"`
}

// GenerationDefaults allows overriding common inference parameters globally.
type GenerationDefaults struct {
	MaxTokens     int      `yaml:"max_tokens"`
	Temperature   float64  `yaml:"temperature"`
	TopK          int      `yaml:"top_k"`
	TopP          float64  `yaml:"top_p"`
	MinP          float64  `yaml:"min_p"`
	RepeatPenalty float64  `yaml:"repeat_penalty"`
	RepeatLastN   int      `yaml:"repeat_last_n"`
	Stop          []string `yaml:"stop"`
}

// BudgetConfig holds the context-window budgeting constants. These are
// empirically tuned values, kept as named overridable settings rather than
// derived from a formula.
type BudgetConfig struct {
	// SafetyFactor is the fraction of the context window the planner is
	// allowed to fill.
	SafetyFactor float64 `yaml:"safety_factor"`

	// SystemReserve is the token allowance held back for the system prompt.
	SystemReserve int `yaml:"system_reserve"`

	// ResponseReserve is the token allowance held back for the reply.
	ResponseReserve int `yaml:"response_reserve"`

	// FallbackBudget is used when the computed history budget is non-positive.
	FallbackBudget int `yaml:"fallback_budget"`

	// FallbackContextLength is the reduced context size for the last load
	// attempt in the waterfall.
	FallbackContextLength int `yaml:"fallback_context_length"`
}

// StoreConfig configures the SQLite-backed catalog and history stores.
type StoreConfig struct {
	HistoryPath string `yaml:"history_path"`
	CatalogPath string `yaml:"catalog_path"`

	// TurnsToUse is how many recent turns the front-ends reload on start.
	TurnsToUse int `yaml:"turns_to_use"`
}

// MediaConfig governs image preprocessing before hand-off to a vision model.
type MediaConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
	Quality   int `yaml:"quality"`
}

const defaultConfigFile = "hearth.yaml"

// Default returns a Config pre-populated with opinionated defaults for
// local models on consumer hardware.
func Default() Config {
	return Config{
		Model: ModelConfig{},
		Engine: EngineConfig{
			ServerBinary:   "llama-server",
			Host:           "127.0.0.1",
			Port:           42069,
			StartupTimeout: "120s",
			ContextLength:  4096,
			Threads:        4,
			BatchSize:      512,
			GPUEnabled:     true,
			GPULayers:      -1,
		},
		Defaults: GenerationDefaults{
			MaxTokens:     512,
			Temperature:   0.7,
			TopK:          40,
			TopP:          0.9,
			MinP:          0.05,
			RepeatPenalty: 1.1,
			RepeatLastN:   64,
			Stop:          nil,
		},
		Budget: BudgetConfig{
			SafetyFactor:          0.9,
			SystemReserve:         256,
			ResponseReserve:       512,
			FallbackBudget:        1024,
			FallbackContextLength: 2048,
		},
		Store: StoreConfig{
			HistoryPath: "hearth_history.db",
			CatalogPath: "hearth_models.db",
			TurnsToUse:  12,
		},
		Media: MediaConfig{
			MaxWidth:  1024,
			MaxHeight: 1024,
			Quality:   85,
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("HEARTH_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided HEARTH_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, gpu, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
		if gpu != nil {
			cfg.Engine.GPUEnabled = *gpu
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, *bool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	// gpu_enabled defaults to true, so merge cannot tell an explicit false
	// from an omitted key. Re-read it with a pointer to capture presence.
	var flags struct {
		Engine struct {
			GPUEnabled *bool `yaml:"gpu_enabled"`
		} `yaml:"engine"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return Config{}, nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, flags.Engine.GPUEnabled, nil
}

func merge(base, override Config) Config {
	result := base

	if override.Model.Path != "" {
		result.Model.Path = override.Model.Path
	}
	if override.Model.ProjectorPath != "" {
		result.Model.ProjectorPath = override.Model.ProjectorPath
	}

	e := override.Engine
	if e.ServerBinary != "" {
		result.Engine.ServerBinary = e.ServerBinary
	}
	if e.Host != "" {
		result.Engine.Host = e.Host
	}
	if e.Port != 0 {
		result.Engine.Port = e.Port
	}
	if e.StartupTimeout != "" {
		result.Engine.StartupTimeout = e.StartupTimeout
	}
	if e.ContextLength != 0 {
		result.Engine.ContextLength = e.ContextLength
	}
	if e.Threads != 0 {
		result.Engine.Threads = e.Threads
	}
	if e.BatchSize != 0 {
		result.Engine.BatchSize = e.BatchSize
	}
	if e.GPULayers != 0 {
		result.Engine.GPULayers = e.GPULayers
	}

	d := override.Defaults
	if d.MaxTokens != 0 {
		result.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		result.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		result.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		result.Defaults.TopP = d.TopP
	}
	if d.MinP != 0 {
		result.Defaults.MinP = d.MinP
	}
	if d.RepeatPenalty != 0 {
		result.Defaults.RepeatPenalty = d.RepeatPenalty
	}
	if d.RepeatLastN != 0 {
		result.Defaults.RepeatLastN = d.RepeatLastN
	}
	if len(d.Stop) != 0 {
		result.Defaults.Stop = append([]string(nil), d.Stop...)
	}

	b := override.Budget
	if b.SafetyFactor != 0 {
		result.Budget.SafetyFactor = b.SafetyFactor
	}
	if b.SystemReserve != 0 {
		result.Budget.SystemReserve = b.SystemReserve
	}
	if b.ResponseReserve != 0 {
		result.Budget.ResponseReserve = b.ResponseReserve
	}
	if b.FallbackBudget != 0 {
		result.Budget.FallbackBudget = b.FallbackBudget
	}
	if b.FallbackContextLength != 0 {
		result.Budget.FallbackContextLength = b.FallbackContextLength
	}

	if override.Store.HistoryPath != "" {
		result.Store.HistoryPath = override.Store.HistoryPath
	}
	if override.Store.CatalogPath != "" {
		result.Store.CatalogPath = override.Store.CatalogPath
	}
	if override.Store.TurnsToUse != 0 {
		result.Store.TurnsToUse = override.Store.TurnsToUse
	}

	if override.Media.MaxWidth != 0 {
		result.Media.MaxWidth = override.Media.MaxWidth
	}
	if override.Media.MaxHeight != 0 {
		result.Media.MaxHeight = override.Media.MaxHeight
	}
	if override.Media.Quality != 0 {
		result.Media.Quality = override.Media.Quality
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HEARTH_MODEL")); v != "" {
		cfg.Model.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_MMPROJ")); v != "" {
		cfg.Model.ProjectorPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_SERVER_BIN")); v != "" {
		cfg.Engine.ServerBinary = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_ENGINE_HOST")); v != "" {
		cfg.Engine.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_ENGINE_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Engine.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_CONTEXT_LENGTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.ContextLength = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_GPU")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.GPUEnabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_GPU_LAYERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.GPULayers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Defaults.Temperature = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_BUDGET_SAFETY")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Budget.SafetyFactor = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_BUDGET_SYSTEM_RESERVE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Budget.SystemReserve = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_BUDGET_RESPONSE_RESERVE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Budget.ResponseReserve = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_HISTORY_PATH")); v != "" {
		cfg.Store.HistoryPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_CATALOG_PATH")); v != "" {
		cfg.Store.CatalogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HEARTH_HISTORY_TURNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Store.TurnsToUse = n
		}
	}
}
