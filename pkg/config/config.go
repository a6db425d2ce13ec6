// Package config loads and validates the server's TOML configuration file.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// ModelPreference is the [model].preference enum.
type ModelPreference string

const (
	PreferenceHigh ModelPreference = "high"
	PreferenceLow  ModelPreference = "low"
)

// LoraBlend is one {pattern, alpha} entry in a LoRA blend list.
type LoraBlend struct {
	Pattern string  `toml:"pattern" validate:"required"`
	Alpha   float64 `toml:"alpha" validate:"required"`
}

// LoraConfig is one {path, blends} adapter entry.
type LoraConfig struct {
	Path   string      `toml:"path" validate:"required"`
	Blends []LoraBlend `toml:"blends"`
}

// ModelConfig is the [model] TOML table.
type ModelConfig struct {
	Path            string            `toml:"path" validate:"required"`
	MaxBatchCount   int               `toml:"max_batch_count" validate:"required,min=1"`
	MaxChunkCount   int               `toml:"max_chunk_count" validate:"required,min=1"`
	MaxStateSize    int               `toml:"max_state_size"`
	MaxConcurrency  int               `toml:"max_concurrency" validate:"required,min=1"`
	Preference      ModelPreference   `toml:"preference"`
	Adapter         string            `toml:"adapter"`
	Quantization    map[string]string `toml:"quantization"`
	MaxInferTokens  int               `toml:"max_infer_tokens" validate:"required,min=1"`
	LoraConfig      []LoraConfig      `toml:"lora_config"`
}

// TokenizerConfig is the [tokenizer] TOML table.
type TokenizerConfig struct {
	Path string `toml:"path"`
}

// AxumConfig is the [axum] TOML table (named for parity with the protocol
// the server exposes; it governs server-facing concerns).
type AxumConfig struct {
	StateDump string `toml:"state_dump" validate:"required"`
}

// DumpIndexConfig is an optional [dumpindex] table; when absent the server
// runs with an in-memory-only dump index (see DESIGN.md).
type DumpIndexConfig struct {
	DSN string `toml:"dsn"`
}

// Config is the full parsed and validated TOML configuration.
type Config struct {
	Model     ModelConfig      `toml:"model" validate:"required"`
	Tokenizer TokenizerConfig  `toml:"tokenizer"`
	Axum      AxumConfig       `toml:"axum" validate:"required"`
	DumpIndex *DumpIndexConfig `toml:"dumpindex"`
}

// DefaultModelConfig returns the [model] defaults, merged into any
// user-provided config via dario.cat/mergo.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		MaxBatchCount:  32,
		MaxChunkCount:  256,
		MaxConcurrency: 8,
		Preference:     PreferenceHigh,
		MaxInferTokens: 256,
	}
}

// Load reads, defaults, and validates the TOML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, ErrConfigNotFound)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidTOML, err))
	}

	defaults := DefaultModelConfig()
	if err := mergo.Merge(&cfg.Model, defaults); err != nil {
		return nil, fmt.Errorf("config: merge defaults: %w", err)
	}

	if cfg.Model.MaxConcurrency > cfg.Model.MaxBatchCount {
		// The ticket pool's semaphore weight must never exceed BATCH width,
		// or slot assignment's "every slot reserved" branch becomes
		// reachable (see scheduler.assignSlotLocked).
		cfg.Model.MaxConcurrency = cfg.Model.MaxBatchCount
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate runs struct-tag validation over the full config tree.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return NewValidationError("config", err)
	}
	return nil
}
