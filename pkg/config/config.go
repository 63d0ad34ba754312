// Package config loads and validates the YAML configuration for the
// extraction loop. Defaults come first, the file overrides them, and a few
// environment variables override the file (secrets never belong in YAML).
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

// Config is the root configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm" validate:"required"`
	Loop     LoopConfig     `yaml:"loop,omitempty"`
	Curator  CuratorConfig  `yaml:"curator,omitempty"`
	Playbook PlaybookConfig `yaml:"playbook,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// LLMConfig selects and tunes the inference backend.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=anthropic local"`
	ModelID  string `yaml:"model_id" validate:"required"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	MaxTokens   int     `yaml:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Temperature float64 `yaml:"temperature,omitempty" validate:"gte=0,lte=1"`

	// Retry settings for transient failures. InitialBackoff is a Go
	// duration string, e.g. "500ms".
	MaxAttempts       int     `yaml:"max_attempts,omitempty" validate:"omitempty,gte=1"`
	InitialBackoff    string  `yaml:"initial_backoff,omitempty" validate:"omitempty,duration"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" validate:"omitempty,gte=1"`
}

// LoopConfig tunes the controller.
type LoopConfig struct {
	MaxContextBullets int      `yaml:"max_context_bullets,omitempty" validate:"gte=0"`
	CategoryFilter    []string `yaml:"category_filter,omitempty"`
	FailurePolicy     string   `yaml:"failure_policy,omitempty" validate:"omitempty,oneof=halt skip"`
	BestEffortApply   bool     `yaml:"best_effort_apply,omitempty"`
	StartRound        int      `yaml:"start_round,omitempty" validate:"gte=0"`
}

// CuratorConfig tunes growth control.
type CuratorConfig struct {
	SimilarityThreshold  float64 `yaml:"similarity_threshold,omitempty" validate:"gte=0,lte=1"`
	DeprecationThreshold int     `yaml:"deprecation_threshold,omitempty" validate:"gte=0"`
	MaxAddsPerRound      int     `yaml:"max_adds_per_round,omitempty" validate:"gte=0"`
	UseLLMJudge          bool    `yaml:"use_llm_judge,omitempty"`
}

// PlaybookConfig tunes context ranking and persistence.
type PlaybookConfig struct {
	UtilityWeight float64 `yaml:"utility_weight,omitempty"`
	RecencyWeight float64 `yaml:"recency_weight,omitempty"`
	SnapshotPath  string  `yaml:"snapshot_path,omitempty"`
}

// HistoryConfig selects the round-record sink.
type HistoryConfig struct {
	Backend string `yaml:"backend,omitempty" validate:"omitempty,oneof=memory sqlite"`
	Path    string `yaml:"path,omitempty" validate:"required_if=Backend sqlite"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error fatal"`
	File  string `yaml:"file,omitempty"`
}

// Default returns the configuration used when the file omits a field.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "anthropic",
			ModelID:           "claude-sonnet-4-5",
			MaxTokens:         4096,
			Temperature:       0.2,
			MaxAttempts:       3,
			InitialBackoff:    "500ms",
			BackoffMultiplier: 2.0,
		},
		Loop: LoopConfig{
			FailurePolicy: "halt",
		},
		Curator: CuratorConfig{
			SimilarityThreshold:  0.85,
			DeprecationThreshold: 3,
			MaxAddsPerRound:      3,
		},
		Playbook: PlaybookConfig{
			UtilityWeight: 1.0,
			RecencyWeight: 0.1,
		},
		History: HistoryConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Environment variable overrides. Only secrets and endpoints; everything
// else belongs in the file.
const (
	envAPIKey  = "LABLOOP_API_KEY"
	envModelID = "LABLOOP_MODEL_ID"
	envBaseURL = "LABLOOP_BASE_URL"
)

// Load reads the YAML file at path, layers it over the defaults, applies
// environment overrides, and validates the result. Unknown YAML keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to read config file"),
			errs.Fields{"path": path},
		)
	}
	return Parse(data)
}

// Parse layers YAML bytes over the defaults, applies environment overrides,
// and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errs.Wrap(err, errs.SerializationFailed, "failed to parse config")
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envAPIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv(envModelID); v != "" {
		cfg.LLM.ModelID = v
	}
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.LLM.BaseURL = v
	}
}

// Validate checks the struct tags plus the custom duration rule.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("duration", validDuration); err != nil {
		return errs.Wrap(err, errs.Unknown, "failed to register duration validator")
	}
	if err := validate.Struct(c); err != nil {
		return errs.Wrap(err, errs.ValidationFailed, "invalid configuration")
	}
	return nil
}

func validDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// RetryBackoff parses the configured initial backoff.
func (c *LLMConfig) RetryBackoff() time.Duration {
	d, err := time.ParseDuration(c.InitialBackoff)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
