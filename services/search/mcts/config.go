// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/pkg/logging"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/evaluator"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/format"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/telemetry"
)

// RunConfig is the complete, immutable configuration of one search run.
//
// It is built once by LoadRunConfig and passed to constructors. Nothing in
// the search path reads process environment after that.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type RunConfig struct {
	// Version tags every program this run creates and scopes parent sampling.
	Version int `json:"version" yaml:"version" validate:"gte=0"`

	// VersionDescription is stored alongside each program.
	VersionDescription string `json:"version_description" yaml:"version_description"`

	// SystemPrompt seeds new conversations. SystemPromptFile, when set,
	// replaces it with the file's contents.
	SystemPrompt     string `json:"system_prompt" yaml:"system_prompt"`
	SystemPromptFile string `json:"system_prompt_file" yaml:"system_prompt_file"`

	// InitialStateFile is a JSON snapshot used when no parent exists.
	// Without it, InitialInventory builds a snapshot with only an inventory.
	InitialStateFile string         `json:"initial_state_file" yaml:"initial_state_file"`
	InitialInventory map[string]int `json:"initial_inventory" yaml:"initial_inventory"`

	Search    SearchConfig    `json:"search" yaml:"search"`
	Sampler   SamplerConfig   `json:"sampler" yaml:"sampler"`
	Evaluator EvaluatorConfig `json:"evaluator" yaml:"evaluator"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Server    ServerConfig    `json:"server" yaml:"server"`

	// InitialState is resolved from InitialStateFile or InitialInventory.
	InitialState *program.Snapshot `json:"-" yaml:"-"`
}

// SearchConfig controls the loop.
type SearchConfig struct {
	Iterations          int  `json:"iterations" yaml:"iterations" validate:"gte=0"`
	SamplesPerIteration int  `json:"samples_per_iteration" yaml:"samples_per_iteration" validate:"gte=1"`
	Chunked             bool `json:"chunked" yaml:"chunked"`

	// SkipFailures stops persisting at the first error-flagged response.
	SkipFailures bool `json:"skip_failures" yaml:"skip_failures"`

	// SingleChunkFallback evaluates a chunked candidate without
	// annotations as one chunk instead of discarding it.
	SingleChunkFallback bool `json:"single_chunk_fallback" yaml:"single_chunk_fallback"`
}

// SamplerConfig selects and tunes the LM backend.
type SamplerConfig struct {
	Provider  string `json:"provider" yaml:"provider" validate:"oneof=openai ollama"`
	Model     string `json:"model" yaml:"model" validate:"required"`
	BaseURL   string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`

	Temperature      float64        `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int            `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	PresencePenalty  float64        `json:"presence_penalty" yaml:"presence_penalty" validate:"gte=-2,lte=2"`
	FrequencyPenalty float64        `json:"frequency_penalty" yaml:"frequency_penalty" validate:"gte=-2,lte=2"`
	LogitBias        map[string]int `json:"logit_bias" yaml:"logit_bias"`
	Stop             []string       `json:"stop" yaml:"stop" validate:"max=4"`

	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" validate:"gte=1"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// MaxLookback keeps the system and goal messages plus this many recent
	// messages. Zero sends the whole history.
	MaxLookback      int `json:"max_lookback" yaml:"max_lookback" validate:"gte=0"`
	MaxResponseChars int `json:"max_response_chars" yaml:"max_response_chars" validate:"gte=0"`
}

// EvaluatorConfig locates the environment instances.
type EvaluatorConfig struct {
	// Backend is "http" for environment servers or "memory" for dry runs.
	Backend   string   `json:"backend" yaml:"backend" validate:"oneof=http memory"`
	Instances []string `json:"instances" yaml:"instances" validate:"omitempty,dive,url"`
	Holdout   string   `json:"holdout" yaml:"holdout" validate:"omitempty,url"`

	// MemoryInstances sizes the pool of the memory backend.
	MemoryInstances int `json:"memory_instances" yaml:"memory_instances" validate:"gte=0"`

	ValueAccrualTime time.Duration `json:"value_accrual_time" yaml:"value_accrual_time" validate:"gte=0"`
	ErrorPenalty     float64       `json:"error_penalty" yaml:"error_penalty" validate:"gte=0"`
	EvalTimeout      time.Duration `json:"eval_timeout" yaml:"eval_timeout" validate:"gte=0"`
	HoldoutCode      string        `json:"holdout_code" yaml:"holdout_code"`
}

// StorageConfig selects the program store.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" validate:"oneof=badger sqlite memory"`
	Path    string `json:"path" yaml:"path"`

	// Seed fixes parent sampling. Zero draws a random seed.
	Seed uint64 `json:"seed" yaml:"seed"`

	storage.SamplingConfig `yaml:",inline"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json auto"`
	Dir    string `json:"dir" yaml:"dir"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

// DefaultRunConfig returns the default configuration.
func DefaultRunConfig() RunConfig {
	retry := sampler.DefaultRetryConfig()
	eval := evaluator.DefaultConfig()
	return RunConfig{
		Version: 1,
		Search: SearchConfig{
			Iterations:          100,
			SamplesPerIteration: 4,
		},
		Sampler: SamplerConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			Temperature:       0.7,
			MaxTokens:         4096,
			RequestsPerSecond: retry.RequestsPerSecond,
			MaxRetries:        retry.MaxAttempts,
			InitialBackoff:    retry.InitialBackoff,
			MaxBackoff:        retry.MaxBackoff,
			MaxLookback:       20,
			MaxResponseChars:  4000,
		},
		Evaluator: EvaluatorConfig{
			Backend:          "http",
			ValueAccrualTime: eval.ValueAccrualTime,
			EvalTimeout:      eval.EvalTimeout,
		},
		Storage: StorageConfig{
			Backend:        "badger",
			Path:           "~/.search/programs",
			SamplingConfig: storage.DefaultSamplingConfig(),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Addr: ":8090",
		},
	}
}

// LoadRunConfig loads configuration with priority: env > file > defaults.
//
// Description:
//
//	Reads the YAML or JSON file at configPath when given, applies SEARCH_*
//	environment overrides, loads the referenced prompt and state files
//	(relative paths resolve against the config file's directory), and
//	validates the result.
//
// Inputs:
//
//	configPath - Path to a YAML/JSON config file. May be empty.
//
// Outputs:
//
//	RunConfig - Merged, resolved configuration.
//	error - Non-nil if a file is unreadable or the result is invalid.
func LoadRunConfig(configPath string) (RunConfig, error) {
	config := DefaultRunConfig()

	baseDir := ""
	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
		baseDir = filepath.Dir(configPath)
	}

	loadConfigFromEnv(&config)

	if err := config.resolve(baseDir); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *RunConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *RunConfig) {
	envInt("SEARCH_VERSION", &config.Version)
	if v := os.Getenv("SEARCH_VERSION_DESCRIPTION"); v != "" {
		config.VersionDescription = v
	}
	if v := os.Getenv("SEARCH_SYSTEM_PROMPT_FILE"); v != "" {
		config.SystemPromptFile = v
	}

	envInt("SEARCH_ITERATIONS", &config.Search.Iterations)
	envInt("SEARCH_SAMPLES_PER_ITERATION", &config.Search.SamplesPerIteration)
	envBool("SEARCH_CHUNKED", &config.Search.Chunked)
	envBool("SEARCH_SKIP_FAILURES", &config.Search.SkipFailures)

	if v := os.Getenv("SEARCH_SAMPLER_PROVIDER"); v != "" {
		config.Sampler.Provider = v
	}
	if v := os.Getenv("SEARCH_SAMPLER_MODEL"); v != "" {
		config.Sampler.Model = v
	}
	if v := os.Getenv("SEARCH_SAMPLER_BASE_URL"); v != "" {
		config.Sampler.BaseURL = v
	}
	if v := os.Getenv("SEARCH_SAMPLER_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Sampler.Temperature = f
		}
	}

	if v := os.Getenv("SEARCH_EVALUATOR_BACKEND"); v != "" {
		config.Evaluator.Backend = v
	}
	if v := os.Getenv("SEARCH_EVALUATOR_INSTANCES"); v != "" {
		config.Evaluator.Instances = splitList(v)
	}
	if v := os.Getenv("SEARCH_EVALUATOR_HOLDOUT"); v != "" {
		config.Evaluator.Holdout = v
	}
	if v := os.Getenv("SEARCH_VALUE_ACCRUAL_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Evaluator.ValueAccrualTime = d
		}
	}

	if v := os.Getenv("SEARCH_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("SEARCH_STORAGE_PATH"); v != "" {
		config.Storage.Path = v
	}

	if v := os.Getenv("SEARCH_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SEARCH_LOG_DIR"); v != "" {
		config.Logging.Dir = v
	}
	envBool("SEARCH_SERVER_ENABLED", &config.Server.Enabled)
	if v := os.Getenv("SEARCH_SERVER_ADDR"); v != "" {
		config.Server.Addr = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolve loads the prompt and state files into the config.
func (c *RunConfig) resolve(baseDir string) error {
	if c.SystemPromptFile != "" {
		data, err := os.ReadFile(relativeTo(baseDir, c.SystemPromptFile))
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		c.SystemPrompt = string(data)
	}

	switch {
	case c.InitialStateFile != "":
		data, err := os.ReadFile(relativeTo(baseDir, c.InitialStateFile))
		if err != nil {
			return fmt.Errorf("read initial state: %w", err)
		}
		var state program.Snapshot
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decode initial state: %w", err)
		}
		c.InitialState = &state
	default:
		c.InitialState = &program.Snapshot{Inventory: c.InitialInventory}
	}
	return nil
}

func relativeTo(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
//
// Outputs:
//   - error: Non-nil if configuration is invalid.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	if strings.TrimSpace(c.SystemPrompt) == "" {
		errs = append(errs, errors.New("system_prompt or system_prompt_file is required"))
	}
	if c.Evaluator.Backend == "http" {
		if len(c.Evaluator.Instances) == 0 {
			errs = append(errs, errors.New("evaluator.instances is required for the http backend"))
		}
		if c.Evaluator.Holdout == "" {
			errs = append(errs, errors.New("evaluator.holdout is required for the http backend"))
		}
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
	}
	if n := c.InstanceCount(); n > 0 && c.Search.SamplesPerIteration > n {
		errs = append(errs, fmt.Errorf("samples_per_iteration %d exceeds %d evaluator instances",
			c.Search.SamplesPerIteration, n))
	}
	if c.Sampler.MaxBackoff > 0 && c.Sampler.InitialBackoff > c.Sampler.MaxBackoff {
		errs = append(errs, errors.New("sampler.initial_backoff must not exceed max_backoff"))
	}
	return errors.Join(errs...)
}

// InstanceCount is the size of the configured evaluator pool.
func (c RunConfig) InstanceCount() int {
	if c.Evaluator.Backend == "memory" {
		if c.Evaluator.MemoryInstances > 0 {
			return c.Evaluator.MemoryInstances
		}
		return c.Search.SamplesPerIteration
	}
	return len(c.Evaluator.Instances)
}

// RetryConfig converts the sampler settings for sampler.NewRetryingSampler.
func (c SamplerConfig) RetryConfig() sampler.RetryConfig {
	cfg := sampler.DefaultRetryConfig()
	cfg.MaxAttempts = c.MaxRetries
	cfg.RequestsPerSecond = c.RequestsPerSecond
	if c.InitialBackoff > 0 {
		cfg.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	return cfg
}

// FormatConfig converts the lookback settings for format.New.
func (c SamplerConfig) FormatConfig() format.Config {
	return format.Config{MaxLookback: c.MaxLookback, MaxResponseChars: c.MaxResponseChars}
}

// EvaluatorSettings converts the scoring settings for evaluator.New.
func (c EvaluatorConfig) EvaluatorSettings() evaluator.Config {
	return evaluator.Config{
		ValueAccrualTime: c.ValueAccrualTime,
		ErrorPenalty:     c.ErrorPenalty,
		EvalTimeout:      c.EvalTimeout,
		HoldoutCode:      c.HoldoutCode,
	}
}

// LoggingSettings converts the logging section for logging.New.
func (c RunConfig) LoggingSettings() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Logging.Format),
		LogDir:  c.Logging.Dir,
		Service: c.Telemetry.ServiceName,
	}, nil
}
