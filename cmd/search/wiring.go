// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/pkg/logging"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/evaluator"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/mcts"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/pysrc"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage/badger"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage/sqlite"
)

// loadConfig reads --config and applies flag overrides.
func loadConfig() (mcts.RunConfig, error) {
	cfg, err := mcts.LoadRunConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogging builds the process logger and installs it as the slog
// default so library packages pick it up.
func setupLogging(cfg mcts.RunConfig, quiet bool) (*logging.Logger, error) {
	lc, err := cfg.LoggingSettings()
	if err != nil {
		return nil, err
	}
	lc.Quiet = quiet
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}

// buildSampler creates the configured LM backend wrapped in retries and
// rate limiting.
func buildSampler(cfg mcts.SamplerConfig, logger *slog.Logger) (sampler.Sampler, error) {
	var inner sampler.Sampler
	switch cfg.Provider {
	case "openai":
		s, err := sampler.NewOpenAISampler(sampler.OpenAIConfig{
			APIKey:  os.Getenv(cfg.APIKeyEnv),
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}, logger)
		if err != nil {
			return nil, err
		}
		inner = s
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		s, err := sampler.NewOllamaSampler(baseURL, cfg.Model, sampler.WithSamplerLogger(logger))
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown sampler provider %q", cfg.Provider)
	}
	return sampler.NewRetryingSampler(inner, cfg.RetryConfig(), logger), nil
}

// buildEvaluator connects the instance pool and the holdout.
func buildEvaluator(cfg mcts.RunConfig, logger *slog.Logger) (*evaluator.Evaluator, error) {
	ec := cfg.Evaluator
	var instances []evaluator.Instance
	var holdout evaluator.Instance

	switch ec.Backend {
	case "http":
		for _, addr := range ec.Instances {
			instances = append(instances, evaluator.NewHTTPInstance(addr).WithTimeout(ec.EvalTimeout))
		}
		if ec.Holdout == "" {
			return nil, fmt.Errorf("evaluator.holdout is required for the http backend")
		}
		holdout = evaluator.NewHTTPInstance(ec.Holdout).WithTimeout(ec.EvalTimeout)
	case "memory":
		for range cfg.InstanceCount() {
			instances = append(instances, evaluator.NewMemoryInstance(dryRunStep))
		}
		holdout = evaluator.NewMemoryInstance(nil)
	default:
		return nil, fmt.Errorf("unknown evaluator backend %q", ec.Backend)
	}

	return evaluator.New(instances, holdout, ec.EvaluatorSettings(), evaluator.WithLogger(logger))
}

// dryRunStep scores a program by the number of code lines it contains and
// reports syntax errors the way an environment would.
func dryRunStep(code string) evaluator.Step {
	errs, err := pysrc.Check(context.Background(), code)
	if err != nil {
		return evaluator.Step{Err: err}
	}
	if len(errs) > 0 {
		return evaluator.Step{Response: "Error: " + errs[0].Error()}
	}
	lines := 0
	for _, line := range pysrc.SplitLines(code) {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return evaluator.Step{Response: fmt.Sprintf("executed %d lines", lines), Reward: float64(lines)}
}

// openStore opens the configured program store.
func openStore(cfg mcts.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	ps := storage.NewParentSampler(cfg.SamplingConfig, cfg.Seed)
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(ps), nil
	case "badger":
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		bc := badger.DefaultConfig(path)
		bc.Logger = logger
		return badger.Open(bc, ps)
	case "sqlite":
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		return sqlite.Open(path, ps)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
