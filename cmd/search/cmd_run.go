// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/mcts"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/server"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/telemetry"
)

type runFlags struct {
	iterations int
	samples    int
	chunked    bool
	skip       bool
	serve      bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the search loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, &cfg, f)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stats, err := runSearch(ctx, cfg, nil)
			if stats != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "iterations=%d candidates=%d persisted=%d failed=%d\n",
					stats.Iterations, stats.Candidates, stats.Persisted, stats.Failed)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 0, "Override search.iterations")
	cmd.Flags().IntVarP(&f.samples, "samples", "k", 0, "Override search.samples_per_iteration")
	cmd.Flags().BoolVar(&f.chunked, "chunked", false, "Evaluate candidates chunk by chunk")
	cmd.Flags().BoolVar(&f.skip, "skip-failures", false, "Drop error-flagged programs")
	cmd.Flags().BoolVar(&f.serve, "serve", false, "Serve status on server.addr while running")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *mcts.RunConfig, f runFlags) {
	flags := cmd.Flags()
	if flags.Changed("iterations") {
		cfg.Search.Iterations = f.iterations
	}
	if flags.Changed("samples") {
		cfg.Search.SamplesPerIteration = f.samples
	}
	if flags.Changed("chunked") {
		cfg.Search.Chunked = f.chunked
	}
	if flags.Changed("skip-failures") {
		cfg.Search.SkipFailures = f.skip
	}
	if flags.Changed("serve") {
		cfg.Server.Enabled = f.serve
	}
}

// runSearch wires every component from cfg and runs the loop until it
// finishes or ctx is cancelled. A nil lm builds the configured sampler.
func runSearch(ctx context.Context, cfg mcts.RunConfig, lm sampler.Sampler) (*mcts.SearchStats, error) {
	logs, err := setupLogging(cfg, false)
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	logger := logs.Slog()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.TracerName))
	if err != nil {
		return nil, err
	}

	var recorder telemetry.RewardRecorder = telemetry.NopRecorder{}
	if cfg.Telemetry.Influx.Enabled() {
		r, err := telemetry.NewInfluxRecorder(cfg.Telemetry.Influx)
		if err != nil {
			return nil, err
		}
		recorder = r
	}
	defer recorder.Close()

	if lm == nil {
		lm, err = buildSampler(cfg.Sampler, logger)
		if err != nil {
			return nil, err
		}
	}
	ev, err := buildEvaluator(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}()

	runID := uuid.NewString()
	tracker := server.NewTracker(runID, cfg.Version, cfg.Search.Chunked)
	opts := []mcts.Option{
		mcts.WithLogger(logger),
		mcts.WithMetrics(metrics),
		mcts.WithRecorder(recorder),
		mcts.WithRunID(runID),
		mcts.WithProgress(tracker.Update),
	}
	newSearch := mcts.NewSearch
	if cfg.Search.Chunked {
		newSearch = mcts.NewChunkedSearch
	}
	search, err := newSearch(cfg, lm, ev, store, opts...)
	if err != nil {
		return nil, err
	}

	serveCtx, stopServer := context.WithCancel(ctx)
	serverDone := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Addr, cfg.Telemetry.ServiceName, store, tracker,
			server.WithLogger(logger), server.WithMetricsHandler(telemetry.MetricsHandler()))
		go func() { serverDone <- srv.Run(serveCtx) }()
	} else {
		serverDone <- nil
	}

	logger.Info("search starting",
		slog.String("run_id", runID),
		slog.Int("version", cfg.Version),
		slog.Bool("chunked", cfg.Search.Chunked),
		slog.Int("iterations", cfg.Search.Iterations),
		slog.Int("samples", cfg.Search.SamplesPerIteration))

	stats, err := search.Search(ctx, cfg.Search.Iterations, cfg.Search.SamplesPerIteration, cfg.Search.SkipFailures)
	tracker.Finish(stats, err)
	stopServer()
	if serr := <-serverDone; serr != nil {
		logger.Warn("status server stopped with error", slog.String("error", serr.Error()))
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("search interrupted", slog.String("run_id", runID))
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	logger.Info("search finished",
		slog.String("run_id", runID),
		slog.Int("persisted", stats.Persisted),
		slog.Int("failed", stats.Failed))
	return stats, nil
}
