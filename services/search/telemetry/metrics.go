// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the search instruments. All names carry the "search_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// IterationsTotal counts completed search iterations by mode.
	IterationsTotal metric.Int64Counter

	// CandidatesTotal counts candidates that survived code extraction.
	CandidatesTotal metric.Int64Counter

	// ExtractionLossesTotal counts completions with no usable code.
	ExtractionLossesTotal metric.Int64Counter

	// DiscardedTotal counts chunked candidates with no annotation chunks.
	DiscardedTotal metric.Int64Counter

	// PersistedTotal counts programs written to the store.
	PersistedTotal metric.Int64Counter

	// CandidateFailuresTotal counts candidates abandoned with an error by stage.
	CandidateFailuresTotal metric.Int64Counter

	// ChunkFailuresTotal counts chunk executions that returned an error.
	ChunkFailuresTotal metric.Int64Counter

	// SamplerTokensTotal counts sampler tokens by kind (prompt, completion).
	SamplerTokensTotal metric.Int64Counter

	// EvaluationDuration records per-candidate evaluation time in seconds.
	EvaluationDuration metric.Float64Histogram

	// HoldoutValue records the baseline score delta of each holdout window.
	HoldoutValue metric.Float64Histogram
}

// NewMetrics registers every search instrument on meter.
//
// Inputs:
//
//	meter - The OTel meter to register on.
//
// Outputs:
//
//	*Metrics - Instruments ready for use.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.IterationsTotal, "search_iterations_total", "Completed search iterations", "{iteration}"},
		{&m.CandidatesTotal, "search_candidates_total", "Candidates with extracted code", "{candidate}"},
		{&m.ExtractionLossesTotal, "search_extraction_losses_total", "Completions without usable code", "{completion}"},
		{&m.DiscardedTotal, "search_discarded_total", "Candidates without annotation chunks", "{candidate}"},
		{&m.PersistedTotal, "search_programs_persisted_total", "Programs written to the store", "{program}"},
		{&m.CandidateFailuresTotal, "search_candidate_failures_total", "Candidates abandoned with an error", "{candidate}"},
		{&m.ChunkFailuresTotal, "search_chunk_failures_total", "Chunk executions that failed", "{chunk}"},
		{&m.SamplerTokensTotal, "search_sampler_tokens_total", "Tokens consumed by the sampler", "{token}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	m.EvaluationDuration, err = meter.Float64Histogram(
		"search_evaluation_duration_seconds",
		metric.WithDescription("Candidate evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create search_evaluation_duration_seconds: %w", err)
	}

	m.HoldoutValue, err = meter.Float64Histogram(
		"search_holdout_value",
		metric.WithDescription("Baseline score delta of the holdout instance"),
	)
	if err != nil {
		return nil, fmt.Errorf("create search_holdout_value: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// RecordTokens adds prompt and completion token counts.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	m.SamplerTokensTotal.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("kind", "prompt")))
	m.SamplerTokensTotal.Add(ctx, int64(completion), metric.WithAttributes(attribute.String("kind", "completion")))
}
