// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcts

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/telemetry"
)

// Span names.
const (
	spanRun       = "search.run"
	spanIteration = "search.iteration"
	spanGenerate  = "search.generate"
	spanEvaluate  = "search.evaluate"
	spanCandidate = "search.candidate"
	spanChunk     = "search.chunk"
)

// SearchStats summarizes a Search call.
type SearchStats struct {
	// Iterations is the number of iterations run, failed ones included.
	Iterations int `json:"iterations"`

	// FailedIterations counts iterations aborted by an error.
	FailedIterations int `json:"failed_iterations"`

	// Candidates counts completions that survived code extraction.
	Candidates int `json:"candidates"`

	// ExtractionLosses counts completions with no usable code.
	ExtractionLosses int `json:"extraction_losses"`

	// Discarded counts chunked candidates without annotation chunks.
	Discarded int `json:"discarded"`

	// Failed counts candidates abandoned with an evaluation error.
	Failed int `json:"failed"`

	// Persisted counts programs written to the store.
	Persisted int `json:"persisted"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// tally collects stats from concurrent candidates.
type tally struct {
	iterations, failedIterations   atomic.Int64
	candidates, extractionLosses   atomic.Int64
	discarded, failed, persisted   atomic.Int64
	promptTokens, completionTokens atomic.Int64
}

func (t *tally) snapshot() *SearchStats {
	return &SearchStats{
		Iterations:       int(t.iterations.Load()),
		FailedIterations: int(t.failedIterations.Load()),
		Candidates:       int(t.candidates.Load()),
		ExtractionLosses: int(t.extractionLosses.Load()),
		Discarded:        int(t.discarded.Load()),
		Failed:           int(t.failed.Load()),
		Persisted:        int(t.persisted.Load()),
		PromptTokens:     int(t.promptTokens.Load()),
		CompletionTokens: int(t.completionTokens.Load()),
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, name, attrs...)
}

func (s *Search) modeAttr() attribute.KeyValue {
	if s.chunked {
		return attribute.String("mode", "chunked")
	}
	return attribute.String("mode", "batch")
}

func (s *Search) countFailure(ctx context.Context, stats *tally, stage string) {
	stats.failed.Add(1)
	s.metrics.CandidateFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
