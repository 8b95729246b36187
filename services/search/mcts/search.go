// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mcts runs the sample-generate-evaluate-persist search over
// factory programs.
//
// # Description
//
// Each iteration samples a parent program for the active version (or seeds
// a fresh conversation when there is none), asks the LM for K+1
// completions, keeps the first K that parse as Python, scores them against
// the environment and persists every program that produced a state.
//
// The chunked variant splits each candidate at its step annotations and
// evaluates the chunks sequentially on one instance, persisting them as a
// linear chain of programs that share one growing conversation.
//
// # Thread Safety
//
// A Search may be reused but Search calls must not overlap: concurrent
// candidates of one iteration already occupy the whole instance pool.
package mcts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/chunk"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/evaluator"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/extract"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/format"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/pysrc"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/telemetry"
)

// PlanningPrompt follows the starting inventory in a seeded conversation.
const PlanningPrompt = "Plan the first steps towards maximising production. " +
	"Write each step as a short string annotation followed by the Python code that carries it out."

// Evaluator is the part of *evaluator.Evaluator the search uses.
type Evaluator interface {
	InstanceCount() int
	EvaluateBatch(ctx context.Context, programs []*program.Program, start *program.Snapshot) ([]*program.Program, error)
	EvaluateSingle(ctx context.Context, id int, code string) (evaluator.Outcome, error)
	Reset(ctx context.Context, id int, state *program.Snapshot) error
	ResetHoldout(ctx context.Context, state *program.Snapshot) error
	StartHoldout(ctx context.Context) *evaluator.HoldoutTask
}

// Option configures a Search.
type Option func(*Search)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Search) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the instruments. Defaults to noop.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Search) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRecorder receives every persisted program.
func WithRecorder(r telemetry.RewardRecorder) Option {
	return func(s *Search) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithRunID overrides the generated run id stored in program metadata.
func WithRunID(id string) Option {
	return func(s *Search) {
		s.runID = id
	}
}

// WithProgress is called with the running totals after every iteration.
func WithProgress(fn func(*SearchStats)) Option {
	return func(s *Search) {
		s.progress = fn
	}
}

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Search) {
		s.now = now
	}
}

// Search is the search loop.
type Search struct {
	config    RunConfig
	sampler   sampler.Sampler
	evaluator Evaluator
	store     storage.Store

	extractor *extract.Extractor
	splitter  *chunk.Splitter
	formatter *format.Formatter
	chunked   bool

	recorder telemetry.RewardRecorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	runID    string
	now      func() time.Time
	progress func(*SearchStats)
}

// NewSearch creates a loop that evaluates each iteration's candidates as
// one batch against a shared holdout.
//
// Inputs:
//
//	config - Run configuration. Version, prompts, initial state and sampler
//	         settings are read from it.
//	s - The LM sampler.
//	ev - The environment evaluator.
//	store - Program persistence.
//
// Outputs:
//
//	*Search - Ready loop.
//	error - Non-nil if a dependency is missing.
func NewSearch(config RunConfig, s sampler.Sampler, ev Evaluator, store storage.Store, opts ...Option) (*Search, error) {
	return newSearch(config, s, ev, store, false, opts...)
}

// NewChunkedSearch creates a loop that splits candidates at their step
// annotations and persists one program per chunk.
func NewChunkedSearch(config RunConfig, s sampler.Sampler, ev Evaluator, store storage.Store, opts ...Option) (*Search, error) {
	return newSearch(config, s, ev, store, true, opts...)
}

func newSearch(config RunConfig, s sampler.Sampler, ev Evaluator, store storage.Store, chunked bool, opts ...Option) (*Search, error) {
	if s == nil || ev == nil || store == nil {
		return nil, fmt.Errorf("%w: sampler, evaluator and store are required", ErrInvalidArgument)
	}
	if config.InitialState == nil {
		config.InitialState = &program.Snapshot{Inventory: config.InitialInventory}
	}
	srch := &Search{
		config:    config,
		sampler:   s,
		evaluator: ev,
		store:     store,
		formatter: format.New(config.Sampler.FormatConfig()),
		chunked:   chunked,
		recorder:  telemetry.NopRecorder{},
		metrics:   telemetry.NoopMetrics(),
		logger:    slog.Default(),
		runID:     uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(srch)
	}
	srch.logger = srch.logger.With(slog.String("run_id", srch.runID))
	srch.extractor = extract.New(extract.WithLogger(srch.logger))
	if chunked {
		srch.splitter = chunk.NewSplitter()
	}
	return srch, nil
}

// Chunked reports whether this is the chunked variant.
func (s *Search) Chunked() bool {
	return s.chunked
}

// RunID identifies this loop's programs in their metadata.
func (s *Search) RunID() string {
	return s.runID
}

// Search runs nIterations iterations.
//
// Description:
//
//	Every iteration is independent. A failure while sampling, generating
//	or evaluating is logged and aborts only that iteration; the loop moves
//	on and the iteration still counts. Every program persisted by an
//	iteration is durable before the next one starts.
//
//	With skipFailures, persistence stops at the first error-flagged
//	response: in batch mode such programs are dropped, in chunked mode the
//	chain ends after the flagged chunk.
//
// Inputs:
//
//	ctx - Checked between iterations; cancellation ends the run.
//	nIterations - Iterations to run. Must be >= 0.
//	samplesPerIteration - Candidates per iteration (K). Must be between 1
//	                      and the evaluator's instance count.
//	skipFailures - Stop-after-failure persistence policy.
//
// Outputs:
//
//	*SearchStats - Counters for the run so far. Never nil.
//	error - ErrInvalidArgument or ErrTooManySamples for bad arguments, or
//	        the context error if the run was cancelled.
func (s *Search) Search(ctx context.Context, nIterations, samplesPerIteration int, skipFailures bool) (*SearchStats, error) {
	stats := &tally{}
	if nIterations < 0 || samplesPerIteration < 1 {
		return stats.snapshot(), fmt.Errorf("%w: iterations=%d samples=%d", ErrInvalidArgument, nIterations, samplesPerIteration)
	}
	if n := s.evaluator.InstanceCount(); samplesPerIteration > n {
		return stats.snapshot(), fmt.Errorf("%w: %d samples, %d instances", ErrTooManySamples, samplesPerIteration, n)
	}

	ctx, span := startSpan(ctx, spanRun,
		s.modeAttr(),
		attribute.Int("version", s.config.Version),
		attribute.Int("iterations", nIterations),
		attribute.Int("samples_per_iteration", samplesPerIteration),
		attribute.Bool("skip_failures", skipFailures),
	)
	defer span.End()

	s.logger.Info("search started",
		slog.Bool("chunked", s.chunked),
		slog.Int("version", s.config.Version),
		slog.Int("iterations", nIterations),
		slog.Int("samples_per_iteration", samplesPerIteration),
	)

	for i := 0; i < nIterations; i++ {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return stats.snapshot(), err
		}
		if err := s.iterate(ctx, i, samplesPerIteration, skipFailures, stats); err != nil {
			stats.failedIterations.Add(1)
			telemetry.LoggerWithTrace(ctx, s.logger).Warn("iteration failed",
				slog.Int("iteration", i),
				slog.String("error", err.Error()),
			)
		}
		stats.iterations.Add(1)
		s.metrics.IterationsTotal.Add(ctx, 1, metric.WithAttributes(s.modeAttr()))
		if s.progress != nil {
			s.progress(stats.snapshot())
		}
	}

	out := stats.snapshot()
	s.logger.Info("search finished",
		slog.Int("iterations", out.Iterations),
		slog.Int("persisted", out.Persisted),
		slog.Int("failed", out.Failed),
	)
	return out, nil
}

// iterate runs one SAMPLE_PARENT, GENERATE, EVALUATE, PERSIST cycle.
func (s *Search) iterate(ctx context.Context, iteration, k int, skip bool, stats *tally) (err error) {
	ctx, span := startSpan(ctx, spanIteration, attribute.Int("iteration", iteration))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	parent, err := s.store.SampleParent(ctx, s.config.Version)
	if err != nil {
		return fmt.Errorf("sample parent: %w", err)
	}
	conv, start, parentID := s.startingPoint(parent)

	cands, err := s.generate(ctx, iteration, conv, parentID, k, stats)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if len(cands) == 0 {
		return nil
	}

	if s.chunked {
		return s.evaluateChunked(ctx, iteration, cands, start, skip, stats)
	}
	return s.evaluateBatch(ctx, cands, start, skip, stats)
}

// startingPoint returns the conversation, start state and parent id for a
// sampled parent, or the seeded ones when parent is nil.
func (s *Search) startingPoint(parent *program.Program) (*program.Conversation, *program.Snapshot, string) {
	if parent == nil {
		return SeedConversation(s.config.SystemPrompt, s.config.InitialState), s.config.InitialState.Clone(), ""
	}
	conv := program.NewConversation()
	if parent.Conversation != nil {
		conv = parent.Conversation.Clone()
	}
	return conv, parent.State.Clone(), parent.ID
}

// SeedConversation builds the conversation of a root program: the system
// prompt and one user message with the starting inventory and the
// planning prompt.
func SeedConversation(systemPrompt string, state *program.Snapshot) *program.Conversation {
	var inv map[string]int
	if state != nil {
		inv = state.Inventory
	}
	return program.NewConversation(
		program.SystemMessage(systemPrompt),
		program.UserMessage("Inventory: "+program.FormatInventory(inv)+"\n\n"+PlanningPrompt),
	)
}

// candidate is one extracted completion on its way to evaluation.
type candidate struct {
	program *program.Program
	chunks  []chunk.Chunk
}

// generate requests k+1 completions and keeps the first k that yield code.
// In chunked mode those k are then split and the ones without chunks dropped.
func (s *Search) generate(ctx context.Context, iteration int, conv *program.Conversation, parentID string, k int, stats *tally) (_ []*candidate, err error) {
	ctx, span := startSpan(ctx, spanGenerate, attribute.Int("n", k+1))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	sc := s.config.Sampler
	resp, err := s.sampler.Generate(ctx, &sampler.Request{
		Messages:         s.formatter.Format(conv),
		N:                k + 1,
		Temperature:      sc.Temperature,
		MaxTokens:        sc.MaxTokens,
		PresencePenalty:  sc.PresencePenalty,
		FrequencyPenalty: sc.FrequencyPenalty,
		LogitBias:        sc.LogitBias,
		Stop:             sc.Stop,
		Model:            sc.Model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, sampler.ErrNoChoices
	}

	stats.promptTokens.Add(int64(resp.Usage.PromptTokens))
	stats.completionTokens.Add(int64(resp.Usage.CompletionTokens))
	s.metrics.RecordTokens(ctx, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	// Usage is reported per request; each choice carries an equal share.
	n := len(resp.Choices)
	share := sampler.Usage{
		PromptTokens:     resp.Usage.PromptTokens / n,
		CompletionTokens: resp.Usage.CompletionTokens / n,
		TotalTokens:      resp.Usage.TotalTokens / n,
	}

	var out []*candidate
	for _, choice := range resp.Choices {
		if len(out) == k {
			break
		}
		res, err := s.extractor.Extract(ctx, choice.Content)
		if err != nil {
			stats.extractionLosses.Add(1)
			s.metrics.ExtractionLossesTotal.Add(ctx, 1)
			s.logger.Debug("completion without code",
				slog.Int("iteration", iteration),
				slog.Int("choice", choice.Index),
			)
			continue
		}
		c := &candidate{program: &program.Program{
			Code:                 res.Code,
			Conversation:         conv.Clone(),
			ParentID:             parentID,
			Version:              s.config.Version,
			VersionDescription:   s.config.VersionDescription,
			TokenUsage:           share.TotalTokens,
			PromptTokenUsage:     share.PromptTokens,
			CompletionTokenUsage: share.CompletionTokens,
			Meta: map[string]any{
				"run_id":     s.runID,
				"iteration":  iteration,
				"model":      firstNonEmpty(resp.Model, sc.Model),
				"extraction": string(res.Strategy),
			},
		}}
		out = append(out, c)
	}

	stats.candidates.Add(int64(len(out)))
	s.metrics.CandidatesTotal.Add(ctx, int64(len(out)))
	span.SetAttributes(attribute.Int("candidates", len(out)))

	// Zero-chunk candidates are dropped after selection, so the extra
	// completion only ever stands in for an extraction loss.
	if s.chunked {
		kept := out[:0]
		for _, c := range out {
			if s.split(ctx, c, iteration, stats) {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	return out, nil
}

// split attaches chunks to c. It reports false when c is discarded.
func (s *Search) split(ctx context.Context, c *candidate, iteration int, stats *tally) bool {
	chunks, err := s.splitter.Split(ctx, c.program.Code)
	if err != nil {
		s.logger.Warn("chunk split failed",
			slog.Int("iteration", iteration),
			slog.String("error", err.Error()),
		)
		chunks = nil
	}
	if len(chunks) == 0 && s.config.Search.SingleChunkFallback {
		chunks = []chunk.Chunk{{Code: c.program.Code, EndLine: len(pysrc.SplitLines(c.program.Code))}}
	}
	if len(chunks) == 0 {
		stats.discarded.Add(1)
		s.metrics.DiscardedTotal.Add(ctx, 1)
		return false
	}
	c.chunks = chunks
	return true
}

// evaluateBatch scores all candidates side by side and persists those that
// produced a state.
func (s *Search) evaluateBatch(ctx context.Context, cands []*candidate, start *program.Snapshot, skip bool, stats *tally) (err error) {
	ctx, span := startSpan(ctx, spanEvaluate, attribute.Int("candidates", len(cands)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	programs := make([]*program.Program, len(cands))
	for i, c := range cands {
		programs[i] = c.program
	}
	began := time.Now()
	evaluated, err := s.evaluator.EvaluateBatch(ctx, programs, start)
	s.metrics.EvaluationDuration.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(s.modeAttr()))
	if err != nil {
		return fmt.Errorf("evaluate batch: %w", err)
	}

	var errs []error
	for _, p := range evaluated {
		if p.State == nil {
			s.countFailure(ctx, stats, "evaluate")
			continue
		}
		if p.HoldoutValue != nil {
			s.metrics.HoldoutValue.Record(ctx, *p.HoldoutValue)
		}
		if skip && program.HasErrorMarker(p.Response) {
			continue
		}
		if _, err := s.persist(ctx, p, stats); err != nil {
			s.countFailure(ctx, stats, "persist")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// persist stamps, stores and records p, returning the stored program.
func (s *Search) persist(ctx context.Context, p *program.Program, stats *tally) (*program.Program, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.AssignID()
	created, err := s.store.CreateProgram(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("persist program %s: %w", p.ID, err)
	}
	stats.persisted.Add(1)
	s.metrics.PersistedTotal.Add(ctx, 1, metric.WithAttributes(s.modeAttr()))
	if err := s.recorder.Record(ctx, created); err != nil {
		s.logger.Warn("reward record failed",
			slog.String("program_id", created.ID),
			slog.String("error", err.Error()),
		)
	}
	return created, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
