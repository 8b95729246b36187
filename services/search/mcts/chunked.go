// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/chunk"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/evaluator"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/telemetry"
)

// evaluateChunked runs every candidate's chunk chain concurrently, one
// instance per candidate. A failing candidate never affects the others.
func (s *Search) evaluateChunked(ctx context.Context, iteration int, cands []*candidate, start *program.Snapshot, skip bool, stats *tally) (err error) {
	ctx, span := startSpan(ctx, spanEvaluate, attribute.Int("candidates", len(cands)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if err := s.evaluator.ResetHoldout(ctx, start); err != nil {
		return err
	}

	instances := s.evaluator.InstanceCount()
	var g errgroup.Group
	g.SetLimit(instances)
	for i, c := range cands {
		g.Go(func() error {
			instance := i % instances
			if err := s.runCandidate(ctx, instance, c, start, skip, stats); err != nil {
				stage := "evaluate"
				var chunkErr *ChunkError
				if errors.As(err, &chunkErr) {
					stage = "chunk"
				}
				s.countFailure(ctx, stats, stage)
				telemetry.LoggerWithTrace(ctx, s.logger).Warn("candidate failed",
					slog.Int("iteration", iteration),
					slog.Int("candidate", i),
					slog.Int("instance", instance),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// chunkRun is one evaluated chunk.
type chunkRun struct {
	chunk   chunk.Chunk
	outcome evaluator.Outcome
}

// runCandidate evaluates c's chunks in order on instance and persists the
// evaluated prefix as a chain.
//
// Description:
//
//	The instance is reset to start and a holdout window runs alongside the
//	chunks. It is joined once every chunk has finished or one has failed,
//	and a deferred Cancel guarantees the window never outlives the call.
//	A chunk failure ends evaluation at that chunk; the chunks before it
//	are still persisted and the failure is returned as a *ChunkError.
func (s *Search) runCandidate(ctx context.Context, instance int, c *candidate, start *program.Snapshot, skip bool, stats *tally) (err error) {
	ctx, span := startSpan(ctx, spanCandidate,
		attribute.Int("instance", instance),
		attribute.Int("chunks", len(c.chunks)),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if err := s.evaluator.Reset(ctx, instance, start); err != nil {
		return err
	}
	holdout := s.evaluator.StartHoldout(ctx)
	defer holdout.Cancel()

	began := time.Now()
	runs, chunkErr := s.runChunks(ctx, instance, c.chunks)
	s.metrics.EvaluationDuration.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(s.modeAttr()))

	holdoutValue, err := holdout.Wait()
	if err != nil {
		return errors.Join(fmt.Errorf("holdout: %w", err), chunkErr)
	}
	s.metrics.HoldoutValue.Record(ctx, holdoutValue)

	if err := s.persistChain(ctx, c, runs, holdoutValue, skip, stats); err != nil {
		return errors.Join(err, chunkErr)
	}
	return chunkErr
}

// runChunks executes chunks sequentially. Each chunk runs from the state
// the previous one left the instance in.
func (s *Search) runChunks(ctx context.Context, instance int, chunks []chunk.Chunk) ([]chunkRun, error) {
	runs := make([]chunkRun, 0, len(chunks))
	for _, ch := range chunks {
		chunkCtx, span := startSpan(ctx, spanChunk, attribute.Int("chunk", ch.Index))
		out, err := s.evaluator.EvaluateSingle(chunkCtx, instance, ch.Code)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			s.metrics.ChunkFailuresTotal.Add(ctx, 1)
			return runs, &ChunkError{Index: ch.Index, Err: err}
		}
		span.SetAttributes(attribute.Float64("reward", out.Reward))
		span.End()
		runs = append(runs, chunkRun{chunk: ch, outcome: out})
	}
	return runs, nil
}

// persistChain stores runs as a linear chain under c's parent.
//
// value = raw_reward - holdout/len(c.chunks) for every chunk, and the
// candidate's token counts are split evenly over its chunks. The shared
// conversation grows by one result per chunk; each program stores a copy
// taken right after its own result is appended.
func (s *Search) persistChain(ctx context.Context, c *candidate, runs []chunkRun, holdout float64, skip bool, stats *tally) error {
	base := c.program
	n := len(c.chunks)
	share := holdout / float64(n)
	conv := base.Conversation
	if conv == nil {
		conv = program.NewConversation()
	}

	parentID := base.ParentID
	for _, r := range runs {
		conv.AddResult(r.chunk.Code, r.outcome.Response, r.outcome.State)

		meta := make(map[string]any, len(base.Meta)+3)
		for k, v := range base.Meta {
			meta[k] = v
		}
		meta["chunk_index"] = r.chunk.Index
		meta["chunk_count"] = n
		if r.chunk.Annotation != "" {
			meta["annotation"] = r.chunk.Annotation
		}

		p := &program.Program{
			Code:                 r.chunk.Code,
			Conversation:         conv.Clone(),
			ParentID:             parentID,
			Value:                program.Float(r.outcome.Reward - share),
			RawReward:            program.Float(r.outcome.Reward),
			HoldoutValue:         program.Float(holdout),
			State:                r.outcome.State,
			Response:             r.outcome.Response,
			Version:              base.Version,
			VersionDescription:   base.VersionDescription,
			TokenUsage:           base.TokenUsage / n,
			PromptTokenUsage:     base.PromptTokenUsage / n,
			CompletionTokenUsage: base.CompletionTokenUsage / n,
			Meta:                 meta,
		}
		created, err := s.persist(ctx, p, stats)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", r.chunk.Index, err)
		}
		parentID = created.ID

		if skip && program.HasErrorMarker(r.outcome.Response) {
			break
		}
	}
	return nil
}
