// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package evaluator runs candidate programs against a pool of environment
// instances and scores them relative to a holdout baseline.
//
// # Description
//
// Rewards are production score deltas. For one execution the evaluator
// reads the score, runs the code, waits ValueAccrualTime so the built
// factory can produce, and reads the score again. The holdout instance
// measures the same window without the candidate's code, so
// value = raw_reward - holdout_value removes the drift every candidate
// gets for free.
//
// # Thread Safety
//
// Evaluator is safe for concurrent use as long as each instance index is
// used by at most one caller at a time.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

var (
	// ErrInstanceOutOfRange is returned for an unknown instance index.
	ErrInstanceOutOfRange = errors.New("instance index out of range")

	// ErrTooManyPrograms is returned when a batch exceeds the pool size.
	ErrTooManyPrograms = errors.New("batch larger than instance pool")

	// ErrHoldoutCancelled is returned by a cancelled HoldoutTask.
	ErrHoldoutCancelled = errors.New("holdout cancelled")
)

// Config tunes scoring.
type Config struct {
	// ValueAccrualTime is the wait between running code and reading the
	// score.
	ValueAccrualTime time.Duration

	// ErrorPenalty is subtracted from the reward of error-flagged runs.
	ErrorPenalty float64

	// EvalTimeout bounds one Eval call. Zero means no limit.
	EvalTimeout time.Duration

	// HoldoutCode is run on the holdout instance at the start of each
	// holdout window. Empty measures pure drift.
	HoldoutCode string
}

// DefaultConfig returns a 10s accrual window, penalty 0, 60s eval timeout.
func DefaultConfig() Config {
	return Config{
		ValueAccrualTime: 10 * time.Second,
		EvalTimeout:      60 * time.Second,
	}
}

// Outcome is the result of one execution.
type Outcome struct {
	Reward   float64
	State    *program.Snapshot
	Response string

	// Entities are the side-effect entities present after execution.
	Entities []byte
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleep replaces the accrual wait. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Evaluator) {
		e.sleep = sleep
	}
}

// Evaluator scores programs on a fixed instance pool.
type Evaluator struct {
	instances []Instance
	holdout   Instance
	config    Config
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	holdoutMu sync.Mutex
}

// New creates an Evaluator.
//
// Inputs:
//
//	instances - The candidate pool. Must be non-empty.
//	holdout - The baseline instance. Must not be one of instances.
//	config - Scoring configuration.
//
// Outputs:
//
//	*Evaluator - Ready evaluator.
//	error - Non-nil for an empty pool or missing holdout.
func New(instances []Instance, holdout Instance, config Config, opts ...Option) (*Evaluator, error) {
	if len(instances) == 0 {
		return nil, errors.New("evaluator: at least one instance is required")
	}
	if holdout == nil {
		return nil, errors.New("evaluator: holdout instance is required")
	}
	e := &Evaluator{
		instances: append([]Instance(nil), instances...),
		holdout:   holdout,
		config:    config,
		logger:    slog.Default(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// InstanceCount returns the pool size.
func (e *Evaluator) InstanceCount() int {
	return len(e.instances)
}

// Reset restores instance id to state.
func (e *Evaluator) Reset(ctx context.Context, id int, state *program.Snapshot) error {
	inst, err := e.instance(id)
	if err != nil {
		return err
	}
	if err := inst.Reset(ctx, state); err != nil {
		return fmt.Errorf("reset instance %d: %w", id, err)
	}
	return nil
}

// ResetHoldout restores the holdout instance to state.
func (e *Evaluator) ResetHoldout(ctx context.Context, state *program.Snapshot) error {
	if err := e.holdout.Reset(ctx, state); err != nil {
		return fmt.Errorf("reset holdout: %w", err)
	}
	return nil
}

// EvaluateSingle runs code on instance id from its current state.
//
// Description:
//
//	Reward is the score delta across execution and the accrual window,
//	minus ErrorPenalty when the response carries an error marker. The
//	instance is left in the resulting state.
//
// Outputs:
//
//	Outcome - Reward, resulting snapshot, response and entities.
//	error - Non-nil if the instance could not run the code or report
//	        its state.
func (e *Evaluator) EvaluateSingle(ctx context.Context, id int, code string) (Outcome, error) {
	inst, err := e.instance(id)
	if err != nil {
		return Outcome{}, err
	}
	before, err := inst.Score(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("instance %d score: %w", id, err)
	}

	evalCtx, cancel := e.evalContext(ctx)
	response, err := inst.Eval(evalCtx, code)
	cancel()
	if err != nil {
		return Outcome{}, fmt.Errorf("instance %d eval: %w", id, err)
	}

	if err := e.sleep(ctx, e.config.ValueAccrualTime); err != nil {
		return Outcome{}, err
	}
	after, err := inst.Score(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("instance %d score: %w", id, err)
	}
	state, err := inst.Snapshot(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("instance %d snapshot: %w", id, err)
	}

	reward := after - before
	if program.HasErrorMarker(response) {
		reward -= e.config.ErrorPenalty
	}
	out := Outcome{Reward: reward, State: state, Response: response}
	if state != nil {
		out.Entities = state.Entities
	}
	return out, nil
}

// EvaluateBatch scores programs side by side from the same start state.
//
// Description:
//
//	Resets the holdout and instances 0..len(programs)-1 to start, then
//	runs every program and one holdout window concurrently. Each
//	evaluated program gets RawReward, HoldoutValue, Value, State and
//	Response, and its conversation is extended with the result. A
//	program whose execution fails keeps a nil State and is otherwise
//	untouched.
//
// Outputs:
//
//	[]*program.Program - The same programs, updated in place.
//	error - Non-nil if resetting or the holdout failed. Individual
//	        program failures are logged, not returned.
func (e *Evaluator) EvaluateBatch(ctx context.Context, programs []*program.Program, start *program.Snapshot) ([]*program.Program, error) {
	if len(programs) > len(e.instances) {
		return nil, fmt.Errorf("%w: %d programs, %d instances", ErrTooManyPrograms, len(programs), len(e.instances))
	}

	var resets errgroup.Group
	resets.Go(func() error { return e.ResetHoldout(ctx, start) })
	for i := range programs {
		resets.Go(func() error { return e.Reset(ctx, i, start) })
	}
	if err := resets.Wait(); err != nil {
		return nil, err
	}

	holdout := e.StartHoldout(ctx)
	defer holdout.Cancel()

	outcomes := make([]*Outcome, len(programs))
	var runs sync.WaitGroup
	for i, p := range programs {
		runs.Add(1)
		go func() {
			defer runs.Done()
			out, err := e.EvaluateSingle(ctx, i, p.Code)
			if err != nil {
				e.logger.Warn("program evaluation failed",
					slog.Int("instance", i),
					slog.String("error", err.Error()),
				)
				return
			}
			outcomes[i] = &out
		}()
	}
	runs.Wait()

	holdoutValue, err := holdout.Wait()
	if err != nil {
		return nil, fmt.Errorf("holdout: %w", err)
	}

	for i, p := range programs {
		out := outcomes[i]
		if out == nil {
			continue
		}
		p.RawReward = program.Float(out.Reward)
		p.HoldoutValue = program.Float(holdoutValue)
		p.Value = program.Float(out.Reward - holdoutValue)
		p.State = out.State
		p.Response = out.Response
		if p.Conversation == nil {
			p.Conversation = program.NewConversation()
		}
		p.Conversation.AddResult(p.Code, out.Response, out.State)
	}
	return programs, nil
}

func (e *Evaluator) instance(id int) (Instance, error) {
	if id < 0 || id >= len(e.instances) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInstanceOutOfRange, id, len(e.instances))
	}
	return e.instances[id], nil
}

func (e *Evaluator) evalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.EvalTimeout > 0 {
		return context.WithTimeout(ctx, e.config.EvalTimeout)
	}
	return context.WithCancel(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
