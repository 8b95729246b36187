// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"context"
	"errors"
	"fmt"
)

// HoldoutTask is a running baseline measurement.
//
// Wait and Cancel may be called any number of times from any goroutine;
// both return only after the measurement goroutine has exited. Callers
// should defer Cancel right after StartHoldout so an early return never
// leaks the goroutine.
type HoldoutTask struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  float64
	err    error
}

// StartHoldout begins one holdout window in the background.
//
// Description:
//
//	Reads the holdout score, runs HoldoutCode if configured, waits
//	ValueAccrualTime, and reads the score again. Windows that run code
//	are serialized so each measures only its own execution.
func (e *Evaluator) StartHoldout(ctx context.Context) *HoldoutTask {
	runCtx, cancel := context.WithCancel(ctx)
	t := &HoldoutTask{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(t.done)
		t.value, t.err = e.runHoldout(runCtx)
		if t.err != nil && errors.Is(t.err, context.Canceled) && ctx.Err() == nil {
			t.err = ErrHoldoutCancelled
		}
	}()
	return t
}

// Wait blocks until the measurement finishes and returns its value.
func (t *HoldoutTask) Wait() (float64, error) {
	<-t.done
	return t.value, t.err
}

// Cancel stops the measurement and waits for it to exit.
func (t *HoldoutTask) Cancel() {
	t.cancel()
	<-t.done
}

func (e *Evaluator) runHoldout(ctx context.Context) (float64, error) {
	if e.config.HoldoutCode != "" {
		e.holdoutMu.Lock()
		defer e.holdoutMu.Unlock()
	}
	before, err := e.holdout.Score(ctx)
	if err != nil {
		return 0, fmt.Errorf("holdout score: %w", err)
	}
	if e.config.HoldoutCode != "" {
		evalCtx, cancel := e.evalContext(ctx)
		_, err := e.holdout.Eval(evalCtx, e.config.HoldoutCode)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("holdout eval: %w", err)
		}
	}
	if err := e.sleep(ctx, e.config.ValueAccrualTime); err != nil {
		return 0, err
	}
	after, err := e.holdout.Score(ctx)
	if err != nil {
		return 0, fmt.Errorf("holdout score: %w", err)
	}
	return after - before, nil
}
