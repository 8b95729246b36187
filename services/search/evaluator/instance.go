// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// Instance is one resettable copy of the game environment.
//
// An Instance runs one program at a time. Score must be safe to call
// concurrently with Eval.
type Instance interface {
	// Reset restores the environment to state. Nil means the initial state.
	Reset(ctx context.Context, state *program.Snapshot) error

	// Eval executes code and returns the environment's textual response.
	// Errors raised by the code itself are reported in the response; a
	// non-nil error means the instance could not run the code at all.
	Eval(ctx context.Context, code string) (string, error)

	// Score returns the current production score.
	Score(ctx context.Context) (float64, error)

	// Snapshot captures entities, inventory and script locals.
	Snapshot(ctx context.Context) (*program.Snapshot, error)
}

// =============================================================================
// MemoryInstance
// =============================================================================

// Step is the scripted outcome of one Eval on a MemoryInstance.
type Step struct {
	Response string
	Reward   float64
	Err      error
}

// MemoryInstance simulates an environment in memory for tests and dry
// runs. Each Eval applies the script's reward to the score and advances
// the snapshot tick.
type MemoryInstance struct {
	mu     sync.Mutex
	script func(code string) Step
	score  float64
	state  *program.Snapshot
	evals  []string
	resets []*program.Snapshot
}

// NewMemoryInstance creates an instance driven by script. A nil script
// answers every Eval with "ok" and zero reward.
func NewMemoryInstance(script func(code string) Step) *MemoryInstance {
	if script == nil {
		script = func(string) Step { return Step{Response: "ok"} }
	}
	return &MemoryInstance{script: script, state: &program.Snapshot{}}
}

// Reset implements Instance.
func (m *MemoryInstance) Reset(ctx context.Context, state *program.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, state.Clone())
	m.score = 0
	m.state = state.Clone()
	if m.state == nil {
		m.state = &program.Snapshot{}
	}
	return nil
}

// Eval implements Instance.
func (m *MemoryInstance) Eval(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.evals = append(m.evals, code)
	m.mu.Unlock()

	step := m.script(code)
	if step.Err != nil {
		return "", step.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.score += step.Reward
	m.state.Tick++
	ns, _ := json.Marshal(map[string]int{"steps": len(m.evals)})
	m.state.Namespace = ns
	m.state.Entities = json.RawMessage(fmt.Sprintf(`[{"tick":%d}]`, m.state.Tick))
	return step.Response, nil
}

// Score implements Instance.
func (m *MemoryInstance) Score(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score, nil
}

// Snapshot implements Instance.
func (m *MemoryInstance) Snapshot(ctx context.Context) (*program.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

// Evals returns the code passed to Eval, in order.
func (m *MemoryInstance) Evals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.evals...)
}

// Resets returns the states passed to Reset, in order.
func (m *MemoryInstance) Resets() []*program.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*program.Snapshot(nil), m.resets...)
}
