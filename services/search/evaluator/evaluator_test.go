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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// rewardByCode scores code "reward(x)" as x and "fail" as an error.
func rewardByCode(code string) Step {
	switch {
	case code == "fail":
		return Step{Err: errors.New("instance crashed")}
	case strings.HasPrefix(code, "bad"):
		return Step{Response: "Error: bad call", Reward: 1}
	case code == "two":
		return Step{Response: "ok", Reward: 2}
	case code == "one":
		return Step{Response: "ok", Reward: 1}
	default:
		return Step{Response: "ok"}
	}
}

func holdoutOf(v float64) *MemoryInstance {
	return NewMemoryInstance(func(string) Step { return Step{Reward: v} })
}

func newTestEvaluator(t *testing.T, n int, holdout Instance, cfg Config) (*Evaluator, []*MemoryInstance) {
	t.Helper()
	mems := make([]*MemoryInstance, n)
	insts := make([]Instance, n)
	for i := range mems {
		mems[i] = NewMemoryInstance(rewardByCode)
		insts[i] = mems[i]
	}
	e, err := New(insts, holdout, cfg, WithSleep(noSleep))
	require.NoError(t, err)
	return e, mems
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, NewMemoryInstance(nil), Config{})
	assert.Error(t, err)
	_, err = New([]Instance{NewMemoryInstance(nil)}, nil, Config{})
	assert.Error(t, err)
}

func TestEvaluateSingle(t *testing.T) {
	e, mems := newTestEvaluator(t, 1, NewMemoryInstance(nil), Config{ErrorPenalty: 0.5})
	ctx := context.Background()

	out, err := e.EvaluateSingle(ctx, 0, "two")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out.Reward, 1e-9)
	assert.Equal(t, "ok", out.Response)
	assert.Equal(t, int64(1), out.State.Tick)
	assert.JSONEq(t, `[{"tick":1}]`, string(out.Entities))

	out, err = e.EvaluateSingle(ctx, 0, "bad call")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Reward, 1e-9)
	assert.Equal(t, int64(2), out.State.Tick)

	assert.Equal(t, []string{"two", "bad call"}, mems[0].Evals())
}

func TestEvaluateSingle_Errors(t *testing.T) {
	e, _ := newTestEvaluator(t, 1, NewMemoryInstance(nil), Config{})
	ctx := context.Background()

	_, err := e.EvaluateSingle(ctx, 3, "x")
	assert.ErrorIs(t, err, ErrInstanceOutOfRange)
	_, err = e.EvaluateSingle(ctx, -1, "x")
	assert.ErrorIs(t, err, ErrInstanceOutOfRange)

	_, err = e.EvaluateSingle(ctx, 0, "fail")
	assert.ErrorContains(t, err, "instance crashed")
}

func TestEvaluateSingle_RespectsEvalTimeout(t *testing.T) {
	slow := &slowInstance{MemoryInstance: NewMemoryInstance(nil)}
	e, err := New([]Instance{slow}, NewMemoryInstance(nil), Config{EvalTimeout: 10 * time.Millisecond}, WithSleep(noSleep))
	require.NoError(t, err)

	_, err = e.EvaluateSingle(context.Background(), 0, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type slowInstance struct {
	*MemoryInstance
}

func (s *slowInstance) Eval(ctx context.Context, code string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestEvaluateBatch_SharedHoldout(t *testing.T) {
	e, mems := newTestEvaluator(t, 3, holdoutOf(0.25), Config{HoldoutCode: "idle()"})
	start := &program.Snapshot{Tick: 100, Inventory: map[string]int{"coal": 5}}

	progs := []*program.Program{
		{Code: "two", Conversation: program.NewConversation(program.SystemMessage("s"))},
		{Code: "fail", Conversation: program.NewConversation(program.SystemMessage("s"))},
		{Code: "one"},
	}
	out, err := e.EvaluateBatch(context.Background(), progs, start)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NotNil(t, out[0].Value)
	assert.InDelta(t, 1.75, *out[0].Value, 1e-9)
	assert.InDelta(t, 2.0, *out[0].RawReward, 1e-9)
	assert.InDelta(t, 0.25, *out[0].HoldoutValue, 1e-9)
	assert.Equal(t, int64(101), out[0].State.Tick)
	assert.Equal(t, 3, out[0].Conversation.Len())

	assert.Nil(t, out[1].State)
	assert.Nil(t, out[1].Value)
	assert.Equal(t, 1, out[1].Conversation.Len())

	assert.InDelta(t, 0.75, *out[2].Value, 1e-9)
	assert.Equal(t, 2, out[2].Conversation.Len())

	for _, m := range mems {
		resets := m.Resets()
		require.Len(t, resets, 1)
		assert.Equal(t, int64(100), resets[0].Tick)
	}
}

func TestEvaluateBatch_TooManyPrograms(t *testing.T) {
	e, _ := newTestEvaluator(t, 1, NewMemoryInstance(nil), Config{})
	_, err := e.EvaluateBatch(context.Background(), []*program.Program{{Code: "a"}, {Code: "b"}}, nil)
	assert.ErrorIs(t, err, ErrTooManyPrograms)
}

func TestEvaluateBatch_HoldoutFailureFailsBatch(t *testing.T) {
	broken := NewMemoryInstance(func(string) Step { return Step{Err: errors.New("holdout down")} })
	e, _ := newTestEvaluator(t, 1, broken, Config{HoldoutCode: "idle()"})
	_, err := e.EvaluateBatch(context.Background(), []*program.Program{{Code: "one"}}, nil)
	assert.ErrorContains(t, err, "holdout down")
}

func TestHoldoutTask_WaitIsIdempotent(t *testing.T) {
	e, _ := newTestEvaluator(t, 1, holdoutOf(0.6), Config{HoldoutCode: "idle()"})
	task := e.StartHoldout(context.Background())

	v1, err := task.Wait()
	require.NoError(t, err)
	v2, err := task.Wait()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v1, 1e-9)
	assert.Equal(t, v1, v2)
	task.Cancel()
}

func TestHoldoutTask_Cancel(t *testing.T) {
	block := make(chan struct{})
	e, err := New([]Instance{NewMemoryInstance(nil)}, NewMemoryInstance(nil), Config{ValueAccrualTime: time.Hour},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			close(block)
			<-ctx.Done()
			return ctx.Err()
		}))
	require.NoError(t, err)

	task := e.StartHoldout(context.Background())
	<-block
	task.Cancel()

	_, err = task.Wait()
	assert.ErrorIs(t, err, ErrHoldoutCancelled)
}

func TestReset(t *testing.T) {
	e, mems := newTestEvaluator(t, 2, NewMemoryInstance(nil), Config{})
	state := &program.Snapshot{Tick: 7}

	require.NoError(t, e.Reset(context.Background(), 1, state))
	assert.ErrorIs(t, e.Reset(context.Background(), 2, state), ErrInstanceOutOfRange)
	assert.Empty(t, mems[0].Resets())
	assert.Equal(t, int64(7), mems[1].Resets()[0].Tick)
	assert.Equal(t, 2, e.InstanceCount())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

// =============================================================================
// HTTPInstance
// =============================================================================

func TestHTTPInstance_RoundTrip(t *testing.T) {
	var score atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		score.Store(req.State.Tick)
	})
	mux.HandleFunc("POST /eval", func(w http.ResponseWriter, r *http.Request) {
		var req evalRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		score.Add(int64(len(req.Code)))
		_ = json.NewEncoder(w).Encode(evalResponse{Response: "ran " + req.Code})
	})
	mux.HandleFunc("GET /score", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(scoreResponse{Score: float64(score.Load())})
	})
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(program.Snapshot{Tick: score.Load(), Inventory: map[string]int{"coal": 1}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	inst := NewHTTPInstance(srv.URL).WithTimeout(5 * time.Second)
	ctx := context.Background()

	require.NoError(t, inst.Reset(ctx, &program.Snapshot{Tick: 10}))
	resp, err := inst.Eval(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "ran abc", resp)

	got, err := inst.Score(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 13.0, got, 1e-9)

	snap, err := inst.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13), snap.Tick)
	assert.Equal(t, 1, snap.Inventory["coal"])
}

func TestHTTPInstance_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "lua crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPInstance(srv.URL).Eval(context.Background(), "x")
	assert.ErrorContains(t, err, "status 500")
	assert.ErrorContains(t, err, "lua crashed")
}
