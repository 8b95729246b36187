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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/evaluator"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/format"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
)

// =============================================================================
// Fixtures
// =============================================================================

const (
	holdoutCode = "sleep(10)"
	badCode     = "def broken(:"
	chainCode   = "\"\"\"Mine coal\"\"\"\na = 1\n\"\"\"Build furnace\"\"\"\nb = 2\n\"\"\"Smelt plates\"\"\"\nc = 3\n"
)

func testConfig() RunConfig {
	cfg := DefaultRunConfig()
	cfg.Version = 7
	cfg.VersionDescription = "test run"
	cfg.SystemPrompt = "You are a factory agent."
	cfg.InitialState = &program.Snapshot{Inventory: map[string]int{"coal": 5, "iron-plate": 10}}
	cfg.Evaluator.Backend = "memory"
	cfg.Storage.Backend = "memory"
	return cfg
}

// rewards maps a code substring to its step. Unmatched code answers "ok".
type rewards map[string]evaluator.Step

func (r rewards) script(code string) evaluator.Step {
	for key, step := range r {
		if strings.Contains(code, key) {
			return step
		}
	}
	return evaluator.Step{Response: "ok"}
}

type harness struct {
	sampler   *sampler.MockSampler
	evaluator *evaluator.Evaluator
	instances []*evaluator.MemoryInstance
	holdout   *evaluator.MemoryInstance
	store     *storage.MemoryStore
}

func newHarness(t *testing.T, instances int, script rewards, holdoutReward float64) *harness {
	t.Helper()
	h := &harness{
		sampler: sampler.NewMockSampler(),
		holdout: evaluator.NewMemoryInstance(func(string) evaluator.Step {
			return evaluator.Step{Response: "ok", Reward: holdoutReward}
		}),
		store: storage.NewMemoryStore(storage.NewParentSampler(storage.DefaultSamplingConfig(), 1)),
	}
	pool := make([]evaluator.Instance, instances)
	for i := range pool {
		inst := evaluator.NewMemoryInstance(script.script)
		h.instances = append(h.instances, inst)
		pool[i] = inst
	}
	cfg := evaluator.DefaultConfig()
	cfg.HoldoutCode = holdoutCode
	ev, err := evaluator.New(pool, h.holdout, cfg,
		evaluator.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	require.NoError(t, err)
	h.evaluator = ev
	return h
}

func (h *harness) search(t *testing.T, cfg RunConfig, chunked bool, opts ...Option) *Search {
	t.Helper()
	var clockMu sync.Mutex
	tick := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	opts = append([]Option{WithClock(clock), WithRunID("run-1")}, opts...)
	var (
		s   *Search
		err error
	)
	if chunked {
		s, err = NewChunkedSearch(cfg, h.sampler, h.evaluator, h.store, opts...)
	} else {
		s, err = NewSearch(cfg, h.sampler, h.evaluator, h.store, opts...)
	}
	require.NoError(t, err)
	return s
}

func (h *harness) programs(t *testing.T, version int) []*program.Program {
	t.Helper()
	ps, err := h.store.GetPrograms(context.Background(), version, 0)
	require.NoError(t, err)
	return ps
}

func usage(prompt, completion int) sampler.Usage {
	return sampler.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// =============================================================================
// Arguments
// =============================================================================

func TestNewSearch_RequiresDependencies(t *testing.T) {
	_, err := NewSearch(testConfig(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSearch_ValidatesArguments(t *testing.T) {
	h := newHarness(t, 4, nil, 0)
	s := h.search(t, testConfig(), false)
	ctx := context.Background()

	_, err := s.Search(ctx, -1, 1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Search(ctx, 1, 0, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Search(ctx, 1, 5, false)
	assert.ErrorIs(t, err, ErrTooManySamples)

	assert.Zero(t, h.sampler.CallCount())
}

func TestSearch_ZeroIterations(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	stats, err := h.search(t, testConfig(), false).Search(context.Background(), 0, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Iterations)
	assert.Zero(t, h.sampler.CallCount())
}

func TestSearch_CancelledContext(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := h.search(t, testConfig(), false).Search(ctx, 3, 1, false)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, stats)
	assert.Equal(t, 0, stats.Iterations)
}

// =============================================================================
// Batch search
// =============================================================================

func TestSearch_SeedsConversationWithoutParent(t *testing.T) {
	h := newHarness(t, 2, nil, 0)
	cfg := testConfig()
	h.sampler.QueueCompletions(usage(10, 10), "x = 1", "y = 2", "z = 3")

	_, err := h.search(t, cfg, false).Search(context.Background(), 1, 2, false)
	require.NoError(t, err)

	calls := h.sampler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 3, calls[0].N)
	assert.Equal(t, cfg.Sampler.Temperature, calls[0].Temperature)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, sampler.Message{Role: program.RoleSystem, Content: "You are a factory agent."}, calls[0].Messages[0])
	assert.Equal(t, sampler.Message{
		Role:    program.RoleUser,
		Content: "Inventory: {\"coal\": 5, \"iron-plate\": 10}\n\n" + PlanningPrompt,
	}, calls[0].Messages[1])

	seed := SeedConversation(cfg.SystemPrompt, cfg.InitialState)
	assert.Equal(t, format.New(cfg.Sampler.FormatConfig()).Format(seed), calls[0].Messages)

	for _, p := range h.programs(t, 7) {
		assert.True(t, p.IsRoot())
		msgs := p.Conversation.Messages()
		require.Len(t, msgs, 4)
		assert.Equal(t, seed.Messages(), msgs[:2])
		assert.Equal(t, program.RoleAssistant, msgs[2].Role)
		assert.Equal(t, p.Code, msgs[2].Content)
	}
}

func TestSearch_KeepsFirstKParsedCompletions(t *testing.T) {
	tests := []struct {
		name        string
		completions []string
		wantCodes   []string
		wantLosses  int
	}{
		{
			name:        "extra absorbs one loss",
			completions: []string{"a = 1", badCode, "b = 2", "c = 3", "d = 4"},
			wantCodes:   []string{"a = 1", "b = 2", "c = 3", "d = 4"},
			wantLosses:  1,
		},
		{
			name:        "two losses leave three",
			completions: []string{badCode, "a = 1", badCode, "b = 2", "c = 3"},
			wantCodes:   []string{"a = 1", "b = 2", "c = 3"},
			wantLosses:  2,
		},
		{
			name:        "no losses drop the extra",
			completions: []string{"a = 1", "b = 2", "c = 3", "d = 4", "e = 5"},
			wantCodes:   []string{"a = 1", "b = 2", "c = 3", "d = 4"},
			wantLosses:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 4, nil, 0)
			h.sampler.QueueCompletions(usage(50, 50), tt.completions...)

			stats, err := h.search(t, testConfig(), false).Search(context.Background(), 1, 4, false)
			require.NoError(t, err)
			assert.Equal(t, 5, h.sampler.Calls()[0].N)
			assert.Equal(t, len(tt.wantCodes), stats.Candidates)
			assert.Equal(t, tt.wantLosses, stats.ExtractionLosses)
			assert.Equal(t, len(tt.wantCodes), stats.Persisted)

			var codes []string
			for _, p := range h.programs(t, 7) {
				codes = append(codes, p.Code)
			}
			assert.ElementsMatch(t, tt.wantCodes, codes)
		})
	}
}

func TestSearch_BatchValuesSubtractHoldout(t *testing.T) {
	h := newHarness(t, 2, rewards{
		"a = 1": {Response: "built drill", Reward: 3},
		"b = 2": {Response: "built belt", Reward: 1},
	}, 0.5)
	h.sampler.QueueCompletions(usage(40, 20), "a = 1", "b = 2", badCode)

	_, err := h.search(t, testConfig(), false).Search(context.Background(), 1, 2, false)
	require.NoError(t, err)

	byCode := map[string]*program.Program{}
	for _, p := range h.programs(t, 7) {
		byCode[p.Code] = p
	}
	require.Len(t, byCode, 2)

	a := byCode["a = 1"]
	assert.InDelta(t, 3.0, *a.RawReward, 1e-9)
	assert.InDelta(t, 0.5, *a.HoldoutValue, 1e-9)
	assert.InDelta(t, 2.5, *a.Value, 1e-9)
	assert.Equal(t, "built drill", a.Response)
	assert.Equal(t, int64(1), a.State.Tick)
	assert.Equal(t, 7, a.Version)
	assert.Equal(t, "test run", a.VersionDescription)
	assert.Equal(t, "run-1", a.Meta["run_id"])
	assert.Equal(t, 20, a.TokenUsage)
	assert.Equal(t, program.ComputeID(a.Code, a.Conversation.Messages()), a.ID)

	assert.InDelta(t, 0.5, *byCode["b = 2"].Value, 1e-9)
}

func TestSearch_SampledParentSeedsNextIteration(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	h.sampler.QueueCompletions(usage(1, 1), "a = 1", badCode)
	h.sampler.QueueCompletions(usage(1, 1), "b = 2", badCode)

	stats, err := h.search(t, testConfig(), false).Search(context.Background(), 2, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Persisted)

	ps := h.programs(t, 7)
	require.Len(t, ps, 2)
	root, child := ps[0], ps[1]
	assert.Equal(t, "a = 1", root.Code)
	assert.Equal(t, root.ID, child.ParentID)
	assert.Len(t, child.Conversation.Messages(), 6)

	second := h.sampler.Calls()[1].Messages
	assert.Equal(t, sampler.Message{Role: program.RoleAssistant, Content: "a = 1"}, second[2])
	assert.Equal(t, root.State.Tick, h.instances[0].Resets()[1].Tick)
}

func TestSearch_BatchSkipFailures(t *testing.T) {
	script := rewards{"b = 2": {Response: "Error: no entity at position", Reward: 0}}
	for _, skip := range []bool{false, true} {
		h := newHarness(t, 2, script, 0)
		h.sampler.QueueCompletions(usage(1, 1), "a = 1", "b = 2", badCode)

		stats, err := h.search(t, testConfig(), false).Search(context.Background(), 1, 2, skip)
		require.NoError(t, err)
		if skip {
			assert.Equal(t, 1, stats.Persisted)
			assert.Equal(t, "a = 1", h.programs(t, 7)[0].Code)
		} else {
			assert.Equal(t, 2, stats.Persisted)
		}
	}
}

func TestSearch_BatchDropsHardFailures(t *testing.T) {
	h := newHarness(t, 2, rewards{"b = 2": {Err: errors.New("instance crashed")}}, 0)
	h.sampler.QueueCompletions(usage(1, 1), "a = 1", "b = 2", badCode)

	stats, err := h.search(t, testConfig(), false).Search(context.Background(), 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Persisted)
	assert.Equal(t, 1, stats.Failed)
}

func TestSearch_IterationFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	h.sampler.QueueError(errors.New("upstream unavailable"))
	h.sampler.QueueCompletions(usage(1, 1), "a = 1", badCode)

	stats, err := h.search(t, testConfig(), false).Search(context.Background(), 2, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Iterations)
	assert.Equal(t, 1, stats.FailedIterations)
	assert.Equal(t, 1, stats.Persisted)
}

func TestSearch_IdenticalCandidatesShareID(t *testing.T) {
	h := newHarness(t, 2, nil, 0)
	h.sampler.QueueCompletions(usage(1, 1), "a = 1", "a = 1", badCode)

	stats, err := h.search(t, testConfig(), false).Search(context.Background(), 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Persisted)
	assert.Equal(t, 1, h.store.Len())
}

// =============================================================================
// Chunked search
// =============================================================================

func TestChunkedSearch_NormalizesPerChunk(t *testing.T) {
	h := newHarness(t, 1, rewards{
		"a = 1": {Response: "mined", Reward: 1.0},
		"b = 2": {Response: "built", Reward: 0.0},
		"c = 3": {Response: "smelted", Reward: 2.0},
	}, 0.6)
	h.sampler.QueueCompletions(usage(20, 10), chainCode, badCode)

	stats, err := h.search(t, testConfig(), true).Search(context.Background(), 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Persisted)

	chain := h.programs(t, 7)
	require.Len(t, chain, 3)
	wantValues := []float64{0.8, -0.2, 1.8}
	wantRaw := []float64{1.0, 0.0, 2.0}
	tokens := 0
	for i, p := range chain {
		assert.InDelta(t, wantValues[i], *p.Value, 1e-9, "chunk %d", i)
		assert.InDelta(t, wantRaw[i], *p.RawReward, 1e-9)
		assert.InDelta(t, 0.6, *p.HoldoutValue, 1e-9)
		assert.EqualValues(t, i, p.Meta["chunk_index"])
		assert.Equal(t, 4+2*i, p.MessageCount())
		tokens += p.TokenUsage
	}
	// Two choices share 30 tokens; the kept candidate owns 15.
	assert.Equal(t, 15, tokens)

	assert.Equal(t, "", chain[0].ParentID)
	assert.Equal(t, chain[0].ID, chain[1].ParentID)
	assert.Equal(t, chain[1].ID, chain[2].ParentID)
	assert.True(t, strings.HasPrefix(chain[0].Code, "\"\"\"Mine coal"))
	assert.Equal(t, "Smelt plates", chain[2].Meta["annotation"])

	// Each chunk starts from the previous chunk's state.
	assert.Equal(t, []int64{1, 2, 3}, []int64{chain[0].State.Tick, chain[1].State.Tick, chain[2].State.Tick})
}

func TestChunkedSearch_ChunkErrorKeepsPrefix(t *testing.T) {
	h := newHarness(t, 1, rewards{
		"a = 1": {Response: "mined", Reward: 1},
		"b = 2": {Err: errors.New("lua error")},
	}, 0)
	h.sampler.QueueCompletions(usage(1, 1), chainCode, badCode)

	stats, err := h.search(t, testConfig(), true).Search(context.Background(), 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Persisted)
	assert.Equal(t, 1, stats.Failed)

	chain := h.programs(t, 7)
	require.Len(t, chain, 1)
	assert.Contains(t, chain[0].Code, "a = 1")

	evals := h.instances[0].Evals()
	require.Len(t, evals, 2)
	assert.NotContains(t, evals[1], "c = 3")
}

func TestChunkedSearch_SkipFailuresStopsChain(t *testing.T) {
	script := rewards{"b = 2": {Response: "Error: cannot place entity"}}
	for _, tt := range []struct {
		skip bool
		want int
	}{{skip: true, want: 2}, {skip: false, want: 3}} {
		h := newHarness(t, 1, script, 0)
		h.sampler.QueueCompletions(usage(1, 1), chainCode, badCode)

		_, err := h.search(t, testConfig(), true).Search(context.Background(), 1, 1, tt.skip)
		require.NoError(t, err)
		assert.Len(t, h.programs(t, 7), tt.want, "skip=%v", tt.skip)
	}
}

func TestChunkedSearch_ZeroChunkPolicy(t *testing.T) {
	for _, fallback := range []bool{false, true} {
		h := newHarness(t, 1, nil, 0)
		cfg := testConfig()
		cfg.Search.SingleChunkFallback = fallback
		h.sampler.QueueCompletions(usage(1, 1), "a = 1", badCode)

		stats, err := h.search(t, cfg, true).Search(context.Background(), 1, 1, false)
		require.NoError(t, err)
		if fallback {
			assert.Equal(t, 0, stats.Discarded)
			require.Len(t, h.programs(t, 7), 1)
			assert.Equal(t, "a = 1", h.programs(t, 7)[0].Code)
		} else {
			assert.Equal(t, 1, stats.Discarded)
			assert.Empty(t, h.programs(t, 7))
			assert.Empty(t, h.instances[0].Evals())
		}
	}
}

func TestChunkedSearch_ZeroChunkCandidateKeepsItsSlot(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	h.sampler.QueueCompletions(usage(1, 1), "a = 1", chainCode)

	stats, err := h.search(t, testConfig(), true).Search(context.Background(), 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 1, stats.Discarded)
	assert.Zero(t, stats.Persisted)
	assert.Empty(t, h.programs(t, 7))
	assert.Empty(t, h.instances[0].Evals())
}

func TestChunkedSearch_CandidatesUseOwnInstances(t *testing.T) {
	h := newHarness(t, 2, nil, 0)
	other := strings.ReplaceAll(chainCode, "a = 1", "z = 9")
	h.sampler.QueueCompletions(usage(1, 1), chainCode, other, badCode)

	stats, err := h.search(t, testConfig(), true).Search(context.Background(), 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Persisted)

	first, second := h.instances[0].Evals(), h.instances[1].Evals()
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.Contains(t, first[0], "a = 1")
	assert.Contains(t, second[0], "z = 9")
}

func TestChunkError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&ChunkError{Index: 2, Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "chunk 2: boom", err.Error())

	var ce *ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Index)
}

func TestSearch_ReportsProgress(t *testing.T) {
	h := newHarness(t, 1, nil, 0)
	var seen []int
	s := h.search(t, testConfig(), false, WithProgress(func(st *SearchStats) {
		seen = append(seen, st.Iterations)
	}))
	_, err := s.Search(context.Background(), 3, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, "run-1", s.RunID())
	assert.False(t, s.Chunked())
}
