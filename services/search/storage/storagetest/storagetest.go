// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storagetest holds the behaviour suite every storage backend must
// pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
)

// Factory opens a fresh, empty store using sampling. The suite closes it.
type Factory func(t *testing.T, sampling storage.SamplingConfig) storage.Store

// NewProgram builds a program with a computed id.
func NewProgram(code string, version int, value *float64, messages int) *program.Program {
	conv := program.NewConversation(program.SystemMessage("system"))
	for i := 1; i < messages; i++ {
		conv.Append(program.UserMessage(fmt.Sprintf("turn %d", i)))
	}
	p := &program.Program{
		Code:         code,
		Conversation: conv,
		Value:        value,
		Version:      version,
		State:        &program.Snapshot{Tick: 1, Inventory: map[string]int{"coal": 3}},
		Response:     "ok",
		TokenUsage:   30,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	p.AssignID()
	return p
}

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()

		p := NewProgram("x = 1", 1, program.Float(1.5), 2)
		p.ParentID = "parent"
		p.RawReward = program.Float(2)
		p.HoldoutValue = program.Float(0.5)
		p.Meta = map[string]any{"run_id": "r1"}

		created, err := s.CreateProgram(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, p.ID, created.ID)

		got, err := s.GetProgram(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "x = 1", got.Code)
		assert.Equal(t, "parent", got.ParentID)
		assert.InDelta(t, 1.5, *got.Value, 1e-9)
		assert.InDelta(t, 2.0, *got.RawReward, 1e-9)
		assert.InDelta(t, 0.5, *got.HoldoutValue, 1e-9)
		assert.Equal(t, 3, got.State.Inventory["coal"])
		assert.Equal(t, p.Conversation.Messages(), got.Conversation.Messages())
		assert.Equal(t, "r1", got.Meta["run_id"])
		assert.Equal(t, 30, got.TokenUsage)
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create is idempotent", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()

		first := NewProgram("x = 1", 1, program.Float(1), 1)
		_, err := s.CreateProgram(ctx, first)
		require.NoError(t, err)

		dup := NewProgram("x = 1", 1, program.Float(99), 1)
		require.Equal(t, first.ID, dup.ID)
		got, err := s.CreateProgram(ctx, dup)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, *got.Value, 1e-9)

		all, err := s.GetPrograms(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("rejects missing id", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()
		_, err := s.CreateProgram(ctx, &program.Program{Code: "x"})
		assert.ErrorIs(t, err, storage.ErrInvalidProgram)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()
		_, err := s.GetProgram(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("sample parent empty version", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()
		_, err := s.CreateProgram(ctx, NewProgram("a", 2, program.Float(1), 1))
		require.NoError(t, err)

		got, err := s.SampleParent(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("sample parent skips unscored and long", func(t *testing.T) {
		s := open(t, storage.SamplingConfig{PoolSize: 10, Temperature: 1, MaxConversationLength: 4})
		defer s.Close()

		for _, p := range []*program.Program{
			NewProgram("unscored", 1, nil, 1),
			NewProgram("too long", 1, program.Float(100), 4),
			NewProgram("eligible", 1, program.Float(-3), 3),
		} {
			_, err := s.CreateProgram(ctx, p)
			require.NoError(t, err)
		}
		for i := 0; i < 20; i++ {
			got, err := s.SampleParent(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "eligible", got.Code)
		}
	})

	t.Run("sample parent favours high value", func(t *testing.T) {
		s := open(t, storage.SamplingConfig{PoolSize: 10, Temperature: 0.1})
		defer s.Close()
		for i, v := range []float64{0, 1, 5} {
			_, err := s.CreateProgram(ctx, NewProgram(fmt.Sprintf("p%d", i), 1, program.Float(v), 1))
			require.NoError(t, err)
		}
		best := 0
		for i := 0; i < 50; i++ {
			got, err := s.SampleParent(ctx, 1)
			require.NoError(t, err)
			if got.Code == "p2" {
				best++
			}
		}
		assert.Equal(t, 50, best)
	})

	t.Run("get programs by version with limit", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()
		for i := 0; i < 5; i++ {
			p := NewProgram(fmt.Sprintf("v1_%d", i), 1, program.Float(float64(i)), 1)
			p.CreatedAt = p.CreatedAt.Add(time.Duration(i) * time.Second)
			_, err := s.CreateProgram(ctx, p)
			require.NoError(t, err)
		}
		_, err := s.CreateProgram(ctx, NewProgram("v2", 2, nil, 1))
		require.NoError(t, err)

		all, err := s.GetPrograms(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, p := range all {
			assert.Equal(t, fmt.Sprintf("v1_%d", i), p.Code)
		}

		limited, err := s.GetPrograms(ctx, 1, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		none, err := s.GetPrograms(ctx, 7, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("concurrent creates", func(t *testing.T) {
		s := open(t, storage.DefaultSamplingConfig())
		defer s.Close()

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := 0; i < 20; i++ {
			for dup := 0; dup < 2; dup++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.CreateProgram(ctx, NewProgram(fmt.Sprintf("c%d", i), 3, program.Float(1), 1))
					errs <- err
				}()
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		all, err := s.GetPrograms(ctx, 3, 0)
		require.NoError(t, err)
		assert.Len(t, all, 20)
	})
}
