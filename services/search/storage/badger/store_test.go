// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage/storagetest"
)

func TestStore_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, sampling storage.SamplingConfig) storage.Store {
		s, err := Open(InMemoryConfig(), storage.NewParentSampler(sampling, 42))
		require.NoError(t, err)
		return s
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 10 * time.Millisecond
	ctx := context.Background()

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	p := storagetest.NewProgram("x = 1", 4, program.Float(2), 2)
	_, err = s.CreateProgram(ctx, p)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Close())

	s2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.SampleParent(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}

func TestVersionKeysSortAndScope(t *testing.T) {
	assert.Equal(t, "version/0000000002/abc", string(versionKey(2, "abc")))
	assert.Equal(t, "version/0000000012/", string(versionScope(12)))
	assert.Less(t, string(versionScope(2)), string(versionScope(12)))
}
