// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chunk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeSteps = `from factorio_instance import *

"""Step 1: find iron ore"""
ore = nearest(Resource.IronOre)
move_to(ore)

"""Step 2: place a drill"""
drill = place_entity(Prototype.BurnerMiningDrill, position=ore)

'Step 3: fuel it'
insert_item(Prototype.Coal, drill, 5)
`

func TestSplitter_PreambleAndSteps(t *testing.T) {
	chunks, err := NewSplitter().Split(context.Background(), threeSteps)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, Chunk{Index: 0, Code: "from factorio_instance import *", StartLine: 0, EndLine: 2}, chunks[0])

	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, "Step 1: find iron ore", chunks[1].Annotation)
	assert.Equal(t, "\"\"\"Step 1: find iron ore\"\"\"\nore = nearest(Resource.IronOre)\nmove_to(ore)", chunks[1].Code)
	assert.Equal(t, 2, chunks[1].StartLine)
	assert.Equal(t, 6, chunks[1].EndLine)

	assert.Equal(t, "Step 2: place a drill", chunks[2].Annotation)
	assert.Equal(t, 6, chunks[2].StartLine)

	assert.Equal(t, "Step 3: fuel it", chunks[3].Annotation)
	assert.Equal(t, "'Step 3: fuel it'\ninsert_item(Prototype.Coal, drill, 5)", chunks[3].Code)
	assert.Equal(t, 11, chunks[3].EndLine)
	assert.Equal(t, 2, chunks[3].Lines())
}

func TestSplitter_NoPreambleWhenAnnotationFirst(t *testing.T) {
	code := "\"\"\"only step\"\"\"\nx = 1\n"
	chunks, err := NewSplitter().Split(context.Background(), code)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "only step", chunks[0].Annotation)
	assert.Equal(t, code[:len(code)-1], chunks[0].Code)
}

func TestSplitter_BlankPreambleIsDropped(t *testing.T) {
	chunks, err := NewSplitter().Split(context.Background(), "\n\n\"a\"\nx = 1\n\"b\"\ny = 2")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].Annotation)
	assert.Equal(t, "b", chunks[1].Annotation)
}

func TestSplitter_EmptyResults(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"no annotations", "x = 1\ny = 2\n"},
		{"comments are not annotations", "# step one\nx = 1\n"},
		{"nested docstring only", "def f():\n    \"\"\"doc\"\"\"\n    return 1\n"},
		{"string in assignment", "s = \"step\"\n"},
		{"syntax error", "\"step\"\ndef broken(:\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := NewSplitter().Split(context.Background(), tt.code)
			require.NoError(t, err)
			assert.Empty(t, chunks)
		})
	}
}

func TestSplitter_ChunksCoverSource(t *testing.T) {
	chunks, err := NewSplitter().Split(context.Background(), threeSteps)
	require.NoError(t, err)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].EndLine, chunks[i].StartLine)
	}
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "plain", unquote(`"plain"`))
	assert.Equal(t, "raw", unquote(`r'raw'`))
	assert.Equal(t, "multi\nline", unquote("\"\"\"\nmulti\nline\n\"\"\""))
	assert.Equal(t, "a b", unquote(`"a" 'b'`))
	assert.Equal(t, "", unquote(`""`))
	assert.Equal(t, `say "hi" now`, unquote(`'say "hi" now'`))
}
