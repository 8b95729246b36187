// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pysrc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()

	errs, err := Check(ctx, "x = 1\nprint(x)\n")
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = Check(ctx, "x = 1\ndef broken(:\n")
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	lines := make([]int, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.Line)
	}
	assert.Contains(t, lines, 1)
}

func TestValid(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"simple", "a = b + 1", true},
		{"function", "def f(x):\n    return x * 2\n", true},
		{"blank", "   \n\t", false},
		{"empty", "", false},
		{"unclosed paren", "print((1, 2)", false},
		{"prose", "Here is the plan: build drills", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(ctx, tt.src))
		})
	}
}

func TestCheck_Python3Only(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		src      string
		wantLine int
		wantOK   bool
	}{
		{name: "print call", src: "print(\"hello\")", wantOK: true},
		{name: "exec call", src: "exec(\"x = 1\")", wantOK: true},
		{name: "parenthesized walrus", src: "(a := 1)", wantOK: true},
		{name: "walrus in condition", src: "if (n := 3) > 2:\n    print(n)", wantOK: true},
		{name: "if else chain", src: "if x:\n    a = 1\nelif y:\n    a = 2\nelse:\n    a = 3", wantOK: true},
		{name: "try except", src: "try:\n    f()\nexcept ValueError:\n    pass\nfinally:\n    g()", wantOK: true},
		{name: "one line block", src: "if x: a = 1\nb = 2", wantOK: true},
		{name: "semicolons", src: "a = 1; b = 2", wantOK: true},
		{name: "nested blocks", src: "def f():\n    for i in range(3):\n        g(i)\n    return 1\nx = f()", wantOK: true},

		{name: "python 2 print", src: "print \"hello\"", wantLine: 0},
		{name: "python 2 exec", src: "x = 1\nexec \"x = 2\"", wantLine: 1},
		{name: "bare walrus", src: "a := 1", wantLine: 0},
		{name: "dedent to unknown level", src: "def f():\n    pass\n  y = 2", wantLine: 2},
		{name: "nested dedent to unknown level", src: "def f():\n    if x:\n        a = 1\n      b = 2", wantLine: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := Check(ctx, tt.src)
			require.NoError(t, err)
			if tt.wantOK {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			if tt.wantLine >= 0 {
				assert.Equal(t, tt.wantLine, errs[0].Line)
			}
			assert.False(t, Valid(ctx, tt.src))
		})
	}
}

func TestSyntaxError_Reason(t *testing.T) {
	err := SyntaxError{Line: 2, Column: 2, Reason: "unexpected indent"}
	assert.Equal(t, "line 3 col 2: unexpected indent", err.Error())
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Equal(t, []string{"a", "b"}, SplitLines("a\nb\n"))
	assert.Equal(t, []string{"a", "", "b"}, SplitLines("a\r\n\r\nb"))
	assert.Equal(t, []string{""}, SplitLines("\n"))
}
