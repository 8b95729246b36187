// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pysrc wraps the tree-sitter Python grammar for syntax checks and
// top-level statement inspection.
//
// # Thread Safety
//
// All functions are safe for concurrent use. A tree-sitter parser is not,
// so each call builds its own.
package pysrc

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// maxErrors bounds error collection on heavily malformed input.
const maxErrors = 50

// SyntaxError locates one ERROR or MISSING node, or a construct Python 3
// rejects. Line is 0-based.
type SyntaxError struct {
	Line    int
	Column  int
	Missing bool
	Kind    string

	// Reason is set for constructs the grammar accepts but Python 3 does not.
	Reason string
}

// Error implements error with a 1-based line number.
func (e SyntaxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("line %d col %d: %s", e.Line+1, e.Column, e.Reason)
	}
	if e.Missing {
		return fmt.Sprintf("line %d col %d: missing %s", e.Line+1, e.Column, e.Kind)
	}
	return fmt.Sprintf("line %d col %d: syntax error", e.Line+1, e.Column)
}

// Parse returns the tree-sitter tree for src. The caller must Close it.
func Parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse python: %w", err)
	}
	return tree, nil
}

// Check returns every syntax error in src, in source order.
//
// Description:
//
//	The tree-sitter grammar is more lenient than CPython. A tree with no
//	ERROR or MISSING nodes is also checked for Python 2 print and exec
//	statements, unparenthesized := statements, and inconsistent
//	indentation.
//
// Outputs:
//
//	[]SyntaxError - Empty when src parses cleanly.
//	error - Non-nil only if the parser itself failed (e.g. ctx cancelled).
func Check(ctx context.Context, src string) ([]SyntaxError, error) {
	data := []byte(src)
	tree, err := Parse(ctx, data)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return checkStrict(root, data), nil
	}
	var errs []SyntaxError
	collectErrors(root, &errs, 0)
	if len(errs) == 0 {
		// HasError with no located node; report at the root span end.
		end := root.EndPoint()
		errs = append(errs, SyntaxError{Line: int(end.Row), Column: int(end.Column)})
	}
	return errs, nil
}

// Valid reports whether src is non-blank and parses without errors.
func Valid(ctx context.Context, src string) bool {
	if strings.TrimSpace(src) == "" {
		return false
	}
	errs, err := Check(ctx, src)
	return err == nil && len(errs) == 0
}

func collectErrors(node *sitter.Node, errs *[]SyntaxError, depth int) {
	if depth > 1000 || len(*errs) >= maxErrors {
		return
	}
	if node.IsError() || node.IsMissing() {
		start := node.StartPoint()
		*errs = append(*errs, SyntaxError{
			Line:    int(start.Row),
			Column:  int(start.Column),
			Missing: node.IsMissing(),
			Kind:    node.Type(),
		})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectErrors(node.Child(i), errs, depth+1)
	}
}

// SplitLines splits src on line boundaries without keeping terminators.
// A trailing newline does not produce an empty final line.
func SplitLines(src string) []string {
	if src == "" {
		return nil
	}
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	lines := strings.Split(src, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
