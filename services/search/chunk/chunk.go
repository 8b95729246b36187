// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chunk splits a generated program into reasoning steps.
//
// Generated programs annotate each step with a bare top-level string
// literal:
//
//	from factorio_instance import *
//
//	"""Step 1: find iron ore"""
//	ore = nearest(Resource.IronOre)
//
//	"""Step 2: place a drill"""
//	drill = place_entity(Prototype.BurnerMiningDrill, position=ore)
//
// Each annotation starts a chunk that runs until the next annotation.
// Code before the first annotation becomes its own leading chunk.
package chunk

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/pysrc"
)

// Chunk is one contiguous slice of a program.
type Chunk struct {
	Index int

	// Code is the source of lines [StartLine, EndLine).
	Code string

	// Annotation is the unquoted step text. Empty for the leading chunk.
	Annotation string

	// StartLine and EndLine are 0-based; EndLine is exclusive.
	StartLine int
	EndLine   int
}

// Lines returns the number of source lines in c.
func (c Chunk) Lines() int {
	return c.EndLine - c.StartLine
}

type annotation struct {
	line int
	text string
}

// Splitter divides validated source into chunks. Safe for concurrent use.
type Splitter struct{}

// NewSplitter creates a Splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Split returns the ordered chunks of code.
//
// Description:
//
//	Locates every module-level expression statement consisting of a
//	single string literal. Non-blank text before the first such
//	statement is chunk 0. Each annotation opens a chunk that ends just
//	before the next annotation or at end of file.
//
// Inputs:
//
//	ctx - Bounds parsing.
//	code - Source that already passed extraction.
//
// Outputs:
//
//	[]Chunk - Ordered chunks. Empty when code has no annotations or does
//	          not parse.
//	error - Non-nil only if the parser failed.
func (s *Splitter) Split(ctx context.Context, code string) ([]Chunk, error) {
	src := []byte(code)
	tree, err := pysrc.Parse(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, nil
	}
	marks := findAnnotations(root, src)
	if len(marks) == 0 {
		return nil, nil
	}

	lines := pysrc.SplitLines(code)
	chunks := make([]Chunk, 0, len(marks)+1)
	if preamble := strings.Join(lines[:marks[0].line], "\n"); strings.TrimSpace(preamble) != "" {
		chunks = append(chunks, Chunk{
			Code:      strings.TrimRight(preamble, " \t\r\n"),
			StartLine: 0,
			EndLine:   marks[0].line,
		})
	}
	for i, m := range marks {
		end := len(lines)
		if i+1 < len(marks) {
			end = marks[i+1].line
		}
		chunks = append(chunks, Chunk{
			Code:       strings.TrimRight(strings.Join(lines[m.line:end], "\n"), " \t\r\n"),
			Annotation: m.text,
			StartLine:  m.line,
			EndLine:    end,
		})
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

func findAnnotations(root *sitter.Node, src []byte) []annotation {
	var marks []annotation
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if stmt.Type() != "expression_statement" || stmt.NamedChildCount() != 1 {
			continue
		}
		expr := stmt.NamedChild(0)
		if expr.Type() != "string" && expr.Type() != "concatenated_string" {
			continue
		}
		marks = append(marks, annotation{
			line: int(stmt.StartPoint().Row),
			text: unquote(expr.Content(src)),
		})
	}
	return marks
}

// unquote strips string prefixes and quotes from a literal. Adjacent
// literals are joined with a space.
func unquote(lit string) string {
	var parts []string
	for _, piece := range splitAdjacent(lit) {
		p := strings.TrimLeft(piece, "rRbBuUfF")
		for _, q := range []string{`"""`, `'''`, `"`, `'`} {
			if len(p) >= 2*len(q) && strings.HasPrefix(p, q) && strings.HasSuffix(p, q) {
				p = p[len(q) : len(p)-len(q)]
				break
			}
		}
		parts = append(parts, strings.TrimSpace(p))
	}
	return strings.Join(parts, " ")
}

// splitAdjacent separates implicitly concatenated literals on whitespace
// that sits outside quotes.
func splitAdjacent(lit string) []string {
	var (
		pieces []string
		start  = -1
		quote  string
	)
	for i := 0; i < len(lit); i++ {
		c := lit[i]
		if quote != "" {
			if c == '\\' {
				i++
				continue
			}
			if strings.HasPrefix(lit[i:], quote) {
				i += len(quote) - 1
				quote = ""
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			if start < 0 {
				start = i
			}
			quote = string(c)
			if strings.HasPrefix(lit[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
				i += 2
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')':
			if start >= 0 {
				pieces = append(pieces, lit[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		pieces = append(pieces, lit[start:])
	}
	return pieces
}
