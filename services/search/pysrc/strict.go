// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pysrc

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// python2Statements are statements the grammar still accepts but Python 3
// rejects.
var python2Statements = map[string]string{
	"print_statement": "print statement is not valid in Python 3",
	"exec_statement":  "exec statement is not valid in Python 3",
}

// continuationClauses must line up with the statement that opens them.
var continuationClauses = map[string]bool{
	"elif_clause":         true,
	"else_clause":         true,
	"except_clause":       true,
	"except_group_clause": true,
	"finally_clause":      true,
}

// strictChecker finds constructs that tree-sitter parses without ERROR
// nodes but CPython refuses: Python 2 statements, a bare := statement,
// and indentation that does not return to an enclosing level.
type strictChecker struct {
	indents []int
	errs    []SyntaxError
}

func checkStrict(root *sitter.Node, src []byte) []SyntaxError {
	c := &strictChecker{indents: lineIndents(src)}
	c.walk(root, 0)
	return c.errs
}

func (c *strictChecker) walk(node *sitter.Node, depth int) {
	if depth > 1000 || len(c.errs) >= maxErrors {
		return
	}
	kind := node.Type()
	if reason, ok := python2Statements[kind]; ok {
		c.add(node, reason)
	}
	switch kind {
	case "module", "block":
		c.checkBlock(node)
	case "named_expression":
		if p := node.Parent(); p != nil {
			switch p.Type() {
			case "expression_statement", "module", "block":
				c.add(node, "named expression must be parenthesized as a statement")
			}
		}
	}
	if continuationClauses[kind] && c.startsLine(node) {
		if p := node.Parent(); p != nil && node.StartPoint().Column != p.StartPoint().Column {
			c.add(node, "unindent does not match any outer indentation level")
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		c.walk(node.Child(i), depth+1)
	}
}

// checkBlock requires every statement that starts a line to share the
// column of the first one. Module statements start at column 0.
func (c *strictChecker) checkBlock(block *sitter.Node) {
	want := -1
	if block.Type() == "module" {
		want = 0
	}
	for i := 0; i < int(block.NamedChildCount()); i++ {
		stmt := block.NamedChild(i)
		if stmt.Type() == "comment" || !c.startsLine(stmt) {
			continue
		}
		col := int(stmt.StartPoint().Column)
		if want < 0 {
			want = col
			continue
		}
		switch {
		case col > want:
			c.add(stmt, "unexpected indent")
		case col < want:
			c.add(stmt, "unindent does not match any outer indentation level")
		}
	}
}

func (c *strictChecker) startsLine(node *sitter.Node) bool {
	start := node.StartPoint()
	row := int(start.Row)
	return row < len(c.indents) && c.indents[row] == int(start.Column)
}

func (c *strictChecker) add(node *sitter.Node, reason string) {
	start := node.StartPoint()
	c.errs = append(c.errs, SyntaxError{
		Line:   int(start.Row),
		Column: int(start.Column),
		Kind:   node.Type(),
		Reason: reason,
	})
}

// lineIndents returns the byte width of each line's leading whitespace.
func lineIndents(src []byte) []int {
	indents := []int{0}
	counting := true
	for _, b := range src {
		switch {
		case b == '\n':
			indents = append(indents, 0)
			counting = true
		case counting && (b == ' ' || b == '\t' || b == '\f'):
			indents[len(indents)-1]++
		default:
			counting = false
		}
	}
	return indents
}
