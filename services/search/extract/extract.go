// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract recovers runnable Python from raw model completions.
//
// Model output is often wrapped in prose or markdown fences, or cut off
// mid-line by the token limit. Extractor tries a fixed chain of
// independent recovery strategies and only returns text that parses.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/pysrc"
)

// DefaultMarker is the environment entrypoint import that generated
// programs start with.
const DefaultMarker = "from factorio_instance import *"

// ErrNoCode is returned when no strategy yields valid source.
var ErrNoCode = errors.New("no valid code in completion")

// Strategy names the recovery step that produced a result.
type Strategy string

const (
	StrategyAsIs          Strategy = "as_is"
	StrategyTruncated     Strategy = "truncated"
	StrategyFenced        Strategy = "fenced"
	StrategyDropFirstLine Strategy = "drop_first_line"
	StrategyAfterMarker   Strategy = "after_marker"
)

// Result is extracted source and the step that found it.
type Result struct {
	Code     string
	Strategy Strategy
}

// fencePattern matches a markdown code block, optionally unterminated.
var fencePattern = regexp.MustCompile("(?s)```[ \t]*(?:python|py|python3)?[ \t]*\r?\n(.*?)(?:```|\\z)")

// Option configures an Extractor.
type Option func(*Extractor)

// WithMarker overrides the entrypoint import marker.
func WithMarker(marker string) Option {
	return func(e *Extractor) {
		e.marker = marker
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Extractor validates completions. Safe for concurrent use.
type Extractor struct {
	marker string
	logger *slog.Logger
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{marker: DefaultMarker, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns syntactically valid source recovered from completion.
//
// Description:
//
//	Strategies run in order and each starts from the raw completion:
//	  1. parse as-is; if the last error is on the last line, drop that
//	     line and retry once
//	  2. parse the contents of the first fenced code block
//	  3. drop the first line and parse
//	  4. parse everything after the entrypoint import marker
//
// Inputs:
//
//	ctx - Bounds parsing.
//	completion - Raw model output.
//
// Outputs:
//
//	Result - The recovered code and strategy.
//	error - ErrNoCode when nothing parses, or the context error.
func (e *Extractor) Extract(ctx context.Context, completion string) (Result, error) {
	if code, strategy, ok := e.asIs(ctx, completion); ok {
		return Result{Code: code, Strategy: strategy}, nil
	}
	if code, ok := e.fenced(ctx, completion); ok {
		return Result{Code: code, Strategy: StrategyFenced}, nil
	}
	if code, ok := e.dropFirstLine(ctx, completion); ok {
		return Result{Code: code, Strategy: StrategyDropFirstLine}, nil
	}
	if code, ok := e.afterMarker(ctx, completion); ok {
		return Result{Code: code, Strategy: StrategyAfterMarker}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.logger.Debug("completion rejected", slog.Int("length", len(completion)))
	return Result{}, ErrNoCode
}

func (e *Extractor) asIs(ctx context.Context, text string) (string, Strategy, bool) {
	code := trimBlank(text)
	if strings.TrimSpace(code) == "" {
		return "", "", false
	}
	errs, err := pysrc.Check(ctx, code)
	if err != nil {
		return "", "", false
	}
	if len(errs) == 0 {
		return code, StrategyAsIs, true
	}

	lines := pysrc.SplitLines(code)
	if len(lines) < 2 || errs[len(errs)-1].Line < len(lines)-1 {
		return "", "", false
	}
	truncated := trimBlank(strings.Join(lines[:len(lines)-1], "\n"))
	if pysrc.Valid(ctx, truncated) {
		return truncated, StrategyTruncated, true
	}
	return "", "", false
}

func (e *Extractor) fenced(ctx context.Context, text string) (string, bool) {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return validOrNothing(ctx, m[1])
}

func (e *Extractor) dropFirstLine(ctx context.Context, text string) (string, bool) {
	_, rest, found := strings.Cut(trimBlank(text), "\n")
	if !found {
		return "", false
	}
	return validOrNothing(ctx, rest)
}

func (e *Extractor) afterMarker(ctx context.Context, text string) (string, bool) {
	if e.marker == "" {
		return "", false
	}
	_, rest, found := strings.Cut(text, e.marker)
	if !found {
		return "", false
	}
	return validOrNothing(ctx, rest)
}

func validOrNothing(ctx context.Context, code string) (string, bool) {
	code = trimBlank(code)
	if !pysrc.Valid(ctx, code) {
		return "", false
	}
	return code, true
}

// trimBlank drops surrounding blank lines and trailing whitespace but keeps
// the first line's indentation.
func trimBlank(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		line, rest, found := strings.Cut(s, "\n")
		if !found || strings.TrimSpace(line) != "" {
			return s
		}
		s = rest
	}
}
