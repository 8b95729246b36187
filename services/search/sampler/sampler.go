// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sampler requests candidate completions from language models.
//
// # Description
//
// Sampler is the one contract the search loop depends on. Backends:
//
//   - OpenAISampler: OpenAI-compatible chat completions with native n
//   - LangChainSampler: any langchaingo model (Ollama by default), n is
//     fanned out as concurrent single completions
//   - RetryingSampler: wraps another Sampler with pacing and exponential
//     backoff on transient failures
//   - MockSampler: scripted responses for tests
package sampler

import (
	"context"
	"errors"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// ErrNoChoices is returned when a backend answers without completions.
var ErrNoChoices = errors.New("sampler returned no choices")

// Message is one normalized chat turn sent to a backend.
type Message struct {
	Role    program.Role
	Content string
}

// Request asks for N completions of Messages.
type Request struct {
	Messages []Message

	// N is the number of completions. Values < 1 are treated as 1.
	N int

	Temperature      float64
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64

	// LogitBias maps token ids to biases. Ignored by backends that cannot
	// apply it.
	LogitBias map[string]int
	Stop      []string

	// Model overrides the backend default when set.
	Model string
}

// count returns N clamped to at least 1.
func (r *Request) count() int {
	if r.N < 1 {
		return 1
	}
	return r.N
}

// Choice is one completion.
type Choice struct {
	Index        int
	Content      string
	FinishReason string
}

// Usage is token accounting for a whole Response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add returns u + o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response holds 0..N choices and their combined usage.
type Response struct {
	Choices []Choice
	Usage   Usage
	Model   string
}

// Sampler generates completions.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Sampler interface {
	// Generate returns up to req.N completions.
	Generate(ctx context.Context, req *Request) (*Response, error)
}
