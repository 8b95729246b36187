// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/sync/errgroup"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// DefaultFanout bounds concurrent single completions per request.
const DefaultFanout = 4

// LangChainSampler adapts a langchaingo model. Backends without native n
// get N concurrent calls.
type LangChainSampler struct {
	model  llms.Model
	name   string
	fanout int
	logger *slog.Logger
}

// LangChainOption configures a LangChainSampler.
type LangChainOption func(*LangChainSampler)

// WithFanout sets the maximum concurrent calls per request.
func WithFanout(n int) LangChainOption {
	return func(s *LangChainSampler) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// WithSamplerLogger sets the logger.
func WithSamplerLogger(logger *slog.Logger) LangChainOption {
	return func(s *LangChainSampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewLangChainSampler wraps model. name is reported in responses.
func NewLangChainSampler(model llms.Model, name string, opts ...LangChainOption) *LangChainSampler {
	s := &LangChainSampler{
		model:  model,
		name:   name,
		fanout: DefaultFanout,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("sampler", "langchain"), slog.String("model", name))
	return s
}

// NewOllamaSampler connects to an Ollama server.
func NewOllamaSampler(serverURL, model string, opts ...LangChainOption) (*LangChainSampler, error) {
	llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(serverURL))
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return NewLangChainSampler(llm, model, opts...), nil
}

// Generate implements Sampler.
//
// Description:
//
//	Issues req.N single-completion calls, at most fanout at a time.
//	Failed calls are dropped; the error is returned only if every call
//	failed. LogitBias is not supported by langchaingo and is ignored.
func (s *LangChainSampler) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs := toLangChainMessages(req.Messages)
	callOpts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(req.Stop))
	}
	if req.PresencePenalty != 0 {
		callOpts = append(callOpts, llms.WithPresencePenalty(req.PresencePenalty))
	}
	if req.FrequencyPenalty != 0 {
		callOpts = append(callOpts, llms.WithFrequencyPenalty(req.FrequencyPenalty))
	}
	if req.Model != "" && req.Model != s.name {
		callOpts = append(callOpts, llms.WithModel(req.Model))
	}
	if len(req.LogitBias) > 0 {
		s.logger.Debug("logit bias ignored", slog.Int("entries", len(req.LogitBias)))
	}

	n := req.count()
	var (
		mu      sync.Mutex
		choices = make([]*Choice, n)
		usage   Usage
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			resp, err := s.model.GenerateContent(gctx, msgs, callOpts...)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if len(resp.Choices) == 0 || resp.Choices[0] == nil {
				errs = append(errs, ErrNoChoices)
				return nil
			}
			c := resp.Choices[0]
			choices[i] = &Choice{Content: c.Content, FinishReason: c.StopReason}
			usage = usage.Add(usageFromInfo(c.GenerationInfo))
			return nil
		})
	}
	_ = g.Wait()

	out := &Response{Usage: usage, Model: s.name}
	for _, c := range choices {
		if c == nil {
			continue
		}
		c.Index = len(out.Choices)
		out.Choices = append(out.Choices, *c)
	}
	if len(out.Choices) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("langchain generate: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		s.logger.Warn("partial completions",
			slog.Int("requested", n),
			slog.Int("received", len(out.Choices)),
			slog.String("error", errs[0].Error()),
		)
	}
	return out, nil
}

func toLangChainMessages(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case program.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case program.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// usageFromInfo reads token counts from generation info. Key names and
// value types differ by backend.
func usageFromInfo(info map[string]any) Usage {
	u := Usage{
		PromptTokens:     intFrom(info, "PromptTokens", "prompt_tokens", "InputTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens", "completion_tokens", "OutputTokens"),
		TotalTokens:      intFrom(info, "TotalTokens", "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFrom(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
