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
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// OpenAIConfig configures an OpenAISampler.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points at any OpenAI-compatible endpoint. Empty uses the
	// public API.
	BaseURL string

	Model string

	// HTTPClient replaces the default client. Used by tests.
	HTTPClient *http.Client
}

// OpenAISampler calls the chat completions endpoint with native n.
type OpenAISampler struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAISampler creates an OpenAI-compatible sampler.
//
// Outputs:
//
//	*OpenAISampler - Ready sampler.
//	error - Non-nil if no model is configured.
func NewOpenAISampler(cfg OpenAIConfig, logger *slog.Logger) (*OpenAISampler, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai sampler: model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAISampler{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.With(slog.String("sampler", "openai"), slog.String("model", cfg.Model)),
	}, nil
}

// Generate implements Sampler.
func (s *OpenAISampler) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := s.model
	if req.Model != "" {
		model = req.Model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:            model,
		Messages:         toOpenAIMessages(req.Messages),
		N:                req.count(),
		Temperature:      float32(req.Temperature),
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  float32(req.PresencePenalty),
		FrequencyPenalty: float32(req.FrequencyPenalty),
		LogitBias:        req.LogitBias,
		Stop:             req.Stop,
	}

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	out := &Response{
		Choices: make([]Choice, 0, len(resp.Choices)),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model: resp.Model,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Index:        c.Index,
			Content:      c.Message.Content,
			FinishReason: string(c.FinishReason),
		})
	}
	s.logger.Debug("completions received",
		slog.Int("requested", chatReq.N),
		slog.Int("received", len(out.Choices)),
		slog.Int("total_tokens", out.Usage.TotalTokens),
	)
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case program.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case program.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// statusCode extracts an HTTP status from go-openai errors, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
