// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// DefaultHTTPTimeout bounds one environment server request.
const DefaultHTTPTimeout = 2 * time.Minute

// HTTPInstance talks to an environment server over JSON.
//
// Endpoints, relative to the base URL:
//
//	POST /reset  {"state": Snapshot|null}
//	POST /eval   {"code": "..."}        -> {"response": "..."}
//	GET  /score                         -> {"score": 1.5}
//	GET  /state                         -> Snapshot
type HTTPInstance struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPInstance creates a client for the server at baseURL. Requests
// are traced through the global OpenTelemetry provider.
func NewHTTPInstance(baseURL string) *HTTPInstance {
	return &HTTPInstance{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// WithTimeout sets the per-request timeout.
func (c *HTTPInstance) WithTimeout(timeout time.Duration) *HTTPInstance {
	c.httpClient.Timeout = timeout
	return c
}

type resetRequest struct {
	State *program.Snapshot `json:"state"`
}

type evalRequest struct {
	Code string `json:"code"`
}

type evalResponse struct {
	Response string `json:"response"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Reset implements Instance.
func (c *HTTPInstance) Reset(ctx context.Context, state *program.Snapshot) error {
	return c.do(ctx, http.MethodPost, "/reset", resetRequest{State: state}, nil)
}

// Eval implements Instance.
func (c *HTTPInstance) Eval(ctx context.Context, code string) (string, error) {
	var resp evalResponse
	if err := c.do(ctx, http.MethodPost, "/eval", evalRequest{Code: code}, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// Score implements Instance.
func (c *HTTPInstance) Score(ctx context.Context) (float64, error) {
	var resp scoreResponse
	if err := c.do(ctx, http.MethodGet, "/score", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

// Snapshot implements Instance.
func (c *HTTPInstance) Snapshot(ctx context.Context) (*program.Snapshot, error) {
	var snap program.Snapshot
	if err := c.do(ctx, http.MethodGet, "/state", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *HTTPInstance) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("environment %s returned status %d: %s", path, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
