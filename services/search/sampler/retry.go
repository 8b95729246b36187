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
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// RetryConfig configures RetryingSampler.
type RetryConfig struct {
	// MaxAttempts includes the first call.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond paces calls. Zero or less disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// DefaultRetryConfig returns 5 attempts from 1s up to 30s, unpaced.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Burst:          1,
	}
}

// RetryingSampler retries transient failures of an inner Sampler.
//
// # Thread Safety
//
// Safe for concurrent use. The limiter is shared by all callers.
type RetryingSampler struct {
	inner   Sampler
	config  RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRetryingSampler wraps inner.
func NewRetryingSampler(inner Sampler, config RetryConfig, logger *slog.Logger) *RetryingSampler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingSampler{
		inner:   inner,
		config:  config,
		limiter: rate.NewLimiter(limit, config.Burst),
		logger:  logger,
	}
}

// Generate implements Sampler.
//
// Description:
//
//	Waits for the limiter before every attempt. Retryable errors back off
//	exponentially; others and context cancellation return immediately.
//	The final error is the last attempt's error.
func (s *RetryingSampler) Generate(ctx context.Context, req *Request) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.InitialBackoff
	policy.MaxInterval = s.config.MaxBackoff

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := s.inner.Generate(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("sampler call failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.config.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.config.MaxAttempts)),
		backoff.WithNotify(notify),
	)
}

// IsRetryable reports whether err is worth another attempt.
//
// Context errors and HTTP 4xx other than 408 and 429 are permanent.
// Everything else, including network errors without a status, retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := statusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}
