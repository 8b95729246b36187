// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
)

// SamplingConfig controls parent selection.
type SamplingConfig struct {
	// PoolSize is how many top-valued programs are considered.
	PoolSize int `yaml:"parent_pool_size" json:"parent_pool_size" validate:"gte=1"`

	// Temperature scales the softmax over values. Lower is greedier.
	Temperature float64 `yaml:"parent_temperature" json:"parent_temperature" validate:"gt=0"`

	// MaxConversationLength excludes programs whose history has reached
	// this many messages. Zero disables the limit.
	MaxConversationLength int `yaml:"max_conversation_length" json:"max_conversation_length" validate:"gte=0"`
}

// DefaultSamplingConfig returns pool 300, temperature 1, no length limit.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{PoolSize: 300, Temperature: 1.0}
}

// Candidate is a sampling-eligible program summary.
type Candidate struct {
	ID       string
	Value    float64
	Messages int
}

// Eligible reports whether c passes the conversation length limit.
func (c SamplingConfig) Eligible(messages int) bool {
	return c.MaxConversationLength <= 0 || messages < c.MaxConversationLength
}

// ParentSampler draws candidates with probability proportional to
// exp((value - max) / temperature) among the top PoolSize by value.
//
// # Thread Safety
//
// Safe for concurrent use.
type ParentSampler struct {
	config SamplingConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewParentSampler creates a sampler. A zero seed draws a random one.
func NewParentSampler(config SamplingConfig, seed uint64) *ParentSampler {
	if config.PoolSize < 1 {
		config.PoolSize = DefaultSamplingConfig().PoolSize
	}
	if config.Temperature <= 0 {
		config.Temperature = DefaultSamplingConfig().Temperature
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ParentSampler{config: config, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Config returns the sampling configuration.
func (s *ParentSampler) Config() SamplingConfig {
	return s.config
}

// Top returns the eligible candidates ordered by value, highest first,
// truncated to PoolSize. Ties keep input order.
func (s *ParentSampler) Top(cands []Candidate) []Candidate {
	pool := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if s.config.Eligible(c.Messages) && !math.IsNaN(c.Value) {
			pool = append(pool, c)
		}
	}
	slices.SortStableFunc(pool, func(a, b Candidate) int { return cmp.Compare(b.Value, a.Value) })
	if len(pool) > s.config.PoolSize {
		pool = pool[:s.config.PoolSize]
	}
	return pool
}

// Pick draws one candidate id from cands. Returns "" for an empty slice.
func (s *ParentSampler) Pick(cands []Candidate) string {
	pool := s.Top(cands)
	if len(pool) == 0 {
		return ""
	}

	maxValue := pool[0].Value
	weights := make([]float64, len(pool))
	total := 0.0
	for i, c := range pool {
		weights[i] = math.Exp((c.Value - maxValue) / s.config.Temperature)
		total += weights[i]
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for i, w := range weights {
		r -= w
		if r < 0 {
			return pool[i].ID
		}
	}
	return pool[len(pool)-1].ID
}
