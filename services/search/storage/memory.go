// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// MemoryStore keeps programs in process. Stored programs are kept as
// JSON so callers never share memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string][]byte
	order   []string
	meta    map[string]Candidate
	version map[string]int
	sampler *ParentSampler
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(sampler *ParentSampler) *MemoryStore {
	if sampler == nil {
		sampler = NewParentSampler(DefaultSamplingConfig(), 0)
	}
	return &MemoryStore{
		byID:    make(map[string][]byte),
		meta:    make(map[string]Candidate),
		version: make(map[string]int),
		sampler: sampler,
	}
}

// CreateProgram implements Store.
func (s *MemoryStore) CreateProgram(ctx context.Context, p *program.Program) (*program.Program, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if data, ok := s.byID[p.ID]; ok {
		s.mu.Unlock()
		return Decode(data)
	}
	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encode program: %w", err)
	}
	s.byID[p.ID] = data
	s.order = append(s.order, p.ID)
	s.version[p.ID] = p.Version
	if p.Value != nil {
		s.meta[p.ID] = Candidate{ID: p.ID, Value: *p.Value, Messages: p.MessageCount()}
	}
	s.mu.Unlock()
	return Decode(data)
}

// GetProgram implements Store.
func (s *MemoryStore) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	s.mu.RLock()
	data, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Decode(data)
}

// GetPrograms implements Store.
func (s *MemoryStore) GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*program.Program
	for _, id := range s.order {
		if s.version[id] != version {
			continue
		}
		p, err := Decode(s.byID[id])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SampleParent implements Store.
func (s *MemoryStore) SampleParent(ctx context.Context, version int) (*program.Program, error) {
	s.mu.RLock()
	var cands []Candidate
	for _, id := range s.order {
		if c, ok := s.meta[id]; ok && s.version[id] == version {
			cands = append(cands, c)
		}
	}
	s.mu.RUnlock()

	id := s.sampler.Pick(cands)
	if id == "" {
		return nil, nil
	}
	return s.GetProgram(ctx, id)
}

// Len returns the number of stored programs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Decode unmarshals a program stored as JSON.
func Decode(data []byte) (*program.Program, error) {
	var p program.Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	return &p, nil
}

var _ Store = (*MemoryStore)(nil)
