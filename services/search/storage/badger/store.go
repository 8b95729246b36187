// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
)

const (
	programPrefix = "program/"
	versionPrefix = "version/"
)

// indexEntry is the per-version summary stored under the version key.
type indexEntry struct {
	Value     *float64  `json:"value,omitempty"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// Store implements storage.Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Conflicting creates of the same id resolve to
// the first committed program.
type Store struct {
	db      *badger.DB
	gc      *gcRunner
	sampler *storage.ParentSampler
	logger  *slog.Logger
}

// Open opens or creates the database described by cfg.
func Open(cfg Config, sampler *storage.ParentSampler) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = storage.NewParentSampler(storage.DefaultSamplingConfig(), 0)
	}
	s := &Store{db: db, sampler: sampler, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func programKey(id string) []byte {
	return []byte(programPrefix + id)
}

func versionScope(version int) []byte {
	return []byte(fmt.Sprintf("%s%010d/", versionPrefix, version))
}

func versionKey(version int, id string) []byte {
	return append(versionScope(version), id...)
}

// CreateProgram implements storage.Store.
func (s *Store) CreateProgram(ctx context.Context, p *program.Program) (*program.Program, error) {
	if err := storage.Validate(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}
	entry, err := json.Marshal(indexEntry{Value: p.Value, Messages: p.MessageCount(), CreatedAt: stored.CreatedAt})
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}

	var existing []byte
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(p.ID))
		switch {
		case err == nil:
			existing, err = item.ValueCopy(nil)
			return err
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(programKey(p.ID), data); err != nil {
			return err
		}
		return txn.Set(versionKey(p.Version, p.ID), entry)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent create of the same id committed first.
		return s.GetProgram(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("create program %s: %w", p.ID, err)
	}
	if existing != nil {
		return storage.Decode(existing)
	}
	return storage.Decode(data)
}

// GetProgram implements storage.Store.
func (s *Store) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get program %s: %w", id, err)
	}
	return storage.Decode(data)
}

type indexed struct {
	id    string
	entry indexEntry
}

// scanVersion returns the index entries of version in creation order.
func (s *Store) scanVersion(ctx context.Context, version int) ([]indexed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope := versionScope(version)
	var out []indexed
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scope
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(scope); it.ValidForPrefix(scope); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(scope):])
			var e indexEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("decode index %s: %w", id, err)
			}
			out = append(out, indexed{id: id, entry: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b indexed) int {
		if c := a.entry.CreatedAt.Compare(b.entry.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out, nil
}

// GetPrograms implements storage.Store.
func (s *Store) GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error) {
	entries, err := s.scanVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*program.Program, 0, len(entries))
	for _, e := range entries {
		p, err := s.GetProgram(ctx, e.id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SampleParent implements storage.Store.
func (s *Store) SampleParent(ctx context.Context, version int) (*program.Program, error) {
	entries, err := s.scanVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	cands := make([]storage.Candidate, 0, len(entries))
	for _, e := range entries {
		if e.entry.Value == nil {
			continue
		}
		cands = append(cands, storage.Candidate{ID: e.id, Value: *e.entry.Value, Messages: e.entry.Messages})
	}
	id := s.sampler.Pick(cands)
	if id == "" {
		return nil, nil
	}
	return s.GetProgram(ctx, id)
}

var _ storage.Store = (*Store)(nil)
