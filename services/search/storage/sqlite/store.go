// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sqlite stores the program tree in a SQLite database.
//
// Scalar fields get their own columns so downstream tooling can query the
// tree directly; conversation, state and meta are JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	id                     TEXT PRIMARY KEY,
	parent_id              TEXT,
	version                INTEGER NOT NULL,
	version_description    TEXT NOT NULL DEFAULT '',
	code                   TEXT NOT NULL,
	conversation           TEXT NOT NULL,
	message_count          INTEGER NOT NULL,
	value                  REAL,
	raw_reward             REAL,
	holdout_value          REAL,
	state                  TEXT,
	response               TEXT NOT NULL DEFAULT '',
	token_usage            INTEGER NOT NULL DEFAULT 0,
	completion_token_usage INTEGER NOT NULL DEFAULT 0,
	prompt_token_usage     INTEGER NOT NULL DEFAULT 0,
	meta                   TEXT,
	created_at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS programs_version_value ON programs (version, value DESC);
CREATE INDEX IF NOT EXISTS programs_version_created ON programs (version, created_at);
`

const columns = `id, parent_id, version, version_description, code, conversation,
	value, raw_reward, holdout_value, state, response,
	token_usage, completion_token_usage, prompt_token_usage, meta, created_at`

// Store implements storage.Store on SQLite.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialized on one connection.
type Store struct {
	db      *sql.DB
	sampler *storage.ParentSampler
}

// Open opens or creates the database at path and runs migrations.
// ":memory:" gives a private in-memory database.
func Open(path string, sampler *storage.ParentSampler) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if sampler == nil {
		sampler = storage.NewParentSampler(storage.DefaultSamplingConfig(), 0)
	}
	return &Store{db: db, sampler: sampler}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateProgram implements storage.Store.
func (s *Store) CreateProgram(ctx context.Context, p *program.Program) (*program.Program, error) {
	if err := storage.Validate(p); err != nil {
		return nil, err
	}
	conv, err := json.Marshal(conversationOf(p))
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	state, err := nullJSON(p.State, p.State == nil)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	meta, err := nullJSON(p.Meta, len(p.Meta) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO programs (
		id, parent_id, version, version_description, code, conversation, message_count,
		value, raw_reward, holdout_value, state, response,
		token_usage, completion_token_usage, prompt_token_usage, meta, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		p.ID, nullString(p.ParentID), p.Version, p.VersionDescription, p.Code, string(conv), p.MessageCount(),
		p.Value, p.RawReward, p.HoldoutValue, state, p.Response,
		p.TokenUsage, p.CompletionTokenUsage, p.PromptTokenUsage, meta, created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert program %s: %w", p.ID, err)
	}
	// A duplicate id leaves zero rows affected; either way the stored row wins.
	if _, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("insert program %s: %w", p.ID, err)
	}
	return s.GetProgram(ctx, p.ID)
}

// GetProgram implements storage.Store.
func (s *Store) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM programs WHERE id = ?`, id)
	p, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get program %s: %w", id, err)
	}
	return p, nil
}

// GetPrograms implements storage.Store.
func (s *Store) GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM programs WHERE version = ? ORDER BY created_at, id LIMIT ?`,
		version, limit)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var out []*program.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SampleParent implements storage.Store.
func (s *Store) SampleParent(ctx context.Context, version int) (*program.Program, error) {
	cfg := s.sampler.Config()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, message_count FROM programs
		 WHERE version = ? AND value IS NOT NULL AND (? <= 0 OR message_count < ?)
		 ORDER BY value DESC, created_at LIMIT ?`,
		version, cfg.MaxConversationLength, cfg.MaxConversationLength, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("sample parent: %w", err)
	}
	var cands []storage.Candidate
	for rows.Next() {
		var c storage.Candidate
		if err := rows.Scan(&c.ID, &c.Value, &c.Messages); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	id := s.sampler.Pick(cands)
	if id == "" {
		return nil, nil
	}
	return s.GetProgram(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProgram(row scanner) (*program.Program, error) {
	var (
		p                         program.Program
		parent, state, meta       sql.NullString
		value, rawReward, holdout sql.NullFloat64
		conv, created             string
	)
	err := row.Scan(&p.ID, &parent, &p.Version, &p.VersionDescription, &p.Code, &conv,
		&value, &rawReward, &holdout, &state, &p.Response,
		&p.TokenUsage, &p.CompletionTokenUsage, &p.PromptTokenUsage, &meta, &created)
	if err != nil {
		return nil, err
	}
	p.ParentID = parent.String
	p.Conversation = program.NewConversation()
	if err := json.Unmarshal([]byte(conv), p.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	p.Value = floatPtr(value)
	p.RawReward = floatPtr(rawReward)
	p.HoldoutValue = floatPtr(holdout)
	if state.Valid {
		p.State = &program.Snapshot{}
		if err := json.Unmarshal([]byte(state.String), p.State); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &p, nil
}

func conversationOf(p *program.Program) *program.Conversation {
	if p.Conversation == nil {
		return program.NewConversation()
	}
	return p.Conversation
}

func nullJSON(v any, isNull bool) (sql.NullString, error) {
	if isNull {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

var _ storage.Store = (*Store)(nil)
