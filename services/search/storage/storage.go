// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists the program tree and samples parents from it.
//
// Backends live in subpackages (badger, sqlite). MemoryStore is an
// in-process implementation for tests and dry runs.
package storage

import (
	"context"
	"errors"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

var (
	// ErrNotFound is returned when a program id is unknown.
	ErrNotFound = errors.New("program not found")

	// ErrInvalidProgram is returned for a program without an id.
	ErrInvalidProgram = errors.New("invalid program")
)

// Store persists programs.
//
// # Thread Safety
//
// Implementations accept overlapping calls from concurrent candidates.
type Store interface {
	// SampleParent picks a program of version to branch from. Returns
	// (nil, nil) if the version has no eligible programs.
	SampleParent(ctx context.Context, version int) (*program.Program, error)

	// CreateProgram stores p. If a program with p.ID already exists the
	// stored program is returned unchanged.
	CreateProgram(ctx context.Context, p *program.Program) (*program.Program, error)

	// GetProgram loads one program by id.
	GetProgram(ctx context.Context, id string) (*program.Program, error)

	// GetPrograms lists programs of version in creation order. limit <= 0
	// returns all of them.
	GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error)

	Close() error
}

// Validate checks the fields every backend relies on.
func Validate(p *program.Program) error {
	if p == nil {
		return ErrInvalidProgram
	}
	if p.ID == "" {
		return errors.Join(ErrInvalidProgram, errors.New("empty id"))
	}
	if p.Version < 0 {
		return errors.Join(ErrInvalidProgram, errors.New("negative version"))
	}
	return nil
}
