// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for a negative iteration count or a
	// sample count below one.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooManySamples is returned when more samples are requested per
	// iteration than there are evaluator instances.
	ErrTooManySamples = errors.New("samples per iteration exceed evaluator instances")
)

// ChunkError reports the chunk whose execution failed. Chunks before Index
// were evaluated and persisted; none from Index on were.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
