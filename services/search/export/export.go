// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package export writes persisted programs to JSONL for downstream
// training and analysis.
//
// Destinations are local paths, "-" for stdout, or gs://bucket/object.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/pkg/validation"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// ErrNoGCS is returned for a gs:// destination when no GCS sink is set.
var ErrNoGCS = errors.New("gcs destination requires a gcs sink")

// Format selects the record shape.
type Format string

const (
	// FormatProgram writes every program field.
	FormatProgram Format = "program"

	// FormatChat writes {"id","value","messages"} records for fine-tuning.
	FormatChat Format = "chat"
)

// ProgramReader is the part of storage.Store the exporter reads.
type ProgramReader interface {
	GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error)
}

// Destination is a parsed export target.
type Destination struct {
	Bucket string
	Object string
	Path   string
}

// IsGCS reports whether d names a GCS object.
func (d Destination) IsGCS() bool {
	return d.Bucket != ""
}

// ParseDestination splits gs://bucket/object URLs from local paths.
func ParseDestination(dest string) (Destination, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Destination{}, errors.New("destination is required")
	}
	rest, ok := strings.CutPrefix(dest, "gs://")
	if !ok {
		return Destination{Path: dest}, nil
	}
	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return Destination{}, fmt.Errorf("invalid gcs destination %q: want gs://bucket/object", dest)
	}
	if err := validation.ValidateBucketName(bucket); err != nil {
		return Destination{}, fmt.Errorf("invalid gcs destination: %w", err)
	}
	if err := validation.ValidateObjectName(object); err != nil {
		return Destination{}, fmt.Errorf("invalid gcs destination: %w", err)
	}
	return Destination{Bucket: bucket, Object: object}, nil
}

// GCSSink opens object writers on Google Cloud Storage.
type GCSSink struct {
	client *gcs.Client
}

// NewGCSSink creates a GCS client. An empty credentialsFile uses
// application default credentials.
func NewGCSSink(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*GCSSink, error) {
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client}, nil
}

// Open returns a writer for bucket/object. Close commits the upload.
func (s *GCSSink) Open(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	return w
}

// Close releases the client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithGCS enables gs:// destinations.
func WithGCS(sink *GCSSink) Option {
	return func(e *Exporter) {
		e.gcs = sink
	}
}

// WithFormat sets the record shape. Defaults to FormatProgram.
func WithFormat(f Format) Option {
	return func(e *Exporter) {
		if f != "" {
			e.format = f
		}
	}
}

// WithStdout replaces the writer used for "-".
func WithStdout(w io.Writer) Option {
	return func(e *Exporter) {
		e.stdout = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Exporter streams programs of one version to a destination.
type Exporter struct {
	reader ProgramReader
	gcs    *GCSSink
	format Format
	stdout io.Writer
	logger *slog.Logger
}

// New creates an Exporter reading from reader.
func New(reader ProgramReader, opts ...Option) *Exporter {
	e := &Exporter{
		reader: reader,
		format: FormatProgram,
		stdout: os.Stdout,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes up to limit programs of version as JSONL.
//
// Inputs:
//
//	ctx - Bounds reading and uploading.
//	version - Version to export.
//	limit - Maximum programs. Zero or less exports all.
//	destination - Local path, "-", or gs://bucket/object.
//
// Outputs:
//
//	int - Programs written.
//	error - Non-nil if reading, encoding or writing failed. A failed
//	        export leaves no GCS object behind.
func (e *Exporter) Export(ctx context.Context, version, limit int, destination string) (int, error) {
	dest, err := ParseDestination(destination)
	if err != nil {
		return 0, err
	}
	if dest.IsGCS() && e.gcs == nil {
		return 0, ErrNoGCS
	}
	if _, err := recordEncoder(e.format); err != nil {
		return 0, err
	}

	programs, err := e.reader.GetPrograms(ctx, version, limit)
	if err != nil {
		return 0, fmt.Errorf("read programs: %w", err)
	}

	// Cancelling uploadCtx aborts a GCS upload instead of committing it.
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := e.open(uploadCtx, dest)
	if err != nil {
		return 0, err
	}
	n, err := e.write(w, programs)
	if err != nil {
		cancel()
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", destination, err)
	}

	e.logger.Info("programs exported",
		slog.Int("version", version),
		slog.Int("count", n),
		slog.String("destination", destination),
		slog.String("format", string(e.format)),
	)
	return n, nil
}

func (e *Exporter) open(ctx context.Context, dest Destination) (io.WriteCloser, error) {
	switch {
	case dest.IsGCS():
		return e.gcs.Open(ctx, dest.Bucket, dest.Object), nil
	case dest.Path == "-":
		return nopCloser{e.stdout}, nil
	default:
		if dir := filepath.Dir(dest.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create export dir: %w", err)
			}
		}
		f, err := os.Create(dest.Path)
		if err != nil {
			return nil, fmt.Errorf("create export file: %w", err)
		}
		return f, nil
	}
}

func (e *Exporter) write(w io.Writer, programs []*program.Program) (int, error) {
	encode, err := recordEncoder(e.format)
	if err != nil {
		return 0, err
	}
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	for i, p := range programs {
		if err := enc.Encode(encode(p)); err != nil {
			return i, fmt.Errorf("encode program %s: %w", p.ID, err)
		}
	}
	if err := buf.Flush(); err != nil {
		return 0, fmt.Errorf("write records: %w", err)
	}
	return len(programs), nil
}

// chatRecord is one fine-tuning example.
type chatRecord struct {
	ID       string        `json:"id"`
	ParentID string        `json:"parent_id,omitempty"`
	Value    *float64      `json:"value,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    program.Role `json:"role"`
	Content string       `json:"content"`
}

func recordEncoder(f Format) (func(*program.Program) any, error) {
	switch f {
	case FormatProgram:
		return func(p *program.Program) any { return p }, nil
	case FormatChat:
		return func(p *program.Program) any {
			rec := chatRecord{ID: p.ID, ParentID: p.ParentID, Value: p.Value, Messages: []chatMessage{}}
			if p.Conversation != nil {
				for _, m := range p.Conversation.Messages() {
					rec.Messages = append(rec.Messages, chatMessage{Role: m.Role, Content: m.Content})
				}
			}
			return rec
		}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q", f)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
