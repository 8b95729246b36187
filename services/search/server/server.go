// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the status of a running search over HTTP.
//
// Routes:
//
//	GET /healthz              liveness
//	GET /metrics              Prometheus scrape endpoint
//	GET /v1/status            run progress
//	GET /v1/programs          programs of ?version= (default: the run's), up to ?limit=
//	GET /v1/programs/:id      one program
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/pkg/validation"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/mcts"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/storage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ProgramReader is the part of storage.Store the server reads.
type ProgramReader interface {
	GetProgram(ctx context.Context, id string) (*program.Program, error)
	GetPrograms(ctx context.Context, version, limit int) ([]*program.Program, error)
}

// =============================================================================
// Tracker
// =============================================================================

// Status is the progress of one run.
type Status struct {
	RunID      string            `json:"run_id"`
	Version    int               `json:"version"`
	Mode       string            `json:"mode"`
	Running    bool              `json:"running"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Stats      *mcts.SearchStats `json:"stats"`
}

// Tracker holds the latest Status. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker starts tracking a run.
func NewTracker(runID string, version int, chunked bool) *Tracker {
	mode := "batch"
	if chunked {
		mode = "chunked"
	}
	return &Tracker{status: Status{
		RunID:     runID,
		Version:   version,
		Mode:      mode,
		Running:   true,
		StartedAt: time.Now().UTC(),
		Stats:     &mcts.SearchStats{},
	}}
}

// Update records the latest totals. Suitable for mcts.WithProgress.
func (t *Tracker) Update(stats *mcts.SearchStats) {
	if stats == nil {
		return
	}
	copied := *stats
	t.mu.Lock()
	t.status.Stats = &copied
	t.mu.Unlock()
}

// Finish marks the run done with its final totals and error.
func (t *Tracker) Finish(stats *mcts.SearchStats, err error) {
	now := time.Now().UTC()
	t.Update(stats)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Running = false
	t.status.FinishedAt = &now
	if err != nil {
		t.status.Error = err.Error()
	}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.status
	if s.Stats != nil {
		stats := *s.Stats
		s.Stats = &stats
	}
	return s
}

// =============================================================================
// Server
// =============================================================================

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	store   ProgramReader
	tracker *Tracker
	metrics http.Handler
	logger  *slog.Logger
	router  *gin.Engine
}

// New builds the router. Nothing listens until Run.
func New(addr, serviceName string, store ProgramReader, tracker *Tracker, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		tracker: tracker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	v1 := router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/programs", s.handleListPrograms)
	v1.GET("/programs/:id", s.handleGetProgram)
	s.router = router
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics exporter disabled"})
		return
	}
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run in progress"})
		return
	}
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleListPrograms(c *gin.Context) {
	version := 0
	if s.tracker != nil {
		version = s.tracker.Snapshot().Version
	}
	if v := c.Query("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a non-negative integer"})
			return
		}
		version = n
	}
	limit := defaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	programs, err := s.store.GetPrograms(c.Request.Context(), version, limit)
	if err != nil {
		s.logger.Error("list programs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list programs"})
		return
	}
	if programs == nil {
		programs = []*program.Program{}
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "count": len(programs), "programs": programs})
}

func (s *Server) handleGetProgram(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateProgramID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.store.GetProgram(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "program not found"})
		return
	}
	if err != nil {
		s.logger.Error("get program failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get program"})
		return
	}
	c.JSON(http.StatusOK, p)
}
