// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()
	assert.Equal(t, "search", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	assert.Equal(t, 0.25, DefaultConfig().TraceSampleRatio)
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "lots")
	assert.Equal(t, 1.0, DefaultConfig().TraceSampleRatio)
}

func TestTraceSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), traceSampler(1).Description())
	assert.Contains(t, traceSampler(0.5).Description(), "TraceIDRatioBased{0.5}")
	assert.Contains(t, traceSampler(0.5).Description(), "ParentBased")
}

func TestInit_StdoutTracer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoneExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg.TraceExporter = "none"
	cfg.MetricExporter = "carrier-pigeon"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusServesMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	h := MetricsHandler()
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.IterationsTotal.Add(ctx, 2)
	m.RecordTokens(ctx, 10, 5)
	m.HoldoutValue.Record(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	assert.True(t, names["search_iterations_total"])
	assert.True(t, names["search_sampler_tokens_total"])
	assert.True(t, names["search_holdout_value"])
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	require.NotNil(t, m)
	m.PersistedTotal.Add(context.Background(), 1)
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), base).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	LoggerWithTrace(ctx, base).Info("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), "span_id")
}

func TestRecordError_NilSafe(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop")
	RecordError(span, nil)
	RecordError(nil, io.EOF)
	span.End()
}

func TestInfluxRecorder_WritesPoint(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, query = string(data), r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec, err := NewInfluxRecorder(InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"})
	require.NoError(t, err)
	defer rec.Close()

	p := &program.Program{
		ID:           "abc",
		ParentID:     "root",
		Version:      3,
		Value:        program.Float(1.5),
		RawReward:    program.Float(2),
		HoldoutValue: program.Float(0.5),
		TokenUsage:   30,
		Meta:         map[string]any{"run_id": "r1"},
		CreatedAt:    time.Unix(1700000000, 0),
	}
	require.NoError(t, rec.Record(context.Background(), p))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, query, "bucket=b")
	assert.Contains(t, query, "org=o")
	assert.True(t, strings.HasPrefix(body, "search_programs,"))
	for _, part := range []string{"program_id=abc", "parent_id=root", "run_id=r1", "version=3", "value=1.5", "raw_reward=2", "holdout_value=0.5", "token_usage=30i"} {
		assert.Contains(t, body, part)
	}
}

func TestInfluxRecorder_RequiresURL(t *testing.T) {
	_, err := NewInfluxRecorder(InfluxConfig{})
	assert.Error(t, err)
	assert.False(t, InfluxConfig{}.Enabled())
}

func TestNopRecorder(t *testing.T) {
	var r RewardRecorder = NopRecorder{}
	assert.NoError(t, r.Record(context.Background(), &program.Program{}))
	r.Close()
}
