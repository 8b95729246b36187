// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
)

// RewardRecorder receives every persisted program.
type RewardRecorder interface {
	Record(ctx context.Context, p *program.Program) error
	Close()
}

// NopRecorder discards everything.
type NopRecorder struct{}

// Record implements RewardRecorder.
func (NopRecorder) Record(context.Context, *program.Program) error { return nil }

// Close implements RewardRecorder.
func (NopRecorder) Close() {}

// InfluxConfig locates the InfluxDB bucket for reward points.
type InfluxConfig struct {
	URL         string `yaml:"url" json:"url"`
	Token       string `yaml:"token" json:"-"`
	Org         string `yaml:"org" json:"org"`
	Bucket      string `yaml:"bucket" json:"bucket"`
	Measurement string `yaml:"measurement" json:"measurement"`
}

// DefaultInfluxConfig reads INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG and
// INFLUXDB_BUCKET. URL stays empty unless set, which disables the sink.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:         os.Getenv("INFLUXDB_URL"),
		Token:       os.Getenv("INFLUXDB_TOKEN"),
		Org:         getEnvOr("INFLUXDB_ORG", "search"),
		Bucket:      getEnvOr("INFLUXDB_BUCKET", "programs"),
		Measurement: "search_programs",
	}
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// InfluxRecorder writes one point per persisted program.
//
// Thread Safety: Safe for concurrent use.
type InfluxRecorder struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxRecorder connects lazily; the first Record surfaces connection errors.
func NewInfluxRecorder(cfg InfluxConfig) (*InfluxRecorder, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx url is required")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "search_programs"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxRecorder{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}, nil
}

// Record implements RewardRecorder.
func (r *InfluxRecorder) Record(ctx context.Context, p *program.Program) error {
	pt := influxdb2.NewPointWithMeasurement(r.measurement).
		AddTag("version", strconv.Itoa(p.Version)).
		AddTag("program_id", p.ID).
		AddField("token_usage", p.TokenUsage).
		AddField("messages", p.MessageCount())
	if p.ParentID != "" {
		pt.AddTag("parent_id", p.ParentID)
	}
	if runID, ok := p.Meta["run_id"].(string); ok && runID != "" {
		pt.AddTag("run_id", runID)
	}
	if p.Value != nil {
		pt.AddField("value", *p.Value)
	}
	if p.RawReward != nil {
		pt.AddField("raw_reward", *p.RawReward)
	}
	if p.HoldoutValue != nil {
		pt.AddField("holdout_value", *p.HoldoutValue)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pt.SetTime(created)

	if err := r.writeAPI.WritePoint(ctx, pt); err != nil {
		return fmt.Errorf("write influx point: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *InfluxRecorder) Close() {
	r.client.Close()
}
