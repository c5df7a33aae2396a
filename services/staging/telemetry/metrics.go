// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the OpenTelemetry instruments and tracer used by
// the staging components, the optional SDK wiring for the CLI, and the
// Prometheus textfile written at the end of a run.
//
// Instruments record through the global otel providers. Until Setup
// installs an SDK they are no-ops.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "casestage.staging"

// Metric instruments for staging operations.
var (
	stageTotal     metric.Int64Counter
	stageBytes     metric.Int64Counter
	commitTotal    metric.Int64Counter
	guardChanges   metric.Int64Counter
	guardIssues    metric.Int64Counter
	runTotal       metric.Int64Counter
	runDuration    metric.Float64Histogram
	transformTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error

		if stageTotal, err = meter.Int64Counter("casestage_stage_total",
			metric.WithDescription("Artifacts staged, by kind and outcome")); err != nil {
			metricsErr = err
			return
		}
		if stageBytes, err = meter.Int64Counter("casestage_stage_bytes_total",
			metric.WithDescription("Source bytes copied into workspaces"),
			metric.WithUnit("By")); err != nil {
			metricsErr = err
			return
		}
		if commitTotal, err = meter.Int64Counter("casestage_commit_total",
			metric.WithDescription("Commit plan entries, by kind, resolution and status")); err != nil {
			metricsErr = err
			return
		}
		if guardChanges, err = meter.Int64Counter("casestage_guard_changes_total",
			metric.WithDescription("Layout repairs applied by the guard")); err != nil {
			metricsErr = err
			return
		}
		if guardIssues, err = meter.Int64Counter("casestage_guard_issues_total",
			metric.WithDescription("Unrepairable layout issues reported by the guard")); err != nil {
			metricsErr = err
			return
		}
		if transformTotal, err = meter.Int64Counter("casestage_transform_total",
			metric.WithDescription("Transform collaborator invocations, by kind and outcome")); err != nil {
			metricsErr = err
			return
		}
		if runTotal, err = meter.Int64Counter("casestage_run_total",
			metric.WithDescription("Runs, by mode and outcome class")); err != nil {
			metricsErr = err
			return
		}
		if runDuration, err = meter.Float64Histogram("casestage_run_duration_seconds",
			metric.WithDescription("Run duration in seconds"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func ready() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

// RecordStage records one staging outcome.
func RecordStage(ctx context.Context, kind, status string, bytes int64) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	stageTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		stageBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordCommit records one plan entry outcome.
func RecordCommit(ctx context.Context, kind, resolution, status string) {
	if !ready() {
		return
	}
	commitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("resolution", resolution),
		attribute.String("status", status),
	))
}

// RecordGuard records one guard pass.
func RecordGuard(ctx context.Context, mode string, changes, issues int) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	guardChanges.Add(ctx, int64(changes), attrs)
	guardIssues.Add(ctx, int64(issues), attrs)
}

// RecordTransform records one transform invocation.
func RecordTransform(ctx context.Context, kind, status string) {
	if !ready() {
		return
	}
	transformTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordRun records a finished run.
func RecordRun(ctx context.Context, mode, class string, d time.Duration) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("class", class))
	runTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, d.Seconds(), attrs)
}
