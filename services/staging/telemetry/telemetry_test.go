// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Record* Tests
// =============================================================================

func TestRecord_NoPanicWithoutSDK(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordStage(ctx, "mri", "ok", 1024)
		RecordCommit(ctx, "mri", "new", "committed")
		RecordGuard(ctx, "repair", 2, 0)
		RecordTransform(ctx, "tdc", "ok")
		RecordRun(ctx, "run", "", time.Second)
	})
}

func TestRecord_Disabled(t *testing.T) {
	SetMetricsEnabled(false)
	defer SetMetricsEnabled(true)
	assert.NotPanics(t, func() {
		RecordStage(context.Background(), "pdf", "ok", 1)
	})
}

// =============================================================================
// Tracer Tests
// =============================================================================

func TestTracer_DisabledReturnsNoopSpan(t *testing.T) {
	tr := NewTracer(nil, false)
	ctx, span := tr.Start(context.Background(), "resolve")
	require.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	tr.End(span, errors.New("boom"))
}

func TestTracer_NilIsUsable(t *testing.T) {
	var tr *Tracer
	_, span := tr.Start(context.Background(), "commit")
	assert.NotPanics(t, func() { tr.End(span, nil) })
}

// =============================================================================
// Setup Tests
// =============================================================================

func TestSetup_StdoutExporters(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Options{Writer: &buf, Traces: true, Metrics: true})
	require.NoError(t, err)

	tr := NewTracer(nil, true)
	_, span := tr.Start(context.Background(), "stage")
	tr.End(span, nil)
	RecordRun(context.Background(), "run", "", 10*time.Millisecond)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "staging.stage")
}

func TestSetup_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Setup(nil, Options{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestSetup_NothingEnabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

// =============================================================================
// WriteTextfile Tests
// =============================================================================

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casestage.prom")
	err := WriteTextfile(path, RunSummary{
		CaseID:   "017_01-474",
		Mode:     "run",
		Class:    "none",
		ExitCode: 0,
		Finished: time.Unix(1700000000, 0),
		Duration: 1500 * time.Millisecond,
		Entries:  map[string]int{"committed": 3, "duplicate": 1},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `casestage_last_run_success{case_id="017_01-474",mode="run"} 1`)
	assert.Contains(t, text, `casestage_last_run_duration_seconds{case_id="017_01-474",mode="run"} 1.5`)
	assert.Contains(t, text, `casestage_last_run_plan_entries{case_id="017_01-474",mode="run",status="committed"} 3`)
	assert.Contains(t, text, `casestage_last_run_plan_entries{case_id="017_01-474",mode="run",status="duplicate"} 1`)
}
