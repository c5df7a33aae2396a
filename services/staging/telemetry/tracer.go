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
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer creates spans for run phases.
//
// # Description
//
// Wraps the global OpenTelemetry tracer. When disabled it hands out noop
// spans so callers never branch on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. A nil logger discards debug output.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracer{
		tracer:  otel.Tracer(instrumentationName),
		logger:  logger,
		enabled: enabled,
	}
}

// Start opens a span named "staging.<phase>".
func (t *Tracer) Start(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "staging."+phase,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "phase started", slog.String("phase", phase))
	return ctx, span
}

// End closes span, recording err when non-nil.
func (t *Tracer) End(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
