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
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrNilContext is returned when Setup is called with a nil context.
var ErrNilContext = errors.New("telemetry: nil context")

// Options controls the SDK installed by Setup.
type Options struct {
	// ServiceName identifies the process in exported telemetry.
	ServiceName string

	// Version is recorded as service.version.
	Version string

	// Writer receives exported spans and metrics. Defaults to os.Stderr so
	// that a manifest printed on stdout stays parseable.
	Writer io.Writer

	// Traces installs a span exporter.
	Traces bool

	// Metrics installs a periodic metric reader.
	Metrics bool
}

// Setup installs OpenTelemetry providers that export to a writer.
//
// # Description
//
// A CLI run is short-lived, so only the stdout exporters are offered: the
// spans and the final metric snapshot are printed when shutdown runs.
// When neither Traces nor Metrics is set the global providers are left as
// the no-op defaults.
//
// # Outputs
//
//   - shutdown: Flushes and stops the installed providers. Always non-nil.
//   - error: Non-nil if an exporter could not be created.
//
// # Thread Safety
//
// Call once at startup.
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "casestage"
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFuncs[i](ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.Version),
	)

	if opts.Traces {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			return shutdown, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if opts.Metrics {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return shutdown, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}
