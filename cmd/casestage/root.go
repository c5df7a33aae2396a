// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/casestage/pkg/logging"
	"github.com/AleutianAI/casestage/pkg/ux"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel        string
	jsonLogs        bool
	otelStdout      bool
	metricsTextfile string
	output          string
}

// app carries process-wide state between cobra hooks and commands. It is
// built per execute call; nothing lives in package variables.
type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer

	level    logging.Level
	jsonLogs bool
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	shutdown func(context.Context) error
}

// reportedError marks an error already rendered to the user.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return failure.ExitSuccess
	}

	var fe *failure.Error
	if !errors.As(err, &fe) {
		// Anything cobra rejects before a command runs is a usage error.
		err = failure.New(failure.ClassValidation, "usage", "", err)
	}
	var rep reportedError
	if !errors.As(err, &rep) {
		a.printer(stderr).Error(err.Error())
		for _, d := range failure.DetailsOf(err) {
			fmt.Fprintf(stderr, "  %s\n", d)
		}
	}
	return failure.ExitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "casestage",
		Short: "Stage clinical case inputs into the canonical case layout",
		Long: `casestage finds the imaging, treatment and report inputs of a case,
copies and verifies them in a scratch workspace, and commits them into the
case directory without ever overwriting existing content.

Exit codes: 0 success, 2 invalid input or missing required input,
3 processing failure, 4 unexpected error.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context(), cmd.Flags().Changed("json-logs"))
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return failure.New(failure.ClassValidation, "flags", "", err)
	})

	f := root.PersistentFlags()
	f.StringVar(&a.flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.BoolVar(&a.flags.jsonLogs, "json-logs", false, "write console logs as JSON (default when stderr is not a terminal)")
	f.BoolVar(&a.flags.otelStdout, "otel-stdout", false, "export OpenTelemetry spans and metrics to stderr")
	f.StringVar(&a.flags.metricsTextfile, "metrics-textfile", "", "write Prometheus textfile metrics for the run to this path")
	f.StringVar(&a.flags.output, "output", "", "report style: full, minimal or machine (default: detect)")

	root.AddCommand(newRunCmd(a), newGuardCmd(a), newSelfTestCmd(a), newConfigCmd(a))
	return root
}

// setup builds the console logger and, when asked, the telemetry SDK.
func (a *app) setup(ctx context.Context, jsonChanged bool) error {
	level, err := logging.ParseLevel(a.flags.logLevel)
	if err != nil {
		return failure.New(failure.ClassValidation, "flags", "", err)
	}
	a.level = level
	a.jsonLogs = a.flags.jsonLogs
	if !jsonChanged {
		a.jsonLogs = logging.PreferJSON(a.stderr)
	}
	a.logger, _ = logging.New(a.consoleConfig())

	if a.flags.otelStdout {
		shutdown, err := telemetry.Setup(ctx, telemetry.Options{
			ServiceName: "casestage",
			Version:     version,
			Writer:      a.stderr,
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			return failure.New(failure.ClassValidation, "telemetry", "", err)
		}
		a.shutdown = shutdown
	}
	a.tracer = telemetry.NewTracer(a.logger.Slog(), a.flags.otelStdout)
	return nil
}

func (a *app) consoleConfig() logging.Config {
	return logging.Config{
		Level:   a.level,
		Service: "casestage",
		JSON:    a.jsonLogs,
		Writer:  a.stderr,
	}
}

// runLogger returns a logger writing to the console and, as JSON, to path.
// The caller closes it. When the file cannot be opened the console logger
// is returned after a warning.
func (a *app) runLogger(path string) *logging.Logger {
	cfg := a.consoleConfig()
	cfg.FilePath = path
	logger, err := logging.New(cfg)
	if err != nil {
		a.logger.Warn("run log file unavailable", "path", path, "error", err)
		return a.logger
	}
	return logger
}

func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

func (a *app) printer(w io.Writer) *ux.Printer {
	level := ux.DetectPersonality(w)
	if a.flags.output != "" {
		level = ux.ParsePersonalityLevel(a.flags.output)
	}
	return ux.NewPrinter(w, level)
}

// writeMetrics exports the run outcome for the node exporter textfile
// collector when --metrics-textfile is set.
func (a *app) writeMetrics(m runmanifest.Manifest, d time.Duration) {
	if a.flags.metricsTextfile == "" {
		return
	}
	entries := make(map[string]int)
	for _, e := range m.Plan {
		entries[string(e.Status)]++
	}
	err := telemetry.WriteTextfile(a.flags.metricsTextfile, telemetry.RunSummary{
		CaseID:   m.CaseID,
		Mode:     m.Mode,
		Class:    string(m.Exit.Classification),
		ExitCode: m.Exit.Code,
		Finished: m.FinishedAt,
		Duration: d,
		Entries:  entries,
	})
	if err != nil {
		a.logger.Warn("writing metrics textfile failed", "path", a.flags.metricsTextfile, "error", err)
	}
}
