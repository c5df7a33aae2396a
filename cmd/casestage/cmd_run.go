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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/casestage/cmd/casestage/config"
	"github.com/AleutianAI/casestage/pkg/logging"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/pipeline"
	"github.com/AleutianAI/casestage/services/staging/resolver"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

type runFlags struct {
	root   string
	caseID string
	inputs map[casectx.Kind]*string
	skip   map[casectx.Kind]*bool

	configPath       string
	dryRun           bool
	selfTest         bool
	tieBreak         string
	requirePDF       bool
	transformCmd     string
	transformTimeout time.Duration
	parallel         bool
	keepScratch      bool
	stageAttempts    int
	runID            string
	manifestOut      string
}

func newRunCmd(a *app) *cobra.Command {
	rf := &runFlags{
		inputs: make(map[casectx.Kind]*string),
		skip:   make(map[casectx.Kind]*bool),
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve, stage and commit the inputs of one case",
		Long: `run resolves the MRI export, the TDC output and the treatment report of a
case, stages copies in a scratch workspace, verifies them, and commits them
into the case layout. Existing files are never overwritten: identical
content is recorded as a duplicate and different content gets a _N suffix.

Inputs are discovered under <root>/<case>/incoming and <root>/incoming
unless given explicitly. Quoted and padded paths are accepted.`,
		Example: `  casestage run --root /data/cases --case 017_01-474
  casestage run --root /data/cases --case 017_01-474 --mri "/mnt/usb/017 MRI.zip" --skip-pdf
  casestage run --root /data/cases --case 017_01-474 --dry-run --tie-break largest`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rf.selfTest {
				return a.runSelfTest(cmd, false)
			}
			return a.runStage(cmd, rf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.root, "root", "", "directory holding the case directories")
	f.StringVar(&rf.caseID, "case", "", "case id, e.g. 017_01-474")
	for _, k := range casectx.Kinds {
		rf.inputs[k] = f.String(k.String(), "", fmt.Sprintf("explicit %s input (skips discovery)", strings.ToUpper(k.String())))
		rf.skip[k] = f.Bool("skip-"+k.String(), false, fmt.Sprintf("leave %s out of this run", strings.ToUpper(k.String())))
	}
	f.StringVar(&rf.configPath, "config", "", "YAML config file")
	f.BoolVar(&rf.dryRun, "dry-run", false, "resolve, stage and plan without writing to the case; prints the manifest")
	f.BoolVar(&rf.selfTest, "self-test", false, "run the built-in self-test instead of staging a case")
	f.StringVar(&rf.tieBreak, "tie-break", "", "pick among several candidates: newest, largest or first")
	f.BoolVar(&rf.requirePDF, "require-pdf", false, "fail when no treatment report is found")
	f.StringVar(&rf.transformCmd, "transform-cmd", "", "program (and space-separated arguments) run on each staged artifact")
	f.DurationVar(&rf.transformTimeout, "transform-timeout", 0, "time limit for one transform call")
	f.BoolVar(&rf.parallel, "parallel", false, "stage artifacts concurrently")
	f.BoolVar(&rf.keepScratch, "keep-scratch", false, "keep the scratch workspace after a successful run")
	f.IntVar(&rf.stageAttempts, "stage-attempts", 0, "copy attempts per artifact before giving up")
	f.StringVar(&rf.runID, "run-id", "", "run identifier (default: generated)")
	f.StringVar(&rf.manifestOut, "manifest-out", "", "also write the manifest to this path")
	return cmd
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return failure.Newf(failure.ClassValidation, "usage", "", "%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

// requireFlags reports every missing flag in one error.
func requireFlags(flags map[string]string) error {
	var missing []string
	for name, v := range flags {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, "--"+name)
		}
	}
	slices.Sort(missing)
	if len(missing) == 0 {
		return nil
	}
	return failure.Newf(failure.ClassValidation, "usage", "", "missing required flag(s): %s", strings.Join(missing, ", "))
}

// effectiveConfig loads the config file and applies flag overrides.
func (rf *runFlags) effectiveConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("tie-break") {
		cfg.TieBreak = rf.tieBreak
	}
	if flags.Changed("require-pdf") {
		cfg.Require.PDF = rf.requirePDF
	}
	if flags.Changed("parallel") {
		cfg.Staging.Parallel = rf.parallel
	}
	if flags.Changed("keep-scratch") {
		cfg.Staging.KeepScratch = rf.keepScratch
	}
	if flags.Changed("stage-attempts") {
		cfg.Staging.Attempts = rf.stageAttempts
	}
	if flags.Changed("transform-timeout") {
		cfg.Transform.Timeout = rf.transformTimeout
	}
	if flags.Changed("transform-cmd") {
		cfg.Transform.Command = strings.Fields(rf.transformCmd)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// options turns the effective config and flags into pipeline options.
func (rf *runFlags) options(cfg config.Config) pipeline.Options {
	slots := make(map[casectx.Kind]pipeline.Slot, len(casectx.Kinds))
	for _, k := range casectx.Kinds {
		slots[k] = pipeline.Slot{
			Explicit: *rf.inputs[k],
			Skip:     *rf.skip[k],
			Required: cfg.Required(k) && !*rf.skip[k],
		}
	}
	return pipeline.Options{
		Root:             rf.root,
		CaseID:           rf.caseID,
		Layout:           cfg.Layout,
		Slots:            slots,
		TieBreak:         resolver.TieBreak(cfg.TieBreak),
		Patterns:         cfg.KindPatterns(),
		DryRun:           rf.dryRun,
		Parallel:         cfg.Staging.Parallel,
		KeepScratch:      cfg.Staging.KeepScratch,
		StageAttempts:    cfg.Staging.Attempts,
		SourceWatch:      cfg.Staging.SourceWatch,
		Limits:           cfg.Limits(),
		MaxSuffix:        cfg.Commit.MaxSuffix,
		RunID:            rf.runID,
		TransformTimeout: cfg.Transform.Timeout,
		ManifestOut:      rf.manifestOut,
		Config:           cfg,
	}
}

func (a *app) runStage(cmd *cobra.Command, rf *runFlags) error {
	if err := requireFlags(map[string]string{"root": rf.root, "case": rf.caseID}); err != nil {
		return err
	}
	cfg, err := rf.effectiveConfig(cmd.Flags())
	if err != nil {
		return err
	}
	opts := rf.options(cfg)
	if opts.RunID == "" {
		opts.RunID = pipeline.NewRunID(time.Now())
	}
	opts.Stdout = a.stdout
	opts.Stderr = a.stderr

	// A real run also logs into the case so the log travels with it. A new
	// case logs to a temp file first, moved in once the run is accepted.
	logger := a.logger
	var runLog *caseRunLog
	if !opts.DryRun {
		if cc, err := casectx.New(opts.Root, opts.CaseID, opts.Layout); err == nil {
			runLog = newCaseRunLog(cc, opts.RunID)
			runLogger := a.runLogger(runLog.writePath())
			if runLogger != a.logger {
				runLog.logger = runLogger
				logger = runLogger
			}
		}
	}
	opts.Logger = logger.Slog()
	opts.Tracer = a.tracer
	if len(cfg.Transform.Command) > 0 {
		opts.Transformer = transform.Command{
			Program: cfg.Transform.Command[0],
			Args:    cfg.Transform.Command[1:],
			CaseID:  strings.TrimSpace(opts.CaseID),
			Logger:  opts.Logger,
		}
	}

	started := time.Now()
	res := pipeline.Run(cmd.Context(), opts)
	a.writeMetrics(res.Manifest, time.Since(started))
	if runLog != nil {
		runLog.finish(a.logger, res.ExitCode())
	}

	// The dry-run manifest owns stdout unless it went to a file.
	out := a.stdout
	if opts.DryRun && opts.ManifestOut == "" {
		out = a.stderr
	}
	renderRun(a.printer(out), res, opts.DryRun)
	if res.Err != nil {
		return reportedError{res.Err}
	}
	return nil
}

func runLogName(caseID, runID string) string {
	return caseID + "__" + runID + ".log"
}

// caseRunLog places a run's log file inside the case. When the case
// directory does not exist yet the log is written to the OS temp dir and
// moved into the case only if the run was accepted, so a rejected run on
// a mistyped case id creates nothing.
type caseRunLog struct {
	final   string
	temp    string
	caseDir string
	logger  *logging.Logger
}

func newCaseRunLog(cc casectx.CaseContext, runID string) *caseRunLog {
	l := &caseRunLog{
		final:   filepath.Join(cc.LogsDir(), runLogName(cc.CaseID(), runID)),
		caseDir: cc.CaseDir(),
	}
	if !dirExists(cc.CaseDir()) {
		l.temp = filepath.Join(os.TempDir(), "casestage", runLogName(cc.CaseID(), runID))
	}
	return l
}

func (l *caseRunLog) writePath() string {
	if l.temp != "" {
		return l.temp
	}
	return l.final
}

// finish closes the log and, for a log kept in the temp dir, moves it into
// the case or drops it.
func (l *caseRunLog) finish(console *logging.Logger, exitCode int) {
	if l.logger == nil {
		return
	}
	if err := l.logger.Close(); err != nil {
		console.Warn("closing run log failed", "error", err)
	}
	if l.temp == "" {
		return
	}
	defer os.Remove(l.temp)
	if exitCode == failure.ExitValidation || !dirExists(l.caseDir) {
		return
	}
	if err := moveFile(l.temp, l.final); err != nil {
		console.Warn("moving run log into the case failed", "path", l.final, "error", err)
	}
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
