// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/runlock"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// GuardOptions configures a standalone guard pass.
type GuardOptions struct {
	Root   string
	CaseID string
	Layout casectx.Layout
	// Fix repairs drift; otherwise the pass is read-only.
	Fix    bool
	RunID  string
	Config any
	Logger *slog.Logger
	Tracer *telemetry.Tracer
	Now    func() time.Time
}

// RunGuard checks or repairs one case outside a staging run.
//
// # Description
//
// A check never writes: it takes no lock and stores no manifest, and a
// drifted case fails with a processing error listing the pending changes.
// A repair holds the run lock and stores a guard manifest in the case.
func RunGuard(ctx context.Context, opts GuardOptions) *Result {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewTracer(opts.Logger, false)
	}
	if opts.Layout == (casectx.Layout{}) {
		opts.Layout = casectx.DefaultLayout()
	}
	started := opts.Now()
	if opts.RunID == "" {
		opts.RunID = NewRunID(started)
	}
	logger := opts.Logger.With("run_id", opts.RunID, "case_id", opts.CaseID)

	cc, err := casectx.New(opts.Root, opts.CaseID, opts.Layout)
	rec := runmanifest.NewRecorder(opts.RunID, opts.CaseID, cc.CaseDir(), runmanifest.ModeGuard, started)
	rec.SetConfig(opts.Config)

	ctx, span := opts.Tracer.Start(ctx, "guard", attribute.Bool("fix", opts.Fix))
	if err == nil {
		var rep guard.Report
		rep, err = guardPass(ctx, cc, opts, logger)
		if rep.Mode != "" {
			rec.SetGuard(rep)
		}
	}
	opts.Tracer.End(span, err)

	if err != nil {
		rec.Fail(err)
		logger.Error("guard failed", "class", string(failure.ClassOf(err)), "error", err)
	}
	res := &Result{Manifest: rec.Finish(err, opts.Now()), Err: err}

	if opts.Fix && res.Manifest.Guard != nil {
		path, werr := runmanifest.Write(cc.ManifestsDir(), res.Manifest)
		res.ManifestPath = path
		if werr != nil && res.Err == nil {
			res.Err = failure.New(failure.ClassProcessing, "manifest", path, werr)
		}
	}
	telemetry.RecordRun(ctx, runmanifest.ModeGuard, string(failure.ClassOf(res.Err)), opts.Now().Sub(started))
	return res
}

func guardPass(ctx context.Context, cc casectx.CaseContext, opts GuardOptions, logger *slog.Logger) (guard.Report, error) {
	g := guard.New(cc, logger)
	if !opts.Fix {
		rep, err := g.Check(ctx)
		if err != nil || rep.Status != guard.StatusDrifted {
			return rep, err
		}
		details := make([]string, len(rep.Changes))
		for i, c := range rep.Changes {
			details[i] = describeChange(c)
		}
		return rep, failure.New(failure.ClassProcessing, "guard", cc.CaseDir(),
			fmt.Errorf("layout drifted: %d pending change(s); rerun with --fix", len(rep.Changes)), details...)
	}

	if _, err := os.Stat(cc.CaseDir()); errors.Is(err, os.ErrNotExist) {
		return guard.Report{}, failure.New(failure.ClassNotFound, "guard", cc.CaseDir(), errors.New("case directory does not exist"))
	}
	lock := runlock.New(cc.LockPath())
	host, _ := os.Hostname()
	if err := lock.Acquire(runlock.Info{RunID: opts.RunID, Host: host}); err != nil {
		return guard.Report{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("releasing run lock failed", "error", err)
		}
	}()
	return g.Repair(ctx)
}

func describeChange(c guard.Change) string {
	if c.To == "" {
		return fmt.Sprintf("%s %s", c.Op, c.Path)
	}
	return fmt.Sprintf("%s %s -> %s", c.Op, c.Path, c.To)
}
