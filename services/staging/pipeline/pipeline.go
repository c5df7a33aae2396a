// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one staging pass over one case:
// resolve, stage, transform, plan, commit, guard, record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/resolver"
	"github.com/AleutianAI/casestage/services/staging/runlock"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
	"github.com/AleutianAI/casestage/services/staging/stager"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

// Result is the outcome of a run.
type Result struct {
	Manifest runmanifest.Manifest
	// ManifestPath is where the manifest was stored; empty when it went to
	// stdout or could not be written.
	ManifestPath string
	// Plan is the final plan, nil when planning was not reached.
	Plan *commit.Plan
	Err  error
}

// ExitCode maps the result onto the process exit code.
func (r *Result) ExitCode() int {
	return failure.ExitCode(r.Err)
}

type runner struct {
	opts   Options
	cc     casectx.CaseContext
	rec    *runmanifest.Recorder
	logger *slog.Logger
	tracer *telemetry.Tracer

	lock *runlock.Lock
	ws   *stager.Workspace
	plan *commit.Plan

	// caseExisted records whether the case directory was there before the
	// run touched anything.
	caseExisted bool
}

// Run executes one run and always returns a Result.
//
// # Description
//
// The stages run strictly in order and the first failure ends the run:
//
//  1. Validate options.
//  2. Resolve each slot that is not skipped. Nothing is written yet.
//  3. Create the case directory and take the case lock (real runs only).
//  4. Stage resolved inputs into a run workspace, in parallel when asked.
//  5. Transform each staged artifact.
//  6. Plan destinations. A dry run stops here.
//  7. Commit. Any failed entry skips the guard.
//  8. Repair the layout.
//
// The workspace is removed after success and preserved after failure.
// A manifest is written in every case where the case directory exists,
// including after a recovered panic. A run that fails with an exit code 2
// class on a case directory that did not exist beforehand leaves no trace
// in the tree: what it created is removed and the manifest goes to
// ManifestOut or Stderr.
//
// # Outputs
//
//   - *Result: The manifest and the classified error, if any.
func Run(ctx context.Context, opts Options) *Result {
	opts.setDefaults()
	started := opts.Now()

	mode := runmanifest.ModeRun
	if opts.DryRun {
		mode = runmanifest.ModeDryRun
	}

	r := &runner{
		opts:   opts,
		logger: opts.Logger.With("run_id", opts.RunID, "case_id", opts.CaseID),
		tracer: opts.Tracer,
	}

	cc, ccErr := casectx.New(opts.Root, opts.CaseID, opts.Layout)
	r.cc = cc
	caseID, caseDir := opts.CaseID, ""
	if ccErr == nil {
		caseID, caseDir = cc.CaseID(), cc.CaseDir()
		r.caseExisted = isDir(caseDir)
	}
	r.rec = runmanifest.NewRecorder(opts.RunID, caseID, caseDir, mode, started)
	r.rec.SetConfig(opts.Config)

	ctx, span := r.tracer.Start(ctx, "run",
		attribute.String("run_id", opts.RunID),
		attribute.String("case_id", opts.CaseID),
		attribute.Bool("dry_run", opts.DryRun),
	)

	err := ccErr
	if err == nil {
		err = r.run(ctx)
		if r.discardable(err) {
			// Succeeds only when the run left the directory empty.
			_ = os.Remove(caseDir)
		}
	}
	r.tracer.End(span, err)

	if err != nil {
		r.rec.Fail(err)
		r.logger.Error("run failed",
			"class", string(failure.ClassOf(err)),
			"error", err,
		)
	}
	m := r.rec.Finish(err, opts.Now())
	res := &Result{Manifest: m, Plan: r.plan, Err: err}

	if ccErr == nil {
		path, werr := r.emitManifest(m)
		res.ManifestPath = path
		if werr != nil {
			r.logger.Error("writing manifest failed", "error", werr)
			if res.Err == nil {
				res.Err = failure.New(failure.ClassProcessing, "manifest", path, werr)
			}
		}
	}

	telemetry.RecordRun(ctx, mode, string(failure.ClassOf(res.Err)), opts.Now().Sub(started))
	r.logger.Info("run finished",
		"mode", mode,
		"class", string(failure.ClassOf(res.Err)),
		"exit_code", res.ExitCode(),
		"manifest", res.ManifestPath,
	)
	return res
}

// run owns the lock and workspace lifetimes around the guarded steps.
func (r *runner) run(ctx context.Context) error {
	err := r.guarded(ctx)
	r.finishWorkspace(err)
	if r.lock != nil {
		if rerr := r.lock.Release(); rerr != nil {
			r.logger.Warn("releasing run lock failed", "error", rerr)
		}
	}
	return err
}

// guarded converts a panic in any step into an unexpected error.
func (r *runner) guarded(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic during run", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			err = failure.Newf(failure.ClassUnexpected, "run", "", "panic: %v", p)
		}
	}()
	return r.steps(ctx)
}

func (r *runner) steps(ctx context.Context) error {
	o := r.opts
	if err := o.validate(); err != nil {
		return err
	}
	r.logger.Info("run started",
		"case_dir", r.cc.CaseDir(),
		"dry_run", o.DryRun,
		"tie_break", string(o.TieBreak),
		"slots", o.slotsSummary(),
	)

	selected, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		r.rec.Warn("no inputs resolved; nothing to stage")
		return nil
	}

	if !o.DryRun {
		if err := r.acquireLock(); err != nil {
			return err
		}
	}

	staged, err := r.stage(ctx, selected)
	if err != nil {
		return err
	}

	outputs, err := r.transform(ctx, staged)
	if err != nil {
		return err
	}

	planner := commit.NewPlanner(r.cc,
		commit.WithMaxSuffix(o.MaxSuffix),
		commit.WithPlannerLogger(r.logger),
	)
	if err := r.planOutputs(ctx, planner, outputs); err != nil {
		return err
	}
	if o.DryRun {
		r.logger.Info("dry run: plan only, case tree untouched", "entries", len(r.plan.Entries))
		return nil
	}

	if err := r.commit(ctx, planner); err != nil {
		return err
	}
	return r.repair(ctx)
}

func (r *runner) acquireLock() error {
	if err := os.MkdirAll(r.cc.CaseDir(), 0o755); err != nil {
		return fmt.Errorf("creating case directory: %w", err)
	}
	host, _ := os.Hostname()
	lock := runlock.New(r.cc.LockPath())
	if err := lock.Acquire(runlock.Info{RunID: r.opts.RunID, Host: host}); err != nil {
		return err
	}
	r.lock = lock
	return nil
}

// selection is one resolved slot.
type selection struct {
	kind   casectx.Kind
	source string
}

func (r *runner) resolve(ctx context.Context) ([]selection, error) {
	ctx, span := r.tracer.Start(ctx, "resolve")
	var err error
	defer func() { r.tracer.End(span, err) }()

	ropts := []resolver.Option{resolver.WithLogger(r.logger)}
	for kind, pats := range r.opts.Patterns {
		ropts = append(ropts, resolver.WithPatterns(kind, pats))
	}
	res, err := resolver.New(r.cc, r.opts.TieBreak, ropts...)
	if err != nil {
		return nil, err
	}

	var out []selection
	for _, kind := range casectx.Kinds {
		slot := r.opts.Slots[kind]
		if slot.Skip {
			r.logger.Info("slot skipped", "kind", kind.String())
			continue
		}
		var resolution resolver.Resolution
		resolution, err = res.Resolve(ctx, resolver.Request{Kind: kind, Explicit: slot.Explicit, Required: slot.Required})
		r.rec.AddResolution(resolution)
		if err != nil {
			if !slot.Required && failure.ClassOf(err) == failure.ClassNotFound {
				r.rec.Warn(fmt.Sprintf("optional %s input unavailable: %v", kind, err))
				err = nil
				continue
			}
			return nil, err
		}
		if resolution.Resolved() {
			out = append(out, selection{kind: kind, source: resolution.Selected})
		}
	}

	err = checkDistinctSources(out)
	return out, err
}

// checkDistinctSources rejects one file feeding two slots, comparing by
// file identity so different spellings of one path are caught.
func checkDistinctSources(sel []selection) error {
	infos := make([]os.FileInfo, len(sel))
	for i, s := range sel {
		info, err := os.Stat(s.source)
		if err != nil {
			return fmt.Errorf("stat %s input: %w", s.kind, err)
		}
		infos[i] = info
	}
	for i := range sel {
		for j := i + 1; j < len(sel); j++ {
			if os.SameFile(infos[i], infos[j]) {
				return failure.New(failure.ClassAmbiguous, "resolve", sel[i].source,
					fmt.Errorf("the same file was resolved for %s and %s", sel[i].kind, sel[j].kind),
					sel[i].source, sel[j].source)
			}
		}
	}
	return nil
}

func (r *runner) workspaceParent() (string, error) {
	if !r.opts.DryRun {
		return r.cc.ScratchDir(), nil
	}
	// A dry run keeps its workspace outside the case tree.
	dir, err := os.MkdirTemp("", "casestage-dryrun-")
	if err != nil {
		return "", fmt.Errorf("dry-run workspace: %w", err)
	}
	return dir, nil
}

func (r *runner) stage(ctx context.Context, sel []selection) ([]*stager.Staged, error) {
	ctx, span := r.tracer.Start(ctx, "stage", attribute.Int("inputs", len(sel)), attribute.Bool("parallel", r.opts.Parallel))
	var err error
	defer func() { r.tracer.End(span, err) }()

	parent, err := r.workspaceParent()
	if err != nil {
		return nil, err
	}
	r.ws, err = stager.NewWorkspace(parent, r.opts.RunID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("workspace created", "dir", r.ws.Dir())

	st := stager.New(r.ws,
		stager.WithLimits(r.opts.Limits),
		stager.WithAttempts(r.opts.StageAttempts),
		stager.WithSourceWatch(r.opts.SourceWatch),
		stager.WithLogger(r.logger),
	)

	staged := make([]*stager.Staged, len(sel))
	one := func(ctx context.Context, i int) error {
		s, err := st.Stage(ctx, sel[i].kind, sel[i].source)
		if err != nil {
			r.rec.AddStageFailure(sel[i].kind, sel[i].source, err)
			return err
		}
		staged[i] = s
		return nil
	}

	if r.opts.Parallel && len(sel) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range sel {
			g.Go(func() error { return one(gctx, i) })
		}
		err = g.Wait()
	} else {
		for i := range sel {
			if err = one(ctx, i); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	for _, s := range staged {
		r.rec.AddStaged(s, r.opts.Transformer.Name())
	}
	return staged, nil
}

func (r *runner) transform(ctx context.Context, staged []*stager.Staged) ([]transform.Output, error) {
	ctx, span := r.tracer.Start(ctx, "transform", attribute.String("transformer", r.opts.Transformer.Name()))
	var err error
	defer func() { r.tracer.End(span, err) }()

	outputs := make([]transform.Output, 0, len(staged))
	for _, s := range staged {
		var out transform.Output
		out, err = transform.Apply(ctx, r.opts.Transformer, s, r.opts.TransformTimeout)
		if err != nil {
			return nil, err
		}
		for _, w := range out.Warnings {
			r.rec.Warn(fmt.Sprintf("%s transform: %s", s.Artifact.Kind, w))
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (r *runner) planOutputs(ctx context.Context, planner *commit.Planner, outputs []transform.Output) error {
	ctx, span := r.tracer.Start(ctx, "plan")
	plan, err := planner.Plan(ctx, outputs)
	r.tracer.End(span, err)
	if err != nil {
		return err
	}
	r.plan = plan
	r.rec.SetPlan(plan)
	return nil
}

func (r *runner) commit(ctx context.Context, planner *commit.Planner) error {
	ctx, span := r.tracer.Start(ctx, "commit", attribute.Int("entries", len(r.plan.Entries)))
	err := commit.NewCommitter(planner, commit.WithCommitterLogger(r.logger)).Execute(ctx, r.plan)
	r.tracer.End(span, err)
	r.rec.SetPlan(r.plan)
	if err != nil {
		r.logger.Warn("commit failed; layout guard skipped")
	}
	return err
}

func (r *runner) repair(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "guard")
	rep, err := guard.New(r.cc, r.logger).Repair(ctx)
	r.tracer.End(span, err)
	r.rec.SetGuard(rep)
	for _, n := range rep.Notes {
		r.rec.Warn(n)
	}
	return err
}

// finishWorkspace removes the workspace after success and keeps it, with
// the reason, after failure or when asked to.
func (r *runner) finishWorkspace(runErr error) {
	if r.ws == nil {
		return
	}
	var reason string
	switch {
	case r.discardable(runErr):
	case runErr != nil:
		reason = runErr.Error()
	case r.opts.KeepScratch:
		reason = "kept on request"
	}
	if reason == "" {
		if err := r.ws.Cleanup(); err != nil {
			r.rec.Warn(err.Error())
			r.logger.Warn("workspace cleanup failed", "error", err)
		}
		return
	}
	if err := r.ws.Preserve(reason); err != nil {
		r.logger.Warn("writing preservation marker failed", "error", err)
	}
	r.rec.Warn("workspace preserved at " + r.ws.Dir())
	r.logger.Info("workspace preserved", "dir", r.ws.Dir(), "reason", reason)
}

// emitManifest stores the manifest: in the case for a real run, on stdout
// or ManifestOut for a dry run.
func (r *runner) emitManifest(m runmanifest.Manifest) (string, error) {
	if r.opts.DryRun {
		if r.opts.ManifestOut != "" {
			return r.opts.ManifestOut, runmanifest.WriteFile(r.opts.ManifestOut, m)
		}
		return "", runmanifest.Encode(r.opts.Stdout, m)
	}

	if !r.caseExisted && m.Exit.Code == failure.ExitValidation {
		r.logger.Warn("case directory did not exist before a rejected run; manifest not stored in the case",
			"case_dir", r.cc.CaseDir())
		if r.opts.ManifestOut != "" {
			return r.opts.ManifestOut, runmanifest.WriteFile(filepath.Clean(r.opts.ManifestOut), m)
		}
		return "", runmanifest.Encode(r.opts.Stderr, m)
	}
	if _, err := os.Stat(r.cc.CaseDir()); errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("case directory missing; manifest not stored", "case_dir", r.cc.CaseDir())
		return "", nil
	}
	path, err := runmanifest.Write(r.cc.ManifestsDir(), m)
	if err != nil {
		return "", err
	}
	if r.opts.ManifestOut != "" {
		if err := runmanifest.WriteFile(filepath.Clean(r.opts.ManifestOut), m); err != nil {
			return path, err
		}
	}
	return path, nil
}

// discardable reports whether err rejects the run before it had any right
// to touch the tree: an exit code 2 class on a case that did not exist.
func (r *runner) discardable(err error) bool {
	return err != nil && !r.opts.DryRun && !r.caseExisted && failure.ExitCode(err) == failure.ExitValidation
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
