// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selftest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/pipeline"
	"github.com/AleutianAI/casestage/services/staging/resolver"
)

// permCaseID is the case used by the input permutations.
const permCaseID = "093_01-098"

// discoveryCaseID is the case used by discovery scenarios. Its MRI
// candidates are spelled with different separators.
const discoveryCaseID = "017_01-474"

// env is shared by all scenarios of one self-test.
type env struct {
	root   string
	fx     Fixtures
	runID  string
	logger *slog.Logger
}

// scenario is one self-contained check. A nil error is a pass.
type scenario struct {
	name string
	run  func(ctx context.Context, e *env) error
}

func (e *env) dir(name string) string {
	return filepath.Join(e.root, "scenarios", name)
}

// options returns pipeline options for a case below dir.
func (e *env) options(dir, caseID, name string) pipeline.Options {
	return pipeline.Options{
		Root:        filepath.Join(dir, "out"),
		CaseID:      caseID,
		TieBreak:    resolver.TieBreakLargest,
		SourceWatch: true,
		RunID:       e.runID + "_" + name,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		Logger:      e.logger,
	}
}

func explicitSlots(mri, tdc, pdf string) map[casectx.Kind]pipeline.Slot {
	return map[casectx.Kind]pipeline.Slot{
		casectx.KindMRI: {Explicit: mri, Required: true},
		casectx.KindTDC: {Explicit: tdc, Required: true},
		casectx.KindPDF: {Explicit: pdf, Required: true},
	}
}

// permutation is one set of awkward input file names.
type permutation struct {
	mri, tdc, pdf string
}

var permutations = []permutation{
	{"MRI_093_01-098.zip", "TDC_093_01-098.zip", "Treatment Report (v2) 093_01-098.pdf"},
	{"MR_093-01-098.ZIP", "tdc-093-01_098.ZIP.ZIP", "Treatment Report (v2) 093_01-098.pdf"},
	{"scan.export.MR_093_01_098.v2.zip", "MR_TDC_093_01-098.zip", "Treatment Report (v2) 093_01-098.pdf"},
	{"tdc_MR_confuser_093_01-098.zip.zip", "TDC_093_01-098.zip", "Treatment Report (v2) 093_01-098.pdf"},
}

// Path variants: as typed, and quoted with padding as pasted from a shell.
const (
	variantRaw    = "raw"
	variantQuoted = "quoted_padded"
)

func applyVariant(p, variant string) string {
	if variant == variantQuoted {
		return ` "` + p + `" `
	}
	return p
}

func scenarios() []scenario {
	var out []scenario
	for i, p := range permutations {
		for _, v := range []string{variantRaw, variantQuoted} {
			out = append(out, permutationScenario(i+1, p, v))
		}
	}
	out = append(out,
		scenario{name: "rerun_duplicate", run: rerunDuplicate},
		scenario{name: "guard_fixpoint", run: guardFixpoint},
		scenario{name: "dry_run_purity", run: dryRunPurity},
		scenario{name: "zip_slip", run: zipSlip},
		negativeScenario("wrong_content", failure.ClassValidation, func(e *env, dir string) (string, error) {
			p := filepath.Join(dir, "inputs", "bad_mri.rar")
			return p, copyFile(e.fx.NotZip, p)
		}),
		negativeScenario("missing_file", failure.ClassNotFound, func(_ *env, dir string) (string, error) {
			return filepath.Join(dir, "inputs", "missing.zip"), nil
		}),
		negativeScenario("empty_path", failure.ClassValidation, func(_ *env, _ string) (string, error) {
			return ` "" `, nil
		}),
		negativeScenario("directory_path", failure.ClassValidation, func(_ *env, dir string) (string, error) {
			p := filepath.Join(dir, "inputs")
			return p, os.MkdirAll(p, 0o755)
		}),
	)
	return out
}

// placeInputs copies the MRI, TDC and PDF fixtures under names into a
// directory whose name has spaces and quotes.
func (e *env) placeInputs(dir string, p permutation) (mri, tdc, pdf string, err error) {
	inputs := filepath.Join(dir, "input files", "O'Neil export")
	mri = filepath.Join(inputs, p.mri)
	tdc = filepath.Join(inputs, p.tdc)
	pdf = filepath.Join(inputs, p.pdf)
	for src, dst := range map[string]string{e.fx.MRI: mri, e.fx.TDC: tdc, e.fx.PDF: pdf} {
		if err := copyFile(src, dst); err != nil {
			return "", "", "", err
		}
	}
	return mri, tdc, pdf, nil
}

func permutationScenario(idx int, p permutation, variant string) scenario {
	name := fmt.Sprintf("perm_%02d_%s", idx, variant)
	return scenario{name: name, run: func(ctx context.Context, e *env) error {
		dir := e.dir(name)
		mri, tdc, pdf, err := e.placeInputs(dir, p)
		if err != nil {
			return err
		}
		before, err := hashAll(mri, tdc, pdf)
		if err != nil {
			return err
		}

		opts := e.options(dir, permCaseID, name)
		opts.Slots = explicitSlots(applyVariant(mri, variant), applyVariant(tdc, variant), applyVariant(pdf, variant))
		res := pipeline.Run(ctx, opts)
		if res.Err != nil {
			return res.Err
		}

		cc, err := casectx.New(opts.Root, permCaseID, casectx.DefaultLayout())
		if err != nil {
			return err
		}
		if err := verifyCanonicalCase(cc); err != nil {
			return err
		}
		want := map[casectx.Kind]string{casectx.KindMRI: mri, casectx.KindTDC: tdc, casectx.KindPDF: pdf}
		for _, r := range res.Manifest.Resolution {
			if r.Selected != want[r.Kind] {
				return fmt.Errorf("%s resolved to %q, want %q", r.Kind, r.Selected, want[r.Kind])
			}
		}
		if _, err := os.Stat(res.ManifestPath); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		after, err := hashAll(mri, tdc, pdf)
		if err != nil {
			return err
		}
		if strings.Join(before, ",") != strings.Join(after, ",") {
			return errors.New("source inputs were modified")
		}
		return nil
	}}
}

// verifyCanonicalCase checks that the case root holds exactly the
// canonical directories and the committed outputs.
func verifyCanonicalCase(cc casectx.CaseContext) error {
	l := cc.Layout()
	want := []string{l.MRI, l.TDC, l.Misc, l.Logs, l.Manifests}
	sort.Strings(want)

	entries, err := os.ReadDir(cc.CaseDir())
	if err != nil {
		return err
	}
	var got []string
	for _, ent := range entries {
		if !ent.IsDir() {
			return fmt.Errorf("unexpected file at case root: %s", ent.Name())
		}
		got = append(got, ent.Name())
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		return fmt.Errorf("case root holds %v, want %v", got, want)
	}

	for _, p := range []string{
		filepath.Join(cc.MRIDir(), cc.CaseID()+"_MRI.zip"),
		filepath.Join(cc.MiscDir(), cc.CaseID()+"_TreatmentReport.pdf"),
		filepath.Join(cc.TDCDir(), SessionName, "local.db"),
		filepath.Join(cc.SessionLogsDir(), cc.CaseID()+"_TDC_Logs", "TDCApp.log"),
	} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("missing output: %w", err)
		}
	}
	return nil
}

func hashAll(paths ...string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		h, _, err := archive.HashFile(p)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// stagedCase runs one real pass over the first permutation's inputs.
func (e *env) stagedCase(ctx context.Context, name string) (pipeline.Options, casectx.CaseContext, error) {
	dir := e.dir(name)
	mri, tdc, pdf, err := e.placeInputs(dir, permutations[0])
	if err != nil {
		return pipeline.Options{}, casectx.CaseContext{}, err
	}
	opts := e.options(dir, permCaseID, name+"_1")
	opts.Slots = explicitSlots(mri, tdc, pdf)
	if res := pipeline.Run(ctx, opts); res.Err != nil {
		return opts, casectx.CaseContext{}, res.Err
	}
	cc, err := casectx.New(opts.Root, permCaseID, casectx.DefaultLayout())
	return opts, cc, err
}

func rerunDuplicate(ctx context.Context, e *env) error {
	opts, cc, err := e.stagedCase(ctx, "rerun_duplicate")
	if err != nil {
		return err
	}
	before, err := treeState(cc.MRIDir(), cc.TDCDir(), cc.MiscDir())
	if err != nil {
		return err
	}

	opts.RunID = e.runID + "_rerun_duplicate_2"
	res := pipeline.Run(ctx, opts)
	if res.Err != nil {
		return res.Err
	}
	for _, entry := range res.Manifest.Plan {
		if entry.Status != commit.StatusDuplicate {
			return fmt.Errorf("rerun %s entry %s is %s, want duplicate", entry.Kind, entry.Dest, entry.Status)
		}
	}
	after, err := treeState(cc.MRIDir(), cc.TDCDir(), cc.MiscDir())
	if err != nil {
		return err
	}
	if before != after {
		return errors.New("rerun changed committed outputs")
	}
	return nil
}

func guardFixpoint(ctx context.Context, e *env) error {
	_, cc, err := e.stagedCase(ctx, "guard_fixpoint")
	if err != nil {
		return err
	}

	// Drift: a session at the case root, a stray log folder, a leftover
	// commit temp and a loose log directory under Misc.
	if err := os.Rename(filepath.Join(cc.TDCDir(), SessionName), filepath.Join(cc.CaseDir(), SessionName)); err != nil {
		return err
	}
	drift := map[string]string{
		filepath.Join(cc.CaseDir(), "Logs", "late.log"):             "late",
		filepath.Join(cc.MiscDir(), "Logs__2", "older.log"):         "older",
		filepath.Join(cc.MRIDir(), commit.TempPrefix+"interrupted"): "partial",
	}
	for p, body := range drift {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}

	g := guard.New(cc, e.logger)
	first, err := g.Repair(ctx)
	if err != nil {
		return err
	}
	if first.Status != guard.StatusRepaired {
		return fmt.Errorf("first repair status %s, want repaired", first.Status)
	}
	second, err := g.Repair(ctx)
	if err != nil {
		return err
	}
	if second.Status != guard.StatusCanonical || len(second.Changes) != 0 {
		return fmt.Errorf("second repair status %s with %d change(s), want canonical with none", second.Status, len(second.Changes))
	}
	return verifyCanonicalCase(cc)
}

func dryRunPurity(ctx context.Context, e *env) error {
	dir := e.dir("dry_run_purity")
	opts := e.options(dir, discoveryCaseID, "dry_run_purity")
	opts.DryRun = true
	cc, err := casectx.New(opts.Root, discoveryCaseID, casectx.DefaultLayout())
	if err != nil {
		return err
	}

	small := filepath.Join(cc.IncomingDir(), "017_01-474_MR.zip")
	large := filepath.Join(cc.IncomingDir(), "017-01-474_MRI.zip")
	for src, dst := range map[string]string{
		e.fx.MRI:      small,
		e.fx.LargeMRI: large,
		e.fx.TDC:      filepath.Join(cc.IncomingDir(), "017_01-474_TDC.zip"),
		e.fx.PDF:      filepath.Join(cc.IncomingDir(), "Treatment Report.pdf"),
	} {
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	before, err := treeState(opts.Root)
	if err != nil {
		return err
	}
	res := pipeline.Run(ctx, opts)
	if res.Err != nil {
		return res.Err
	}
	after, err := treeState(opts.Root)
	if err != nil {
		return err
	}
	if before != after {
		return errors.New("dry run modified the case tree")
	}

	if len(res.Manifest.Resolution) == 0 || res.Manifest.Resolution[0].Selected != large {
		return fmt.Errorf("largest rule did not select %s", filepath.Base(large))
	}
	wantMRI := filepath.Join(cc.MRIDir(), discoveryCaseID+"_MRI.zip")
	found := false
	for _, entry := range res.Manifest.Plan {
		if entry.Status != commit.StatusPlanned {
			return fmt.Errorf("dry-run entry %s is %s", entry.Dest, entry.Status)
		}
		found = found || entry.Dest == wantMRI
	}
	if !found {
		return fmt.Errorf("plan has no entry for %s", wantMRI)
	}
	return nil
}

func zipSlip(ctx context.Context, e *env) error {
	dir := e.dir("zip_slip")
	mri, tdc, pdf, err := e.placeInputs(dir, permutations[0])
	if err != nil {
		return err
	}
	if err := copyFile(e.fx.UnsafeMRI, mri); err != nil {
		return err
	}
	opts := e.options(dir, permCaseID, "zip_slip")
	opts.Slots = explicitSlots(mri, tdc, pdf)

	res := pipeline.Run(ctx, opts)
	if !errors.Is(res.Err, failure.ErrUnsafeArchive) {
		return fmt.Errorf("expected %s, got %v", failure.ClassUnsafeArchive, res.Err)
	}
	cc, err := casectx.New(opts.Root, permCaseID, casectx.DefaultLayout())
	if err != nil {
		return err
	}
	if _, err := os.Stat(cc.MRIDir()); !errors.Is(err, fs.ErrNotExist) {
		return errors.New("unsafe archive produced committed output")
	}
	var escaped []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.Name() == "escaped.txt" {
			escaped = append(escaped, p)
		}
		return nil
	})
	if len(escaped) > 0 {
		return fmt.Errorf("archive member escaped to %v", escaped)
	}
	return nil
}

// negativeScenario runs with a bad MRI input and expects class.
func negativeScenario(name string, want failure.Class, input func(e *env, dir string) (string, error)) scenario {
	full := "neg_" + name
	return scenario{name: full, run: func(ctx context.Context, e *env) error {
		dir := e.dir(full)
		_, tdc, pdf, err := e.placeInputs(dir, permutations[0])
		if err != nil {
			return err
		}
		mri, err := input(e, dir)
		if err != nil {
			return err
		}
		opts := e.options(dir, permCaseID, full)
		opts.Slots = explicitSlots(mri, tdc, pdf)

		res := pipeline.Run(ctx, opts)
		if res.Err == nil {
			return errors.New("expected a failure, run succeeded")
		}
		if got := failure.ClassOf(res.Err); got != want {
			return fmt.Errorf("expected %s, got %s: %v", want, got, res.Err)
		}
		return nil
	}}
}

// treeState renders names, types, sizes and modification times of every
// entry below the roots. Missing roots render as such.
func treeState(roots ...string) (string, error) {
	var b strings.Builder
	for _, root := range roots {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				fmt.Fprintf(&b, "%s missing\n", root)
				return nil
			}
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			size := info.Size()
			if d.IsDir() {
				size = 0
			}
			fmt.Fprintf(&b, "%s %s %d %d\n", p, info.Mode().Type(), size, info.ModTime().UnixNano())
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	return b.String(), nil
}
