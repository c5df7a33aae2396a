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
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/resolver"
	"github.com/AleutianAI/casestage/services/staging/runlock"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
	"github.com/AleutianAI/casestage/services/staging/stager"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

const (
	caseID  = "017_01-474"
	session = "_2025-03-01--12-30-00 1234"
)

// =============================================================================
// Fixtures
// =============================================================================

// noise returns n incompressible bytes; the same n always gives the same bytes.
func noise(n int) []byte {
	b := make([]byte, n)
	x := uint32(88172645)
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

func writeZip(t *testing.T, p string, files []archive.File) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	var buf bytes.Buffer
	require.NoError(t, archive.WriteFiles(&buf, files))
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
}

func readString(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func mriFiles(payload int) []archive.File {
	return []archive.File{
		{Name: "DICOMDIR", Data: []byte("index")},
		{Name: "DICOM/S1/I1", Data: noise(payload)},
	}
}

func tdcFiles() []archive.File {
	return []archive.File{
		{Name: "TDC Sessions/" + session + "/local.db", Data: []byte("sqlite")},
		{Name: "TDC Sessions/" + session + "/Raw/frame0.bin", Data: []byte("raw")},
		{Name: "TDC Sessions/applog/Logs/app.log", Data: []byte("log line")},
	}
}

// fixture lays out the standard case: two MRI candidates of different
// sizes with differing separators, one TDC package and a report.
type fixture struct {
	root     string
	cc       casectx.CaseContext
	smallMRI string
	largeMRI string
	tdc      string
	pdf      string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	cc, err := casectx.New(root, caseID, casectx.DefaultLayout())
	require.NoError(t, err)

	f := fixture{
		root:     root,
		cc:       cc,
		smallMRI: filepath.Join(cc.IncomingDir(), "017_01-474_MR.zip"),
		largeMRI: filepath.Join(cc.IncomingDir(), "017-01-474_MRI.zip"),
		tdc:      filepath.Join(cc.IncomingDir(), "017_01-474_TDC.zip"),
		pdf:      filepath.Join(cc.IncomingDir(), "Treatment Report.pdf"),
	}
	writeZip(t, f.smallMRI, mriFiles(1<<10))
	writeZip(t, f.largeMRI, mriFiles(8<<10))
	writeZip(t, f.tdc, tdcFiles())
	require.NoError(t, os.WriteFile(f.pdf, []byte("%PDF-1.4\nreport\n%%EOF\n"), 0o644))
	return f
}

func (f fixture) options(t *testing.T) Options {
	return Options{
		Root:        f.root,
		CaseID:      caseID,
		TieBreak:    resolver.TieBreakLargest,
		SourceWatch: false,
		Stdout:      &bytes.Buffer{},
	}
}

const dirMark = "<dir>"

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if p == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		if d.IsDir() {
			out[filepath.ToSlash(rel)] = dirMark
			return nil
		}
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func statuses(m runmanifest.Manifest) []commit.Status {
	out := make([]commit.Status, len(m.Plan))
	for i, e := range m.Plan {
		out[i] = e.Status
	}
	return out
}

// =============================================================================
// Real Runs
// =============================================================================

// TestRun_LargestSelectsBiggerMRIAndCommitsCanonically covers the mixed
// MR/MRI naming case end to end.
func TestRun_LargestSelectsBiggerMRIAndCommitsCanonically(t *testing.T) {
	f := newFixture(t)
	res := Run(context.Background(), f.options(t))
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode())

	m := res.Manifest
	require.Len(t, m.Resolution, 3)
	assert.Equal(t, f.largeMRI, m.Resolution[0].Selected)
	assert.False(t, m.Resolution[0].FilteredByCaseID)

	mriZip := filepath.Join(f.cc.MRIDir(), caseID+"_MRI.zip")
	assert.FileExists(t, mriZip)
	members, err := archive.Inspect(mriZip, archive.DefaultLimits())
	require.NoError(t, err)
	sizes := make(map[string]int64)
	for _, mem := range members {
		if !mem.IsDir {
			sizes[mem.Name] = mem.Size
		}
	}
	assert.Equal(t, map[string]int64{"DICOMDIR": 5, "DICOM/S1/I1": 8 << 10}, sizes)

	assert.FileExists(t, filepath.Join(f.cc.TDCDir(), session, "local.db"))
	assert.FileExists(t, filepath.Join(f.cc.SessionLogsDir(), caseID+"_TDC_Logs", "app.log"))
	assert.FileExists(t, filepath.Join(f.cc.MiscDir(), caseID+"_TreatmentReport.pdf"))

	for _, s := range statuses(m) {
		assert.Equal(t, commit.StatusCommitted, s)
	}
	require.NotNil(t, m.Guard)
	assert.Contains(t, []guard.Status{guard.StatusCanonical, guard.StatusRepaired}, m.Guard.Status)
	assert.Len(t, m.Outputs, 4)

	assert.Equal(t, filepath.Join(f.cc.ManifestsDir(), runmanifest.FileName(caseID, m.RunID)), res.ManifestPath)
	onDisk, err := runmanifest.Read(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, failure.ClassNone, onDisk.Exit.Classification)

	assert.NoDirExists(t, f.cc.ScratchDir())
	assert.NoFileExists(t, f.cc.LockPath())
}

func TestRun_TDCFilesOutsideSessionsAreCommitted(t *testing.T) {
	f := newFixture(t)
	writeZip(t, f.tdc, append(tdcFiles(),
		archive.File{Name: "TDC Sessions/Treatment.xml", Data: []byte("<plan/>")},
		archive.File{Name: "Hardware/serial.txt", Data: []byte("sn")},
	))

	res := Run(context.Background(), f.options(t))
	require.NoError(t, res.Err)

	extras := filepath.Join(f.cc.TDCDir(), caseID+"_TDC")
	assert.Equal(t, "<plan/>", readString(t, filepath.Join(extras, "TDC Sessions", "Treatment.xml")))
	assert.Equal(t, "sn", readString(t, filepath.Join(extras, "Hardware", "serial.txt")))
	assert.FileExists(t, filepath.Join(f.cc.TDCDir(), session, "local.db"))

	var found bool
	for _, w := range res.Manifest.Warnings {
		if strings.Contains(w, "outside sessions and log directories") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Manifest.Warnings)
	assert.Len(t, res.Manifest.Outputs, 5)
}

func TestRun_RerunRecordsDuplicatesAndNeverOverwrites(t *testing.T) {
	f := newFixture(t)
	first := Run(context.Background(), f.options(t))
	require.NoError(t, first.Err)
	committed := snapshot(t, f.cc.CaseDir())

	second := Run(context.Background(), f.options(t))
	require.NoError(t, second.Err)
	assert.NotEqual(t, first.Manifest.RunID, second.Manifest.RunID)

	for _, e := range second.Manifest.Plan {
		assert.Equal(t, commit.StatusDuplicate, e.Status, e.Dest)
		assert.NotEmpty(t, e.DuplicateOf)
	}

	after := snapshot(t, f.cc.CaseDir())
	for rel, body := range committed {
		if strings.HasPrefix(rel, "run_manifests") {
			continue
		}
		assert.Equal(t, body, after[rel], rel)
	}
	entries, err := os.ReadDir(f.cc.ManifestsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = os.Stat(filepath.Join(f.cc.MRIDir(), caseID+"_MRI_2.zip"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRun_ParallelStaging(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	opts := f.options(t)
	opts.Parallel = true
	opts.SourceWatch = true
	res := Run(context.Background(), opts)
	require.NoError(t, res.Err)
	assert.Len(t, res.Manifest.Staging, 3)
	assert.Equal(t, casectx.KindMRI, res.Manifest.Staging[0].Kind)
}

// =============================================================================
// Dry Run
// =============================================================================

func TestRun_DryRunLeavesCaseUntouched(t *testing.T) {
	f := newFixture(t)
	before := snapshot(t, f.root)

	var out bytes.Buffer
	opts := f.options(t)
	opts.DryRun = true
	opts.Stdout = &out
	res := Run(context.Background(), opts)
	require.NoError(t, res.Err)

	assert.Empty(t, cmp.Diff(before, snapshot(t, f.root)), "dry run must not touch the case tree")
	assert.Empty(t, res.ManifestPath)
	for _, s := range statuses(res.Manifest) {
		assert.Equal(t, commit.StatusPlanned, s)
	}

	var m runmanifest.Manifest
	require.NoError(t, json.Unmarshal(out.Bytes(), &m))
	assert.Equal(t, runmanifest.ModeDryRun, m.Mode)
	assert.Len(t, m.Plan, 4)
	assert.Nil(t, m.Guard)
}

func TestRun_DryRunManifestOut(t *testing.T) {
	f := newFixture(t)
	opts := f.options(t)
	opts.DryRun = true
	opts.ManifestOut = filepath.Join(t.TempDir(), "plan.json")

	res := Run(context.Background(), opts)
	require.NoError(t, res.Err)
	assert.Equal(t, opts.ManifestOut, res.ManifestPath)
	assert.FileExists(t, opts.ManifestOut)
	assert.Empty(t, opts.Stdout.(*bytes.Buffer).Bytes())
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_MissingRequiredInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.tdc))

	res := Run(context.Background(), f.options(t))
	assert.ErrorIs(t, res.Err, failure.ErrNotFound)
	assert.Equal(t, failure.ExitValidation, res.ExitCode())
	assert.NoDirExists(t, f.cc.MRIDir())

	m, err := runmanifest.Read(res.ManifestPath)
	require.NoError(t, err)
	require.Len(t, m.Errors, 1)
	assert.Equal(t, failure.ClassNotFound, m.Errors[0].Class)
	assert.Equal(t, failure.ExitValidation, m.Exit.Code)
}

func TestRun_RejectedNewCaseLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name        string
		manifestOut bool
	}{
		{name: "manifest to stderr"},
		{name: "manifest to file", manifestOut: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			var stderr bytes.Buffer
			opts := Options{
				Root:     root,
				CaseID:   caseID,
				TieBreak: resolver.TieBreakLargest,
				Stdout:   &bytes.Buffer{},
				Stderr:   &stderr,
			}
			if tt.manifestOut {
				opts.ManifestOut = filepath.Join(t.TempDir(), "rejected.json")
			}

			res := Run(context.Background(), opts)
			assert.ErrorIs(t, res.Err, failure.ErrNotFound)
			assert.Equal(t, failure.ExitValidation, res.ExitCode())
			assert.NoDirExists(t, filepath.Join(root, caseID))

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Empty(t, entries)

			var m runmanifest.Manifest
			if tt.manifestOut {
				assert.Equal(t, opts.ManifestOut, res.ManifestPath)
				assert.Empty(t, stderr.Bytes())
				mp, err := runmanifest.Read(opts.ManifestOut)
				require.NoError(t, err)
				m = *mp
			} else {
				assert.Empty(t, res.ManifestPath)
				require.NoError(t, json.Unmarshal(stderr.Bytes(), &m))
			}
			assert.NotEmpty(t, m.RunID)
			assert.Equal(t, failure.ExitValidation, m.Exit.Code)
		})
	}
}

func TestRun_RejectedExistingCaseStoresManifest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.tdc))
	var stderr bytes.Buffer
	opts := f.options(t)
	opts.Stderr = &stderr

	res := Run(context.Background(), opts)
	assert.Equal(t, failure.ExitValidation, res.ExitCode())
	assert.DirExists(t, f.cc.CaseDir())
	assert.FileExists(t, res.ManifestPath)
	assert.Empty(t, stderr.Bytes())
}

func TestRun_OptionalReportMayBeMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.pdf))

	res := Run(context.Background(), f.options(t))
	require.NoError(t, res.Err)
	assert.Len(t, res.Manifest.Outputs, 3)
	assert.NotEmpty(t, res.Manifest.Warnings)
}

func TestRun_SameFileInTwoSlotsIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	opts := f.options(t)
	opts.Slots = DefaultSlots()
	opts.Slots[casectx.KindMRI] = Slot{Explicit: f.tdc, Required: true}
	opts.Slots[casectx.KindTDC] = Slot{Explicit: `"` + f.tdc + `" `, Required: true}

	res := Run(context.Background(), opts)
	assert.ErrorIs(t, res.Err, failure.ErrAmbiguous)
	assert.Len(t, failure.DetailsOf(res.Err), 2)
}

func TestRun_ZipSlipIsRejectedAndWorkspacePreserved(t *testing.T) {
	f := newFixture(t)
	writeZip(t, f.largeMRI, []archive.File{
		{Name: "DICOM/ok", Data: noise(16 << 10)},
		{Name: "../../escape.txt", Data: []byte("evil")},
	})

	opts := f.options(t)
	opts.RunID = "run-zipslip"
	res := Run(context.Background(), opts)
	assert.ErrorIs(t, res.Err, failure.ErrUnsafeArchive)
	assert.Equal(t, failure.ExitProcessing, res.ExitCode())

	assert.NoDirExists(t, f.cc.MRIDir())
	assert.NoFileExists(t, filepath.Join(f.root, "escape.txt"))
	assert.FileExists(t, filepath.Join(f.cc.ScratchDir(), "run-zipslip", stager.PreservedMarker))
	assert.Nil(t, res.Manifest.Guard)
}

func TestRun_LockedCaseFailsFast(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.cc.CaseDir(), 0o755))
	held := runlock.New(f.cc.LockPath())
	require.NoError(t, held.Acquire(runlock.Info{RunID: "other"}))
	defer held.Release()

	res := Run(context.Background(), f.options(t))
	assert.ErrorIs(t, res.Err, failure.ErrRunInProgress)
	assert.NoDirExists(t, f.cc.MRIDir())
	assert.FileExists(t, f.cc.LockPath())
}

type panicking struct{}

func (panicking) Name() string { return "panicking" }

func (panicking) Transform(context.Context, *stager.Staged) (transform.Output, error) {
	panic("transformer bug")
}

func TestRun_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	opts := f.options(t)
	opts.Transformer = panicking{}

	res := Run(context.Background(), opts)
	assert.ErrorIs(t, res.Err, failure.ErrUnexpected)
	assert.Equal(t, failure.ExitUnexpected, res.ExitCode())
	assert.NoFileExists(t, f.cc.LockPath())

	m, err := runmanifest.Read(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, failure.ClassUnexpected, m.Exit.Classification)
}

type slow struct{}

func (slow) Name() string { return "slow" }

func (slow) Transform(ctx context.Context, _ *stager.Staged) (transform.Output, error) {
	<-ctx.Done()
	return transform.Output{}, ctx.Err()
}

func TestRun_TransformTimeout(t *testing.T) {
	f := newFixture(t)
	opts := f.options(t)
	opts.Transformer = slow{}
	opts.TransformTimeout = 50 * time.Millisecond

	res := Run(context.Background(), opts)
	assert.ErrorIs(t, res.Err, failure.ErrTimeout)
	assert.Nil(t, res.Plan)
}

func TestRun_InvalidOptions(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bad case id", func(o *Options) { o.CaseID = "../x" }},
		{"skipped and explicit", func(o *Options) {
			o.Slots = DefaultSlots()
			o.Slots[casectx.KindPDF] = Slot{Skip: true, Explicit: f.pdf}
		}},
		{"everything skipped", func(o *Options) {
			o.Slots = map[casectx.Kind]Slot{
				casectx.KindMRI: {Skip: true},
				casectx.KindTDC: {Skip: true},
				casectx.KindPDF: {Skip: true},
			}
		}},
		{"unknown tie-break", func(o *Options) { o.TieBreak = "biggest" }},
		{"run id with separator", func(o *Options) { o.RunID = "a/b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := f.options(t)
			tt.mutate(&opts)
			res := Run(context.Background(), opts)
			assert.ErrorIs(t, res.Err, failure.ErrValidation)
			assert.Equal(t, failure.ExitValidation, res.ExitCode())
		})
	}
	assert.NoDirExists(t, f.cc.MRIDir())
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 5, 0, time.FixedZone("x", 3600))
	id := NewRunID(now)
	assert.Regexp(t, regexp.MustCompile(`^20250301T113005Z_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewRunID(now))
}
