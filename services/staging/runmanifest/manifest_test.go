// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runmanifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/resolver"
)

var started = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sample() *Recorder {
	r := NewRecorder("20250301T120000Z_abcd1234", "017_01-474", "/data/017_01-474", ModeRun, started)
	r.SetConfig(map[string]any{"tie_break": "largest"})
	r.AddResolution(resolver.Resolution{
		Kind:     casectx.KindMRI,
		Selected: "/data/017_01-474/incoming/017_01-474_MR.zip",
		Rule:     resolver.TieBreakLargest,
		Warnings: []string{"extension mismatch"},
	})
	r.SetPlan(&commit.Plan{Entries: []commit.Entry{
		{Kind: casectx.KindMRI, Dest: "/data/017_01-474/MR DICOM/017_01-474_MRI.zip", Hash: "aa", Status: commit.StatusCommitted},
		{Kind: casectx.KindPDF, Dest: "/data/017_01-474/Misc/x.pdf", Hash: "bb", Status: commit.StatusNotAttempted},
	}})
	r.SetGuard(guard.Report{Mode: guard.ModeRepair, Status: guard.StatusCanonical})
	return r
}

// =============================================================================
// Recorder Tests
// =============================================================================

func TestRecorder_CollectsEverything(t *testing.T) {
	m := sample().Finish(nil, started.Add(time.Minute))

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, failure.ClassNone, m.Exit.Classification)
	assert.Equal(t, 0, m.Exit.Code)
	assert.Equal(t, []string{"extension mismatch"}, m.Warnings)
	require.Len(t, m.Outputs, 1)
	assert.Equal(t, "aa", m.Outputs[0].Hash)
	assert.Len(t, m.Plan, 2)
	require.NotNil(t, m.Guard)
	assert.Equal(t, guard.StatusCanonical, m.Guard.Status)
}

func TestRecorder_FailRecordsClassAndDetails(t *testing.T) {
	r := sample()
	err := failure.New(failure.ClassUnsafeArchive, "stage", "/in/evil.zip", errors.New("bad members"), "../x", "/abs")
	r.Fail(err)
	r.Fail(nil)
	m := r.Finish(err, started)

	require.Len(t, m.Errors, 1)
	assert.Equal(t, failure.ClassUnsafeArchive, m.Errors[0].Class)
	assert.Equal(t, "/in/evil.zip", m.Errors[0].Path)
	assert.Equal(t, []string{"../x", "/abs"}, m.Errors[0].Details)
	assert.Equal(t, failure.ExitProcessing, m.Exit.Code)
}

func TestRecorder_ConcurrentWarnings(t *testing.T) {
	r := NewRecorder("r", "c", "/c", ModeRun, started)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Warn("w")
		}()
	}
	wg.Wait()
	assert.Len(t, r.Finish(nil, started).Warnings, 16)
}

func TestEncode_HasAllKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, NewRecorder("r", "c", "/c", ModeDryRun, started).Finish(nil, started)))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	for _, key := range []string{
		"schema_version", "run_id", "case_id", "case_dir", "mode", "started_at",
		"finished_at", "config", "resolution", "staging", "plan", "artifacts",
		"outputs", "guard", "warnings", "errors", "exit",
	} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, []any{}, raw["errors"])
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWrite_OnceOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_manifests")
	m := sample().Finish(nil, started)

	path, err := Write(dir, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "017_01-474__20250301T120000Z_abcd1234__manifest.json"), path)

	_, err = Write(dir, m)
	assert.ErrorIs(t, err, failure.ErrProcessing)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, got.RunID)
	assert.Equal(t, casectx.KindMRI, got.Plan[0].Kind)
	assert.Equal(t, commit.StatusNotAttempted, got.Plan[1].Status)
}

func TestWriteFile_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	m := sample().Finish(nil, started)
	require.NoError(t, WriteFile(path, m))
	assert.ErrorIs(t, WriteFile(path, m), failure.ErrValidation)
}
