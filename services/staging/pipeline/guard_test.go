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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
)

func TestRunGuard_CheckThenFix(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, Run(context.Background(), f.options(t)).Err)

	// Move the session to the case root and drop a stray log directory.
	require.NoError(t, os.Rename(filepath.Join(f.cc.TDCDir(), session), filepath.Join(f.cc.CaseDir(), session)))
	require.NoError(t, os.MkdirAll(filepath.Join(f.cc.CaseDir(), "Logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cc.CaseDir(), "Logs", "late.log"), []byte("late"), 0o644))

	before := snapshot(t, f.cc.CaseDir())
	check := RunGuard(context.Background(), GuardOptions{Root: f.root, CaseID: caseID})
	assert.ErrorIs(t, check.Err, failure.ErrProcessing)
	assert.NotEmpty(t, failure.DetailsOf(check.Err))
	assert.Empty(t, check.ManifestPath)
	require.NotNil(t, check.Manifest.Guard)
	assert.Equal(t, guard.StatusDrifted, check.Manifest.Guard.Status)
	assert.Empty(t, cmp.Diff(before, snapshot(t, f.cc.CaseDir())), "check must not write")

	fix := RunGuard(context.Background(), GuardOptions{Root: f.root, CaseID: caseID, Fix: true})
	require.NoError(t, fix.Err)
	assert.Equal(t, guard.StatusRepaired, fix.Manifest.Guard.Status)
	assert.DirExists(t, filepath.Join(f.cc.TDCDir(), session))
	assert.FileExists(t, filepath.Join(f.cc.SessionLogsDir(), "late.log"))

	m, err := runmanifest.Read(fix.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, runmanifest.ModeGuard, m.Mode)

	again := RunGuard(context.Background(), GuardOptions{Root: f.root, CaseID: caseID})
	require.NoError(t, again.Err)
	assert.Equal(t, guard.StatusCanonical, again.Manifest.Guard.Status)
}

func TestRunGuard_MissingCase(t *testing.T) {
	root := t.TempDir()
	for _, fix := range []bool{false, true} {
		res := RunGuard(context.Background(), GuardOptions{Root: root, CaseID: "nope", Fix: fix})
		assert.ErrorIs(t, res.Err, failure.ErrNotFound)
		assert.Equal(t, failure.ExitValidation, res.ExitCode())
		assert.NoDirExists(t, filepath.Join(root, "nope"))
	}
}
