// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

const (
	caseID  = "017_01-474"
	session = "_2025-03-01--12-30-00 1234"
)

func newCase(t *testing.T) casectx.CaseContext {
	t.Helper()
	cc, err := casectx.New(t.TempDir(), caseID, casectx.DefaultLayout())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cc.CaseDir(), 0o755))
	return cc
}

func stagedFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func stagedDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "session")
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func mriItem(p string) transform.Item {
	return transform.Item{Kind: casectx.KindMRI, Role: transform.RoleArchive, Path: p}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Destination Tests
// =============================================================================

func TestBaseDest(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)

	tests := []struct {
		name string
		item transform.Item
		want string
	}{
		{"mri archive", transform.Item{Kind: casectx.KindMRI, Role: transform.RoleArchive}, filepath.Join(cc.MRIDir(), caseID+"_MRI.zip")},
		{"pdf report", transform.Item{Kind: casectx.KindPDF, Role: transform.RoleReport}, filepath.Join(cc.MiscDir(), caseID+"_TreatmentReport.pdf")},
		{"tdc session", transform.Item{Kind: casectx.KindTDC, Role: transform.RoleSession, Name: session}, filepath.Join(cc.TDCDir(), session)},
		{"tdc logs", transform.Item{Kind: casectx.KindTDC, Role: transform.RoleLogs}, filepath.Join(cc.TDCDir(), "applog", "Logs", caseID+"_TDC_Logs")},
		{"tdc content", transform.Item{Kind: casectx.KindTDC, Role: transform.RoleContent}, filepath.Join(cc.TDCDir(), caseID+"_TDC")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.BaseDest(tt.item)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := p.BaseDest(transform.Item{Kind: casectx.KindPDF, Role: transform.RoleArchive})
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = p.BaseDest(transform.Item{Kind: casectx.KindTDC, Role: transform.RoleSession, Name: "../evil"})
	assert.ErrorIs(t, err, failure.ErrValidation)
}

func TestSuffixed(t *testing.T) {
	assert.Equal(t, "/c/x_MRI.zip", Suffixed("/c/x_MRI.zip", 1, false))
	assert.Equal(t, "/c/x_MRI_2.zip", Suffixed("/c/x_MRI.zip", 2, false))
	assert.Equal(t, "/c/x_TreatmentReport_3.pdf", Suffixed("/c/x_TreatmentReport.pdf", 3, false))
	assert.Equal(t, "/c/"+session+"_2", Suffixed("/c/"+session, 2, true))
}

// =============================================================================
// Plan + Execute Tests
// =============================================================================

// TestCommit_RerunNeverOverwrites tests the three outcomes of committing to
// an occupied destination: identical content is a duplicate, different
// content is suffixed, and the original is untouched.
func TestCommit_RerunNeverOverwrites(t *testing.T) {
	cc := newCase(t)
	ctx := context.Background()

	p1 := NewPlanner(cc)
	plan, err := p1.Plan(ctx, []transform.Output{{Kind: casectx.KindMRI, Items: []transform.Item{mriItem(stagedFile(t, "a.zip", "first"))}}})
	require.NoError(t, err)
	require.NoError(t, NewCommitter(p1).Execute(ctx, plan))
	dest := filepath.Join(cc.MRIDir(), caseID+"_MRI.zip")
	assert.Equal(t, StatusCommitted, plan.Entries[0].Status)
	assert.Equal(t, ResolutionNew, plan.Entries[0].Resolution)
	assert.Equal(t, "first", readFile(t, dest))

	p2 := NewPlanner(cc)
	same, err := p2.PlanItem(mriItem(stagedFile(t, "b.zip", "first")))
	require.NoError(t, err)
	assert.Equal(t, ResolutionDuplicate, same.Resolution)
	assert.Equal(t, dest, same.DuplicateOf)

	differs, err := p2.PlanItem(mriItem(stagedFile(t, "c.zip", "second")))
	require.NoError(t, err)
	assert.Equal(t, ResolutionSuffixed, differs.Resolution)
	assert.Equal(t, filepath.Join(cc.MRIDir(), caseID+"_MRI_2.zip"), differs.Dest)

	plan2 := &Plan{Entries: []Entry{same, differs}}
	require.NoError(t, NewCommitter(p2).Execute(ctx, plan2))
	assert.Equal(t, StatusDuplicate, plan2.Entries[0].Status)
	assert.Equal(t, StatusCommitted, plan2.Entries[1].Status)
	assert.Equal(t, "first", readFile(t, dest))
	assert.Equal(t, "second", readFile(t, plan2.Entries[1].Dest))
	assert.Equal(t, map[string]int{"duplicate": 1, "committed": 1}, plan2.Counts())
}

func TestPlanner_MaxSuffix(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		existing int
		wantDest string
		wantErr  bool
	}{
		{name: "one allows the base name", max: 1, existing: 0, wantDest: caseID + "_MRI.zip"},
		{name: "one never suffixes", max: 1, existing: 1, wantErr: true},
		{name: "two allows one suffix", max: 2, existing: 1, wantDest: caseID + "_MRI_2.zip"},
		{name: "two exhausted", max: 2, existing: 2, wantErr: true},
		{name: "zero keeps the default", max: 0, existing: 2, wantDest: caseID + "_MRI_3.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := newCase(t)
			require.NoError(t, os.MkdirAll(cc.MRIDir(), 0o755))
			for n := 1; n <= tt.existing; n++ {
				p := Suffixed(filepath.Join(cc.MRIDir(), caseID+"_MRI.zip"), n, false)
				require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", n)), 0o644))
			}

			e, err := NewPlanner(cc, WithMaxSuffix(tt.max)).PlanItem(mriItem(stagedFile(t, "a.zip", "new content")))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, failure.ErrProcessing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(cc.MRIDir(), tt.wantDest), e.Dest)
		})
	}
}

func TestCommit_SessionDirectory(t *testing.T) {
	cc := newCase(t)
	dir := stagedDir(t, map[string]string{"local.db": "db", "Raw/f0": "raw"})
	p := NewPlanner(cc)

	e, err := p.PlanItem(transform.Item{Kind: casectx.KindTDC, Role: transform.RoleSession, Path: dir, IsDir: true, Name: session})
	require.NoError(t, err)
	plan := &Plan{Entries: []Entry{e}}
	require.NoError(t, NewCommitter(p).Execute(context.Background(), plan))

	assert.Equal(t, "raw", readFile(t, filepath.Join(cc.TDCDir(), session, "Raw", "f0")))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	again := stagedDir(t, map[string]string{"local.db": "db", "Raw/f0": "raw"})
	dup, err := NewPlanner(cc).PlanItem(transform.Item{Kind: casectx.KindTDC, Role: transform.RoleSession, Path: again, IsDir: true, Name: session})
	require.NoError(t, err)
	assert.Equal(t, ResolutionDuplicate, dup.Resolution)
}

func TestPlanner_ConcurrentReservationsAreDistinct(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)

	const n = 8
	dests := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		src := stagedFile(t, "x.pdf", "%PDF-"+strings.Repeat("x", i+1))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := p.PlanItem(transform.Item{Kind: casectx.KindPDF, Role: transform.RoleReport, Path: src})
			assert.NoError(t, err)
			dests[i] = e.Dest
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, d := range dests {
		assert.False(t, seen[d], "destination %s handed out twice", d)
		seen[d] = true
	}
}

func TestCommit_DestinationAppearsBeforeExecute(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)
	e, err := p.PlanItem(mriItem(stagedFile(t, "a.zip", "ours")))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cc.MRIDir(), 0o755))
	require.NoError(t, os.WriteFile(e.Dest, []byte("theirs"), 0o644))

	plan := &Plan{Entries: []Entry{e}}
	require.NoError(t, NewCommitter(p).Execute(context.Background(), plan))
	got := plan.Entries[0]
	assert.Equal(t, StatusCommitted, got.Status)
	assert.Equal(t, 1, got.Replans)
	assert.Equal(t, filepath.Join(cc.MRIDir(), caseID+"_MRI_2.zip"), got.Dest)
	assert.Equal(t, "theirs", readFile(t, e.Dest))
	assert.Equal(t, "ours", readFile(t, got.Dest))
}

func TestCommit_CrossDeviceCopiesThroughTemp(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)
	src := stagedFile(t, "a.zip", "payload")
	e, err := p.PlanItem(mriItem(src))
	require.NoError(t, err)

	c := NewCommitter(p)
	c.rename = func(from, to string) error {
		if from == src {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EXDEV}
		}
		return renameNoReplace(from, to)
	}
	plan := &Plan{Entries: []Entry{e}}
	require.NoError(t, c.Execute(context.Background(), plan))

	assert.Equal(t, StatusCommitted, plan.Entries[0].Status)
	assert.Equal(t, "payload", readFile(t, e.Dest))
	entries, err := os.ReadDir(cc.MRIDir())
	require.NoError(t, err)
	for _, de := range entries {
		assert.False(t, strings.HasPrefix(de.Name(), TempPrefix), "temp %s left behind", de.Name())
	}
}

func TestCommit_StopsAtFirstFailure(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)
	ctx := context.Background()

	mri := stagedFile(t, "a.zip", "mri")
	pdf := stagedFile(t, "r.pdf", "%PDF-report")
	logs := stagedDir(t, map[string]string{"app.log": "log"})
	plan, err := p.Plan(ctx, []transform.Output{
		{Kind: casectx.KindMRI, Items: []transform.Item{mriItem(mri)}},
		{Kind: casectx.KindPDF, Items: []transform.Item{{Kind: casectx.KindPDF, Role: transform.RoleReport, Path: pdf}}},
		{Kind: casectx.KindTDC, Items: []transform.Item{{Kind: casectx.KindTDC, Role: transform.RoleLogs, Path: logs, IsDir: true}}},
	})
	require.NoError(t, err)

	c := NewCommitter(p)
	c.rename = func(from, to string) error {
		if from == pdf {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EACCES}
		}
		return renameNoReplace(from, to)
	}
	err = c.Execute(ctx, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrProcessing)

	assert.Equal(t, StatusCommitted, plan.Entries[0].Status)
	assert.Equal(t, StatusFailed, plan.Entries[1].Status)
	assert.NotEmpty(t, plan.Entries[1].Error)
	assert.Equal(t, StatusNotAttempted, plan.Entries[2].Status)
	assert.FileExists(t, plan.Entries[0].Dest)
	assert.NoFileExists(t, plan.Entries[1].Dest)
	assert.NoDirExists(t, plan.Entries[2].Dest)
}

func TestCommit_CancelledBeforeStart(t *testing.T) {
	cc := newCase(t)
	p := NewPlanner(cc)
	e, err := p.PlanItem(mriItem(stagedFile(t, "a.zip", "x")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := &Plan{Entries: []Entry{e}}
	err = NewCommitter(p).Execute(ctx, plan)
	assert.ErrorIs(t, err, failure.ErrProcessing)
	assert.Equal(t, StatusNotAttempted, plan.Entries[0].Status)
	assert.NoFileExists(t, e.Dest)
}

func TestReplan_RequiresPlannedEntry(t *testing.T) {
	p := NewPlanner(newCase(t))
	err := p.Replan(&Entry{Dest: "/x"})
	assert.ErrorIs(t, err, failure.ErrUnexpected)
}
