// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/casestage/pkg/ux"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/pipeline"
	"github.com/AleutianAI/casestage/services/staging/selftest"
)

func renderRun(p *ux.Printer, res *pipeline.Result, dryRun bool) {
	m := res.Manifest
	title := "casestage run " + m.CaseID
	if dryRun {
		title += " (dry run)"
	}
	p.Title(title)
	p.Field("run_id", m.RunID)
	p.Field("case_dir", m.CaseDir)

	for _, r := range m.Resolution {
		if r.Resolved() {
			p.FileStatus(r.Selected, ux.IconArrow, r.Kind.String()+" "+string(r.Rule))
		} else {
			p.FileStatus(r.Kind.String(), ux.IconPending, "not resolved")
		}
	}

	if len(m.Plan) > 0 {
		p.Title("Plan")
		for _, e := range m.Plan {
			p.FileStatus(relTo(m.CaseDir, e.Dest), entryIcon(e.Status), entryReason(e))
		}
		counts := countStatuses(m.Plan)
		p.Summary(
			ux.Count{Label: string(commit.StatusCommitted), N: counts[commit.StatusCommitted], Icon: ux.IconSuccess},
			ux.Count{Label: string(commit.StatusDuplicate), N: counts[commit.StatusDuplicate], Icon: ux.IconWarning},
			ux.Count{Label: string(commit.StatusPlanned), N: counts[commit.StatusPlanned], Icon: ux.IconPending},
			ux.Count{Label: string(commit.StatusFailed), N: counts[commit.StatusFailed], Icon: ux.IconError},
			ux.Count{Label: string(commit.StatusNotAttempted), N: counts[commit.StatusNotAttempted], Icon: ux.IconPending},
		)
	}

	if m.Guard != nil {
		p.Field("layout", string(m.Guard.Status))
	}
	renderOutcome(p, res)
}

func renderGuard(p *ux.Printer, res *pipeline.Result) {
	m := res.Manifest
	p.Title("casestage guard " + m.CaseID)
	p.Field("case_dir", m.CaseDir)
	if g := m.Guard; g != nil {
		p.Field("mode", string(g.Mode))
		p.Field("status", string(g.Status))
		for _, c := range g.Changes {
			icon := ux.IconSuccess
			if g.Mode == guard.ModeCheck {
				icon = ux.IconPending
			}
			p.FileStatus(relTo(m.CaseDir, c.Path), icon, changeReason(m.CaseDir, c))
		}
		for _, is := range g.Issues {
			p.FileStatus(relTo(m.CaseDir, is.Actual), ux.IconError, is.Reason)
		}
	}
	renderOutcome(p, res)
}

// renderOutcome prints warnings, the error with its details, and where
// the manifest went.
func renderOutcome(p *ux.Printer, res *pipeline.Result) {
	m := res.Manifest
	if len(m.Warnings) > 0 {
		p.WarningBox("Warnings", m.Warnings)
	}
	if res.ManifestPath != "" {
		p.Field("manifest", res.ManifestPath)
	}
	if res.Err == nil {
		p.Success(fmt.Sprintf("%s finished", m.Mode))
		return
	}
	lines := append([]string{res.Err.Error()}, failure.DetailsOf(res.Err)...)
	p.ErrorBox(fmt.Sprintf("%s (exit %d)", failure.ClassOf(res.Err), res.ExitCode()), lines)
}

func renderSelfTest(p *ux.Printer, rep *selftest.Report) {
	if rep == nil {
		return
	}
	p.Title("casestage selftest")
	p.Field("root", rep.Root)
	for _, r := range rep.Results {
		if r.Status == selftest.StatusPass {
			p.FileStatus(r.Name, ux.IconSuccess, r.Duration.Round(time.Millisecond).String())
		} else {
			p.FileStatus(r.Name, ux.IconError, r.Detail)
		}
	}
	p.Summary(
		ux.Count{Label: "passed", N: rep.Passed, Icon: ux.IconSuccess},
		ux.Count{Label: "failed", N: rep.Failed, Icon: ux.IconError},
	)
	if rep.Kept {
		p.Field("report", filepath.Join(rep.Root, selftest.ReportFileName))
	}
}

func countStatuses(entries []commit.Entry) map[commit.Status]int {
	out := make(map[commit.Status]int)
	for _, e := range entries {
		out[e.Status]++
	}
	return out
}

func entryIcon(s commit.Status) ux.Icon {
	switch s {
	case commit.StatusCommitted:
		return ux.IconSuccess
	case commit.StatusDuplicate:
		return ux.IconWarning
	case commit.StatusFailed:
		return ux.IconError
	default:
		return ux.IconPending
	}
}

func entryReason(e commit.Entry) string {
	switch {
	case e.Status == commit.StatusDuplicate && e.DuplicateOf != "":
		return "duplicate of " + filepath.Base(e.DuplicateOf)
	case e.Error != "":
		return string(e.Status) + ": " + e.Error
	default:
		return string(e.Status)
	}
}

func changeReason(caseDir string, c guard.Change) string {
	if c.To == "" {
		return string(c.Op)
	}
	return string(c.Op) + " " + string(ux.IconArrow) + " " + relTo(caseDir, c.To)
}

// relTo shortens path to be relative to dir when it lies inside it.
func relTo(dir, path string) string {
	if dir == "" {
		return path
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
