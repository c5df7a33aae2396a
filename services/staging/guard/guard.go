// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard verifies the canonical case layout and repairs drift.
//
// A repair only performs moves it can prove safe. When any problem cannot
// be repaired without guessing, nothing is changed and every offending
// path is reported.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// Mode names a guard pass.
type Mode string

const (
	ModeCheck  Mode = "check"
	ModeRepair Mode = "repair"
)

// Status summarizes a pass.
type Status string

const (
	// StatusCanonical means nothing needed to change.
	StatusCanonical Status = "canonical"
	// StatusDrifted means Check found repairable drift.
	StatusDrifted Status = "drifted"
	// StatusRepaired means Repair changed the tree and it is now canonical.
	StatusRepaired Status = "repaired"
	// StatusUnrepairable means at least one issue blocks repair.
	StatusUnrepairable Status = "unrepairable"
)

// Op is a repair step.
type Op string

const (
	OpMkdir         Op = "mkdir"
	OpMoveSession   Op = "move_session"
	OpMergeLog      Op = "merge_log"
	OpDropDuplicate Op = "drop_duplicate"
	OpRemoveEmpty   Op = "remove_empty"
	OpRemoveTemp    Op = "remove_temp"
)

// Change is one repair step, pending in a Check and applied in a Repair.
type Change struct {
	Op   Op     `json:"op"`
	Path string `json:"path"`
	To   string `json:"to,omitempty"`
}

// Issue is a problem the guard will not repair.
type Issue struct {
	Reason   string `json:"reason"`
	Actual   string `json:"actual"`
	Expected string `json:"expected,omitempty"`
}

func (i Issue) String() string {
	if i.Expected == "" {
		return fmt.Sprintf("%s: %s", i.Reason, i.Actual)
	}
	return fmt.Sprintf("%s: %s (expected %s)", i.Reason, i.Actual, i.Expected)
}

// Report is the outcome of a guard pass.
type Report struct {
	Mode    Mode     `json:"mode"`
	Status  Status   `json:"status"`
	Changes []Change `json:"changes"`
	Issues  []Issue  `json:"issues"`
	Notes   []string `json:"notes,omitempty"`
}

// logDirRe matches numbered copies of a misplaced Misc/Logs directory.
var logDirRe = regexp.MustCompile(`^Logs(__\d+)?$`)

// maxPasses bounds Repair's re-survey loop.
const maxPasses = 3

// Guard checks and repairs one case directory.
//
// # Thread Safety
//
// A Guard holds no mutable state, but concurrent passes over the same case
// race on the tree. Callers hold the case run lock.
type Guard struct {
	cc     casectx.CaseContext
	logger *slog.Logger
}

// New creates a Guard for cc. A nil logger discards output.
func New(cc casectx.CaseContext, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{cc: cc, logger: logger}
}

// Check surveys the case without touching it.
//
// # Outputs
//
//   - Report: Pending changes and issues.
//   - error: UnrepairableLayout when issues exist; I/O errors otherwise.
func (g *Guard) Check(ctx context.Context) (Report, error) {
	s, err := g.survey(ctx)
	if err != nil {
		return Report{Mode: ModeCheck}, err
	}
	r := Report{Mode: ModeCheck, Changes: s.changes, Issues: s.issues, Notes: s.notes}
	switch {
	case len(s.issues) > 0:
		r.Status = StatusUnrepairable
	case len(s.changes) > 0:
		r.Status = StatusDrifted
	default:
		r.Status = StatusCanonical
	}
	telemetry.RecordGuard(ctx, string(ModeCheck), 0, len(s.issues))
	return r, g.issuesError(r)
}

// Repair brings the case to the canonical layout.
//
// # Description
//
// The case is surveyed first; if any issue is unrepairable the tree is left
// exactly as found. Otherwise the pending changes are applied and the case
// is surveyed again until nothing is pending. A second Repair on the result
// reports canonical with no changes.
//
// # Outputs
//
//   - Report: Applied changes, or the blocking issues.
//   - error: UnrepairableLayout, or an I/O error from a repair step.
func (g *Guard) Repair(ctx context.Context) (Report, error) {
	r := Report{Mode: ModeRepair}
	for pass := 0; pass < maxPasses; pass++ {
		s, err := g.survey(ctx)
		if err != nil {
			return r, err
		}
		r.Notes = s.notes
		if len(s.issues) > 0 {
			r.Issues = s.issues
			r.Status = StatusUnrepairable
			telemetry.RecordGuard(ctx, string(ModeRepair), len(r.Changes), len(r.Issues))
			return r, g.issuesError(r)
		}
		if len(s.changes) == 0 {
			r.Status = StatusCanonical
			if len(r.Changes) > 0 {
				r.Status = StatusRepaired
			}
			telemetry.RecordGuard(ctx, string(ModeRepair), len(r.Changes), 0)
			return r, nil
		}
		for _, c := range s.changes {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			if err := g.apply(c); err != nil {
				return r, failure.New(failure.ClassProcessing, "guard", c.Path, err)
			}
			g.logger.Info("layout repaired", "op", string(c.Op), "path", c.Path, "to", c.To)
			r.Changes = append(r.Changes, c)
		}
	}
	r.Status = StatusUnrepairable
	r.Issues = []Issue{{Reason: "layout did not converge", Actual: g.cc.CaseDir()}}
	return r, g.issuesError(r)
}

func (g *Guard) issuesError(r Report) error {
	if len(r.Issues) == 0 {
		return nil
	}
	details := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		details[i] = is.String()
	}
	return failure.New(failure.ClassUnrepairable, "guard", g.cc.CaseDir(),
		fmt.Errorf("%d unrepairable layout issue(s)", len(r.Issues)), details...)
}

// survey is the read-only pass shared by Check and Repair.
type survey struct {
	changes []Change
	issues  []Issue
	notes   []string
}

func (g *Guard) survey(ctx context.Context) (survey, error) {
	var s survey
	caseDir := g.cc.CaseDir()
	info, err := os.Stat(caseDir)
	if err != nil {
		return s, failure.New(failure.ClassNotFound, "guard", caseDir, err)
	}
	if !info.IsDir() {
		return s, failure.Newf(failure.ClassValidation, "guard", caseDir, "case path is not a directory")
	}

	g.surveyRequired(&s)
	if err := g.surveyTop(ctx, &s); err != nil {
		return s, err
	}
	if err := g.surveyLogs(&s); err != nil {
		return s, err
	}
	g.surveyEmptyDICOM(&s)
	g.surveyTemps(&s)
	return s, nil
}

func (g *Guard) surveyRequired(s *survey) {
	for _, d := range g.cc.RequiredDirs() {
		info, err := os.Lstat(d)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.changes = append(s.changes, Change{Op: OpMkdir, Path: d})
		case err != nil:
			s.issues = append(s.issues, Issue{Reason: "cannot inspect required directory", Actual: d})
		case !info.IsDir():
			s.issues = append(s.issues, Issue{Reason: "required directory is not a directory", Actual: d, Expected: d + string(filepath.Separator)})
		}
	}
}

// surveyTop classifies every top-level entry of the case directory.
func (g *Guard) surveyTop(ctx context.Context, s *survey) error {
	caseDir := g.cc.CaseDir()
	entries, err := os.ReadDir(caseDir)
	if err != nil {
		return fmt.Errorf("guard: reading %s: %w", caseDir, err)
	}
	allowed := g.cc.AllowedTop()
	expected := expectedTop(allowed)

	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		p := filepath.Join(caseDir, name)
		switch {
		case allowed[name]:
			continue
		case de.Type()&fs.ModeSymlink != 0:
			s.issues = append(s.issues, Issue{Reason: "symbolic link at case root", Actual: p, Expected: expected})
		case !de.IsDir():
			s.notes = append(s.notes, fmt.Sprintf("loose file at case root: %s", p))
		case casectx.SessionDirRe.MatchString(name):
			dest := filepath.Join(g.cc.TDCDir(), name)
			if _, err := os.Lstat(dest); err == nil {
				s.issues = append(s.issues, Issue{Reason: "session directory collision", Actual: p, Expected: dest})
				continue
			}
			s.changes = append(s.changes, Change{Op: OpMoveSession, Path: p, To: dest})
		case name == "Logs":
			// merged by surveyLogs
		case name == "applog":
			extra := applogExtras(p)
			for _, x := range extra {
				s.issues = append(s.issues, Issue{Reason: "unexpected entry in stray applog directory", Actual: x, Expected: g.cc.SessionLogsDir()})
			}
			if len(extra) == 0 && !isDir(filepath.Join(p, "Logs")) {
				s.changes = append(s.changes, Change{Op: OpRemoveEmpty, Path: p})
			}
		default:
			s.issues = append(s.issues, Issue{Reason: "unexpected top-level directory", Actual: p, Expected: expected})
		}
	}
	return nil
}

// applogExtras lists entries of a stray <case>/applog other than Logs.
func applogExtras(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{dir}
	}
	var out []string
	for _, de := range entries {
		if de.Name() != "Logs" || !de.IsDir() {
			out = append(out, filepath.Join(dir, de.Name()))
		}
	}
	return out
}

func expectedTop(allowed map[string]bool) string {
	names := make([]string, 0, len(allowed))
	for n := range allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return "one of: " + strings.Join(names, ", ")
}

// logSources lists the stray log directories, in merge order.
func (g *Guard) logSources() []string {
	caseDir := g.cc.CaseDir()
	allowed := g.cc.AllowedTop()
	var out []string
	if p := filepath.Join(caseDir, "Logs"); !allowed["Logs"] && isDir(p) {
		out = append(out, p)
	}
	if p := filepath.Join(caseDir, "applog", "Logs"); !allowed["applog"] && isDir(p) {
		out = append(out, p)
	}
	misc := g.cc.MiscDir()
	if entries, err := os.ReadDir(misc); err == nil {
		for _, de := range entries {
			if de.IsDir() && logDirRe.MatchString(de.Name()) {
				out = append(out, filepath.Join(misc, de.Name()))
			}
		}
	}
	return out
}

// surveyLogs plans a file-by-file merge of stray log directories into the
// session log directory. Identical files are dropped; differing files are
// conflicts.
func (g *Guard) surveyLogs(s *survey) error {
	target := g.cc.SessionLogsDir()
	claimed := make(map[string]string) // target path -> hash of the file moving there

	for _, src := range g.logSources() {
		var files []string
		err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			switch {
			case d.IsDir():
				return nil
			case d.Type().IsRegular():
				files = append(files, p)
			default:
				s.issues = append(s.issues, Issue{Reason: "non-regular file in stray log directory", Actual: p})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("guard: walking %s: %w", src, err)
		}
		sort.Strings(files)

		for _, f := range files {
			rel, _ := filepath.Rel(src, f)
			dst := filepath.Join(target, rel)
			hash, _, err := archive.HashFile(f)
			if err != nil {
				return fmt.Errorf("guard: hashing %s: %w", f, err)
			}
			existing, ok := claimed[dst]
			if !ok {
				if info, err := os.Lstat(dst); err == nil {
					if !info.Mode().IsRegular() {
						s.issues = append(s.issues, Issue{Reason: "log merge target is not a file", Actual: f, Expected: dst})
						continue
					}
					if existing, _, err = archive.HashFile(dst); err != nil {
						return fmt.Errorf("guard: hashing %s: %w", dst, err)
					}
					ok = true
				}
			}
			switch {
			case !ok:
				claimed[dst] = hash
				s.changes = append(s.changes, Change{Op: OpMergeLog, Path: f, To: dst})
			case existing == hash:
				s.changes = append(s.changes, Change{Op: OpDropDuplicate, Path: f, To: dst})
			default:
				s.issues = append(s.issues, Issue{Reason: "log file conflict", Actual: f, Expected: dst})
			}
		}
		s.changes = append(s.changes, Change{Op: OpRemoveEmpty, Path: src})
		if filepath.Base(filepath.Dir(src)) == "applog" && filepath.Dir(filepath.Dir(src)) == g.cc.CaseDir() {
			s.changes = append(s.changes, Change{Op: OpRemoveEmpty, Path: filepath.Dir(src)})
		}
	}
	return nil
}

// surveyEmptyDICOM plans removal of an empty MR DICOM/DICOM.
func (g *Guard) surveyEmptyDICOM(s *survey) {
	p := filepath.Join(g.cc.MRIDir(), "DICOM")
	entries, err := os.ReadDir(p)
	if err == nil && len(entries) == 0 {
		s.changes = append(s.changes, Change{Op: OpRemoveEmpty, Path: p})
	}
}

// surveyTemps plans removal of commit temporaries left by an interrupted
// run in any commit destination directory.
func (g *Guard) surveyTemps(s *survey) {
	for _, dir := range []string{g.cc.MRIDir(), g.cc.TDCDir(), g.cc.MiscDir(), g.cc.SessionLogsDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if strings.HasPrefix(de.Name(), commit.TempPrefix) {
				s.changes = append(s.changes, Change{Op: OpRemoveTemp, Path: filepath.Join(dir, de.Name())})
			}
		}
	}
}

func (g *Guard) apply(c Change) error {
	switch c.Op {
	case OpMkdir:
		return os.MkdirAll(c.Path, 0o755)
	case OpMoveSession:
		if _, err := os.Lstat(c.To); err == nil {
			return fmt.Errorf("%s appeared during repair", c.To)
		}
		if err := os.MkdirAll(filepath.Dir(c.To), 0o755); err != nil {
			return err
		}
		return os.Rename(c.Path, c.To)
	case OpMergeLog:
		if _, err := os.Lstat(c.To); err == nil {
			return fmt.Errorf("%s appeared during repair", c.To)
		}
		if err := os.MkdirAll(filepath.Dir(c.To), 0o755); err != nil {
			return err
		}
		return os.Rename(c.Path, c.To)
	case OpDropDuplicate:
		return os.Remove(c.Path)
	case OpRemoveEmpty:
		return removeEmptyTree(c.Path)
	case OpRemoveTemp:
		return os.RemoveAll(c.Path)
	default:
		return fmt.Errorf("unknown repair op %q", c.Op)
	}
}

// removeEmptyTree removes dir and its subdirectories, failing if any file
// remains.
func removeEmptyTree(dir string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return fmt.Errorf("%s still contains %s", dir, p)
		}
		dirs = append(dirs, p)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Remove(dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func isDir(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.IsDir()
}
