// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package commit decides where staged items go in the canonical case tree
// and moves them there atomically.
//
// Existing outputs are never overwritten. An occupied destination gets the
// next free numeric suffix; an existing output with identical content turns
// the entry into an explicit duplicate no-op.
package commit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

// Resolution records how a destination was chosen.
type Resolution string

const (
	ResolutionNew       Resolution = "new"
	ResolutionSuffixed  Resolution = "suffixed"
	ResolutionDuplicate Resolution = "duplicate"
)

// Status is the execution state of an entry.
type Status string

const (
	StatusPlanned      Status = "planned"
	StatusCommitted    Status = "committed"
	StatusDuplicate    Status = "duplicate"
	StatusFailed       Status = "failed"
	StatusNotAttempted Status = "not_attempted"
)

// DefaultMaxSuffix bounds the suffix search.
const DefaultMaxSuffix = 999

// Entry is one planned move.
type Entry struct {
	Kind       casectx.Kind   `json:"kind"`
	Role       transform.Role `json:"role"`
	StagedPath string         `json:"staged_path"`
	IsDir      bool           `json:"is_dir"`
	// Hash is the sha256 of a file or the tree digest of a directory.
	Hash        string     `json:"hash"`
	Size        int64      `json:"size,omitempty"`
	Dest        string     `json:"dest"`
	Resolution  Resolution `json:"resolution"`
	DuplicateOf string     `json:"duplicate_of,omitempty"`
	Status      Status     `json:"status"`
	Replans     int        `json:"replans,omitempty"`
	Error       string     `json:"error,omitempty"`

	base   string
	suffix int
}

// Plan is the ordered list of moves for one run.
type Plan struct {
	Entries []Entry `json:"entries"`
}

// Counts returns the number of entries per status.
func (p *Plan) Counts() map[string]int {
	out := make(map[string]int)
	for _, e := range p.Entries {
		out[string(e.Status)]++
	}
	return out
}

// Planner chooses destinations.
//
// # Description
//
// Destinations derive from the case id, the kind and the item role only.
// Decisions are serialized: every chosen destination is reserved for the
// life of the Planner, so two entries of one run can never be given the
// same path even when planned concurrently. Reservation keys are
// case-insensitive to stay correct on case-insensitive filesystems.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Planner struct {
	cc        casectx.CaseContext
	maxSuffix int
	logger    *slog.Logger

	mu       sync.Mutex
	reserved map[string]bool
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithMaxSuffix bounds the suffix search. 1 allows the base name only;
// values below 1 keep the default.
func WithMaxSuffix(n int) PlannerOption {
	return func(p *Planner) {
		if n >= 1 {
			p.maxSuffix = n
		}
	}
}

// WithPlannerLogger sets the logger.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlanner creates a Planner for cc.
func NewPlanner(cc casectx.CaseContext, opts ...PlannerOption) *Planner {
	p := &Planner{
		cc:        cc,
		maxSuffix: DefaultMaxSuffix,
		logger:    slog.New(slog.DiscardHandler),
		reserved:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BaseDest returns the unsuffixed destination for item.
func (p *Planner) BaseDest(item transform.Item) (string, error) {
	id := p.cc.CaseID()
	switch {
	case item.Kind == casectx.KindMRI && item.Role == transform.RoleArchive:
		return filepath.Join(p.cc.MRIDir(), id+"_MRI.zip"), nil
	case item.Kind == casectx.KindPDF && item.Role == transform.RoleReport:
		return filepath.Join(p.cc.MiscDir(), id+"_TreatmentReport.pdf"), nil
	case item.Kind == casectx.KindTDC && item.Role == transform.RoleSession:
		if !casectx.SessionDirRe.MatchString(item.Name) {
			return "", failure.Newf(failure.ClassValidation, "plan", item.Path, "invalid session name %q", item.Name)
		}
		return filepath.Join(p.cc.TDCDir(), item.Name), nil
	case item.Kind == casectx.KindTDC && item.Role == transform.RoleLogs:
		return filepath.Join(p.cc.SessionLogsDir(), id+"_TDC_Logs"), nil
	case item.Kind == casectx.KindTDC && item.Role == transform.RoleContent:
		return filepath.Join(p.cc.TDCDir(), id+"_TDC"), nil
	default:
		return "", failure.Newf(failure.ClassValidation, "plan", item.Path,
			"no destination rule for %s item with role %q", item.Kind, item.Role)
	}
}

// Plan builds entries for every item of every output, in order.
func (p *Planner) Plan(ctx context.Context, outputs []transform.Output) (*Plan, error) {
	plan := &Plan{}
	for _, out := range outputs {
		for _, item := range out.Items {
			if err := ctx.Err(); err != nil {
				return plan, err
			}
			e, err := p.PlanItem(item)
			if err != nil {
				return plan, err
			}
			plan.Entries = append(plan.Entries, e)
		}
	}
	return plan, nil
}

// PlanItem hashes item and chooses its destination.
func (p *Planner) PlanItem(item transform.Item) (Entry, error) {
	e := Entry{
		Kind:       item.Kind,
		Role:       item.Role,
		StagedPath: item.Path,
		IsDir:      item.IsDir,
		Status:     StatusPlanned,
	}
	info, err := os.Stat(item.Path)
	if err != nil {
		return e, fmt.Errorf("plan %s: %w", item.Kind, err)
	}
	if info.IsDir() != item.IsDir {
		return e, failure.Newf(failure.ClassValidation, "plan", item.Path, "item is_dir=%t but path is_dir=%t", item.IsDir, info.IsDir())
	}
	if !item.IsDir {
		e.Size = info.Size()
	}
	if e.Hash, err = archive.ContentDigest(item.Path); err != nil {
		return e, fmt.Errorf("plan %s: hashing %s: %w", item.Kind, item.Path, err)
	}

	base, err := p.BaseDest(item)
	if err != nil {
		return e, err
	}
	if err := p.choose(&e, base, 1); err != nil {
		return e, err
	}
	return e, nil
}

// Replan moves e to the next suffix after its current destination. It is
// used when the chosen destination appeared between planning and commit.
func (p *Planner) Replan(e *Entry) error {
	if e.base == "" {
		return failure.Newf(failure.ClassUnexpected, "plan", e.Dest, "entry was not planned by this planner")
	}
	e.Replans++
	return p.choose(e, e.base, e.suffix+1)
}

// choose walks suffixes from start. An existing path with identical content
// makes e a duplicate; an existing different path or a reserved one is
// skipped; the first free path is reserved.
func (p *Planner) choose(e *Entry, base string, start int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.base = base
	for n := start; n <= p.maxSuffix; n++ {
		cand := Suffixed(base, n, e.IsDir)
		key := strings.ToLower(cand)
		if p.reserved[key] {
			continue
		}
		info, err := os.Lstat(cand)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			p.reserved[key] = true
			e.Dest = cand
			e.Resolution = ResolutionNew
			if n > 1 {
				e.Resolution = ResolutionSuffixed
			}
			e.DuplicateOf = ""
			e.suffix = n
			p.logger.Debug("destination chosen", "kind", e.Kind.String(), "dest", cand, "resolution", string(e.Resolution))
			return nil
		case err != nil:
			return fmt.Errorf("plan: inspecting %s: %w", cand, err)
		}
		if info.IsDir() != e.IsDir || (!e.IsDir && !info.Mode().IsRegular()) {
			continue
		}
		existing, err := archive.ContentDigest(cand)
		if err != nil {
			p.logger.Warn("cannot digest existing output, treating as different", "path", cand, "error", err.Error())
			continue
		}
		if existing == e.Hash {
			e.Dest = cand
			e.Resolution = ResolutionDuplicate
			e.DuplicateOf = cand
			e.suffix = n
			p.logger.Info("identical output already present", "kind", e.Kind.String(), "path", cand)
			return nil
		}
	}
	return failure.Newf(failure.ClassProcessing, "plan", base, "no free destination within %d suffixes", p.maxSuffix)
}

// Suffixed returns base with suffix n applied. n <= 1 returns base. Files
// take the suffix before the extension: "x_MRI.zip" -> "x_MRI_2.zip".
func Suffixed(base string, n int, isDir bool) string {
	if n <= 1 {
		return base
	}
	if isDir {
		return base + "_" + strconv.Itoa(n)
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + strconv.Itoa(n) + ext
}
