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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// DefaultMaxReplans bounds how often one entry is re-planned after its
// destination appeared underneath it.
const DefaultMaxReplans = 5

// Committer executes plans.
//
// # Description
//
// Entries are committed one at a time, in plan order. Each entry is a
// single no-replace rename, so an artifact is either fully in place or
// absent. The first failure stops the pass: earlier commits stay, the
// failed entry is marked failed and the rest not_attempted.
//
// # Thread Safety
//
// Execute must not be called concurrently on the same plan.
type Committer struct {
	planner    *Planner
	maxReplans int
	logger     *slog.Logger

	// rename is renameNoReplace; tests substitute it to inject failures.
	rename func(src, dst string) error
}

// CommitterOption configures a Committer.
type CommitterOption func(*Committer)

// WithMaxReplans bounds re-planning per entry.
func WithMaxReplans(n int) CommitterOption {
	return func(c *Committer) {
		if n >= 0 {
			c.maxReplans = n
		}
	}
}

// WithCommitterLogger sets the logger.
func WithCommitterLogger(logger *slog.Logger) CommitterOption {
	return func(c *Committer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCommitter creates a Committer that re-plans through planner.
func NewCommitter(planner *Planner, opts ...CommitterOption) *Committer {
	c := &Committer{
		planner:    planner,
		maxReplans: DefaultMaxReplans,
		logger:     slog.New(slog.DiscardHandler),
		rename:     renameNoReplace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute commits every planned entry of plan.
//
// # Outputs
//
//   - error: The classified failure of the first failed entry, or the
//     context error if the run was cancelled between entries. Entry
//     statuses in plan are updated in both cases.
func (c *Committer) Execute(ctx context.Context, plan *Plan) error {
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if err := ctx.Err(); err != nil {
			c.abandon(plan, i)
			return failure.New(failure.ClassProcessing, "commit", "", fmt.Errorf("interrupted before %s: %w", e.Dest, err))
		}
		if e.Status != StatusPlanned {
			continue
		}

		if e.Resolution == ResolutionDuplicate {
			e.Status = StatusDuplicate
			c.logger.Info("skipping duplicate output",
				"kind", e.Kind.String(),
				"staged", e.StagedPath,
				"existing", e.DuplicateOf,
			)
			telemetry.RecordCommit(ctx, e.Kind.String(), string(e.Resolution), string(e.Status))
			continue
		}

		if err := c.commitOne(e); err != nil {
			e.Status = StatusFailed
			e.Error = err.Error()
			telemetry.RecordCommit(ctx, e.Kind.String(), string(e.Resolution), string(e.Status))
			c.logger.Error("commit failed", "kind", e.Kind.String(), "dest", e.Dest, "error", err.Error())
			c.abandon(plan, i+1)
			if failure.ClassOf(err) == failure.ClassUnexpected {
				err = failure.New(failure.ClassProcessing, "commit", e.Dest, err)
			}
			return err
		}

		telemetry.RecordCommit(ctx, e.Kind.String(), string(e.Resolution), string(e.Status))
		if e.Status == StatusDuplicate {
			c.logger.Info("skipping duplicate output", "kind", e.Kind.String(), "staged", e.StagedPath, "existing", e.DuplicateOf)
			continue
		}
		c.logger.Info("committed",
			"kind", e.Kind.String(),
			"dest", e.Dest,
			"resolution", string(e.Resolution),
			"hash", e.Hash,
		)
	}
	return nil
}

// abandon marks entries from i on that are still planned as not_attempted.
func (c *Committer) abandon(plan *Plan, i int) {
	for j := i; j < len(plan.Entries); j++ {
		if plan.Entries[j].Status == StatusPlanned {
			plan.Entries[j].Status = StatusNotAttempted
		}
	}
}

// commitOne moves one entry into place, re-planning when the destination
// appears between planning and execution.
func (c *Committer) commitOne(e *Entry) error {
	parent := filepath.Dir(e.Dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("commit: creating %s: %w", parent, err)
	}

	src := e.StagedPath
	tmp := ""
	defer func() {
		if tmp != "" {
			_ = os.RemoveAll(tmp)
		}
	}()

	for {
		err := c.rename(src, e.Dest)
		switch {
		case err == nil:
			if tmp != "" {
				tmp = ""
				return c.verify(e)
			}
			e.Status = StatusCommitted
			return nil

		case errors.Is(err, fs.ErrExist):
			if e.Replans >= c.maxReplans {
				return failure.Newf(failure.ClassProcessing, "commit", e.Dest,
					"destination kept appearing after %d re-plans", e.Replans)
			}
			prev := e.Dest
			if perr := c.planner.Replan(e); perr != nil {
				return perr
			}
			c.logger.Warn("destination appeared during commit, re-planned",
				"previous", prev, "dest", e.Dest, "resolution", string(e.Resolution))
			if e.Resolution == ResolutionDuplicate {
				e.Status = StatusDuplicate
				return nil
			}

		case isCrossDevice(err) && tmp == "":
			c.logger.Debug("cross-device commit, copying", "staged", e.StagedPath, "dest", e.Dest)
			t, cerr := copyToTemp(e.StagedPath, parent, e.IsDir)
			if cerr != nil {
				return fmt.Errorf("commit: copying %s: %w", e.StagedPath, cerr)
			}
			tmp = t
			src = t

		default:
			return fmt.Errorf("commit: moving %s to %s: %w", src, e.Dest, err)
		}
	}
}

// verify checks a copied commit against the planned hash.
func (c *Committer) verify(e *Entry) error {
	got, err := archive.ContentDigest(e.Dest)
	if err != nil {
		return fmt.Errorf("commit: verifying %s: %w", e.Dest, err)
	}
	if got != e.Hash {
		_ = os.RemoveAll(e.Dest)
		return failure.Newf(failure.ClassIntegrity, "commit", e.Dest,
			"committed content digest %s differs from staged digest %s", got, e.Hash)
	}
	e.Status = StatusCommitted
	return nil
}
