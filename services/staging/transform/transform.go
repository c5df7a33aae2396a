// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform defines the contract between staging and the
// content transformations that run before commit, such as anonymization.
//
// A Transformer receives a staged artifact and returns the workspace paths
// that should be committed, each tagged with a Role. Destinations are
// never chosen here; the commit planner derives them from the case id,
// the kind and the role.
package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/stager"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// Role says what a committed item is. It selects the destination rule.
type Role string

const (
	// RoleArchive is the repacked imaging archive.
	RoleArchive Role = "archive"
	// RoleSession is one TDC session directory.
	RoleSession Role = "session"
	// RoleLogs is a TDC application log directory.
	RoleLogs Role = "logs"
	// RoleContent is TDC content outside sessions and log directories, or
	// all of it when no session is recognized.
	RoleContent Role = "content"
	// RoleReport is the treatment report PDF.
	RoleReport Role = "report"
)

// Item is one workspace path to be committed.
type Item struct {
	Kind  casectx.Kind `json:"kind"`
	Role  Role         `json:"role"`
	Path  string       `json:"path"`
	IsDir bool         `json:"is_dir"`
	// Name is the session directory name for RoleSession.
	Name string `json:"name,omitempty"`
}

// Output is the result of transforming one staged artifact.
type Output struct {
	Kind     casectx.Kind `json:"kind"`
	Items    []Item       `json:"items"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Transformer turns a staged artifact into committable items.
//
// # Description
//
// Implementations may only write below staged.Dir. They must honor ctx;
// the caller bounds every call with a timeout.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, staged *stager.Staged) (Output, error)
}

// Apply runs t on staged under timeout and classifies the outcome.
//
// # Description
//
// A call that outlives timeout fails with TransformTimeout. Any other
// unclassified error becomes a processing error. A timeout of zero means
// no limit.
//
// # Outputs
//
//   - Output: The items to commit.
//   - error: Classified failure.
func Apply(ctx context.Context, t Transformer, staged *stager.Staged, timeout time.Duration) (Output, error) {
	kind := staged.Artifact.Kind
	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := t.Transform(tctx, staged)
	switch {
	case err == nil:
		if len(out.Items) == 0 {
			err = failure.Newf(failure.ClassProcessing, "transform", staged.Artifact.SourcePath,
				"%s produced nothing to commit for %s", t.Name(), kind)
		}
	case ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
		err = failure.New(failure.ClassTimeout, "transform", staged.Artifact.SourcePath,
			fmt.Errorf("%s did not finish %s within %s: %w", t.Name(), kind, timeout, err))
	case failure.ClassOf(err) == failure.ClassUnexpected:
		err = failure.New(failure.ClassProcessing, "transform", staged.Artifact.SourcePath, err)
	}

	if err != nil {
		telemetry.RecordTransform(ctx, kind.String(), string(failure.ClassOf(err)))
		return Output{}, err
	}
	telemetry.RecordTransform(ctx, kind.String(), "ok")
	out.Kind = kind
	return out, nil
}

// outDir creates the transform output directory inside the kind's
// workspace subtree.
func outDir(staged *stager.Staged) (string, error) {
	dir := filepath.Join(staged.Dir, "out")
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// mriArchiveName is the file name of the repacked imaging archive.
func mriArchiveName(caseID string) string {
	if caseID == "" {
		return "MRI.zip"
	}
	return caseID + "_MRI.zip"
}
