// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stager

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/casestage/services/staging/casectx"
)

// PreservedMarker is written into a workspace kept for diagnosis.
const PreservedMarker = "PRESERVED.txt"

// Workspace is the run-scoped scratch directory. Each kind gets its own
// subdirectory so kinds can be staged in parallel without sharing paths.
//
// A Workspace is disposable: it is removed after a successful run and kept,
// with a marker explaining why, after a failed one.
type Workspace struct {
	dir string
}

// NewWorkspace creates <parent>/<runID>. The directory must not exist yet.
func NewWorkspace(parent, runID string) (*Workspace, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating parent: %w", err)
	}
	dir := filepath.Join(parent, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// KindDir returns the subtree owned by kind.
func (w *Workspace) KindDir(kind casectx.Kind) string {
	return filepath.Join(w.dir, kind.String())
}

// Preserve leaves the workspace in place and records why.
func (w *Workspace) Preserve(reason string) error {
	body := fmt.Sprintf("preserved at %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return os.WriteFile(filepath.Join(w.dir, PreservedMarker), []byte(body), 0o644)
}

// Cleanup removes the workspace. Its parent is removed too when empty.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("workspace cleanup: %w", err)
	}
	_ = os.Remove(filepath.Dir(w.dir))
	return nil
}
