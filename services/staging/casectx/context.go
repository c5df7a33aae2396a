// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package casectx defines the immutable run context shared by every staging
// component: the case identity, its directory, and the canonical layout.
package casectx

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

// =============================================================================
// Layout
// =============================================================================

// Layout names the canonical subdirectories of a case directory.
//
// All names are single path components relative to the case directory,
// except SessionLogs which is relative to the TDC directory.
type Layout struct {
	MRI         string `yaml:"mri" json:"mri" validate:"required"`
	TDC         string `yaml:"tdc" json:"tdc" validate:"required"`
	Misc        string `yaml:"misc" json:"misc" validate:"required"`
	Logs        string `yaml:"logs" json:"logs" validate:"required"`
	Manifests   string `yaml:"manifests" json:"manifests" validate:"required"`
	Scratch     string `yaml:"scratch" json:"scratch" validate:"required"`
	Incoming    string `yaml:"incoming" json:"incoming" validate:"required"`
	SessionLogs string `yaml:"session_logs" json:"session_logs" validate:"required"`
}

// DefaultLayout returns the layout the downstream pipeline expects.
func DefaultLayout() Layout {
	return Layout{
		MRI:         "MR DICOM",
		TDC:         "TDC Sessions",
		Misc:        "Misc",
		Logs:        "run_logs",
		Manifests:   "run_manifests",
		Scratch:     "scratch",
		Incoming:    "incoming",
		SessionLogs: filepath.Join("applog", "Logs"),
	}
}

// Validate checks that every name is a usable relative path and that the
// top-level names are distinct.
func (l Layout) Validate() error {
	top := map[string]string{
		"mri":       l.MRI,
		"tdc":       l.TDC,
		"misc":      l.Misc,
		"logs":      l.Logs,
		"manifests": l.Manifests,
		"scratch":   l.Scratch,
		"incoming":  l.Incoming,
	}
	seen := make(map[string]string, len(top))
	for field, name := range top {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return failure.Newf(failure.ClassValidation, "layout", "", "layout.%s: invalid directory name %q", field, name)
		}
		if prev, ok := seen[strings.ToLower(name)]; ok {
			return failure.Newf(failure.ClassValidation, "layout", "", "layout.%s and layout.%s both use %q", prev, field, name)
		}
		seen[strings.ToLower(name)] = field
	}
	sl := filepath.Clean(l.SessionLogs)
	if l.SessionLogs == "" || filepath.IsAbs(sl) || sl == "." || strings.HasPrefix(sl, "..") {
		return failure.Newf(failure.ClassValidation, "layout", "", "layout.session_logs: invalid relative path %q", l.SessionLogs)
	}
	return nil
}

// =============================================================================
// CaseContext
// =============================================================================

// LockFileName is the run lock marker kept at the top of a case directory.
const LockFileName = ".casestage.lock"

// caseIDRe accepts the characters allowed in a case directory name.
var caseIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CaseContext is the immutable context of one case.
//
// # Thread Safety
//
// CaseContext is a value with no mutable state and is safe to share.
type CaseContext struct {
	root    string
	caseID  string
	caseDir string
	layout  Layout
}

// New builds a CaseContext.
//
// # Inputs
//
//   - root: Parent directory holding case directories. Made absolute.
//   - caseID: Case identifier, a single safe path component.
//   - layout: Canonical directory names; see DefaultLayout.
//
// # Outputs
//
//   - CaseContext: The context.
//   - error: ValidationError for an empty root, an unsafe case id or a
//     malformed layout.
func New(root, caseID string, layout Layout) (CaseContext, error) {
	root = strings.TrimSpace(root)
	caseID = strings.TrimSpace(caseID)
	if root == "" {
		return CaseContext{}, failure.Newf(failure.ClassValidation, "case", "", "root directory is required")
	}
	if !caseIDRe.MatchString(caseID) || caseID == "." || caseID == ".." {
		return CaseContext{}, failure.Newf(failure.ClassValidation, "case", "", "invalid case id %q", caseID)
	}
	if err := layout.Validate(); err != nil {
		return CaseContext{}, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return CaseContext{}, failure.New(failure.ClassValidation, "case", root, err)
	}
	return CaseContext{
		root:    abs,
		caseID:  caseID,
		caseDir: filepath.Join(abs, caseID),
		layout:  layout,
	}, nil
}

func (c CaseContext) Root() string    { return c.root }
func (c CaseContext) CaseID() string  { return c.caseID }
func (c CaseContext) CaseDir() string { return c.caseDir }
func (c CaseContext) Layout() Layout  { return c.layout }

func (c CaseContext) MRIDir() string       { return filepath.Join(c.caseDir, c.layout.MRI) }
func (c CaseContext) TDCDir() string       { return filepath.Join(c.caseDir, c.layout.TDC) }
func (c CaseContext) MiscDir() string      { return filepath.Join(c.caseDir, c.layout.Misc) }
func (c CaseContext) LogsDir() string      { return filepath.Join(c.caseDir, c.layout.Logs) }
func (c CaseContext) ManifestsDir() string { return filepath.Join(c.caseDir, c.layout.Manifests) }
func (c CaseContext) ScratchDir() string   { return filepath.Join(c.caseDir, c.layout.Scratch) }
func (c CaseContext) IncomingDir() string  { return filepath.Join(c.caseDir, c.layout.Incoming) }
func (c CaseContext) LockPath() string     { return filepath.Join(c.caseDir, LockFileName) }

// SessionLogsDir is the single authoritative location for session logs.
func (c CaseContext) SessionLogsDir() string {
	return filepath.Join(c.TDCDir(), c.layout.SessionLogs)
}

// SharedIncomingDir is the per-case drop folder under the root.
func (c CaseContext) SharedIncomingDir() string {
	return filepath.Join(c.root, c.layout.Incoming, c.caseID)
}

// KindDir returns the canonical directory for artifacts of kind k.
func (c CaseContext) KindDir(k Kind) string {
	switch k {
	case KindMRI:
		return c.MRIDir()
	case KindTDC:
		return c.TDCDir()
	default:
		return c.MiscDir()
	}
}

// RequiredDirs lists the directories a canonical case always contains.
func (c CaseContext) RequiredDirs() []string {
	return []string{c.MRIDir(), c.TDCDir(), c.MiscDir(), c.LogsDir(), c.ManifestsDir(), c.SessionLogsDir()}
}

// AllowedTop returns the top-level entry names permitted in the case
// directory. Scratch, incoming and the lock marker are transient.
func (c CaseContext) AllowedTop() map[string]bool {
	l := c.layout
	return map[string]bool{
		l.MRI: true, l.TDC: true, l.Misc: true, l.Logs: true, l.Manifests: true,
		l.Scratch: true, l.Incoming: true, LockFileName: true,
	}
}

// String renders the context for logs.
func (c CaseContext) String() string {
	return fmt.Sprintf("case %s at %s", c.caseID, c.caseDir)
}

// SessionDirRe matches a TDC session directory name such as
// "_2025-03-01--12-30-00 1234".
var SessionDirRe = regexp.MustCompile(`^_\d{4}-\d{2}-\d{2}--\d{2}-\d{2}-\d{2}\s+\d+$`)
