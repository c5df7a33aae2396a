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
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/casectx"
)

// Session is one TDC session directory found in staged content.
type Session struct {
	Name string `json:"name"`
	// RelPath is the slash path below the content root.
	RelPath        string   `json:"rel_path"`
	HasRaw         bool     `json:"has_raw"`
	HasLocalDB     bool     `json:"has_local_db"`
	NestedArchives []string `json:"nested_archives,omitempty"`
}

// Classification describes the structure of staged content. It is handed
// to the transform collaborator and recorded in the manifest; staging does
// not act on it.
type Classification struct {
	Kind casectx.Kind `json:"kind"`

	// TDC
	SessionsRoot string    `json:"sessions_root,omitempty"`
	Sessions     []Session `json:"sessions,omitempty"`
	LogsDirs     []string  `json:"logs_dirs,omitempty"`
	// Extras are the outermost paths covered by no session and no log
	// directory. Empty when no session was recognized.
	Extras []string `json:"extras,omitempty"`

	// MRI
	DICOMRoot   string `json:"dicom_root,omitempty"`
	HasDICOMDIR bool   `json:"has_dicomdir,omitempty"`
	Wrapped     bool   `json:"wrapped,omitempty"`

	FileCount int      `json:"file_count"`
	Warnings  []string `json:"warnings,omitempty"`
}

const (
	rawDirName   = "raw"
	localDBName  = "local.db"
	logsDirName  = "logs"
	dicomDirName = "dicom"
	dicomDirFile = "DICOMDIR"
)

// Classify inspects extracted content of the given kind.
func Classify(kind casectx.Kind, contentDir string) (Classification, error) {
	switch kind {
	case casectx.KindTDC:
		return classifyTDC(contentDir)
	case casectx.KindMRI:
		return classifyMRI(contentDir)
	default:
		return Classification{Kind: kind, FileCount: 1}, nil
	}
}

func classifyTDC(root string) (Classification, error) {
	c := Classification{Kind: casectx.KindTDC}
	var sessionPaths []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel := relSlash(root, p)
		if !d.IsDir() {
			c.FileCount++
			return nil
		}
		name := d.Name()
		switch {
		case casectx.SessionDirRe.MatchString(name):
			sessionPaths = append(sessionPaths, rel)
		case strings.EqualFold(name, logsDirName) && !insideAny(rel, sessionPaths):
			c.LogsDirs = append(c.LogsDirs, rel)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("classify tdc: %w", err)
	}

	parents := make(map[string]bool)
	for _, rel := range sessionPaths {
		if insideAny(rel, without(sessionPaths, rel)) {
			c.Warnings = append(c.Warnings, fmt.Sprintf("session %s is nested inside another session", rel))
			continue
		}
		s, err := inspectSession(root, rel)
		if err != nil {
			return c, err
		}
		c.Sessions = append(c.Sessions, s)
		parents[path.Dir(rel)] = true
	}
	sort.Slice(c.Sessions, func(i, j int) bool { return c.Sessions[i].RelPath < c.Sessions[j].RelPath })

	switch {
	case len(c.Sessions) == 0:
		c.Warnings = append(c.Warnings, "no session directories recognized")
	case len(parents) == 1:
		for p := range parents {
			c.SessionsRoot = p
		}
	default:
		c.Warnings = append(c.Warnings, "session directories found under more than one parent")
	}
	for _, s := range c.Sessions {
		if !s.HasLocalDB {
			c.Warnings = append(c.Warnings, fmt.Sprintf("session %s has no %s", s.Name, localDBName))
		}
	}

	if len(c.Sessions) > 0 {
		extras, err := uncovered(root, c)
		if err != nil {
			return c, fmt.Errorf("classify tdc: %w", err)
		}
		c.Extras = extras
		if len(extras) > 0 {
			c.Warnings = append(c.Warnings, fmt.Sprintf("%d path(s) outside sessions and log directories: %s",
				len(extras), strings.Join(extras, ", ")))
		}
	}
	return c, nil
}

// uncovered lists the outermost entries below root that are neither inside
// a session or log directory nor an ancestor of one.
func uncovered(root string, c Classification) ([]string, error) {
	covered := make([]string, 0, len(c.Sessions)+len(c.LogsDirs))
	for _, s := range c.Sessions {
		covered = append(covered, s.RelPath)
	}
	covered = append(covered, c.LogsDirs...)

	var extras []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel := relSlash(root, p)
		switch {
		case slices.Contains(covered, rel):
		case ancestorOfAny(rel, covered):
			return nil
		default:
			extras = append(extras, rel)
		}
		if d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
	sort.Strings(extras)
	return extras, err
}

func ancestorOfAny(rel string, paths []string) bool {
	for _, p := range paths {
		if strings.HasPrefix(p, rel+"/") {
			return true
		}
	}
	return false
}

func inspectSession(root, rel string) (Session, error) {
	s := Session{Name: path.Base(rel), RelPath: rel}
	dir := filepath.Join(root, filepath.FromSlash(rel))
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := strings.ToLower(d.Name())
		switch {
		case d.IsDir() && name == rawDirName:
			s.HasRaw = true
		case !d.IsDir() && name == localDBName:
			s.HasLocalDB = true
		case !d.IsDir() && strings.HasSuffix(name, ".zip"):
			s.NestedArchives = append(s.NestedArchives, relSlash(dir, p))
			if name == rawDirName+".zip" {
				s.HasRaw = true
			}
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("classify session %s: %w", rel, err)
	}
	sort.Strings(s.NestedArchives)
	return s, nil
}

func classifyMRI(root string) (Classification, error) {
	c := Classification{Kind: casectx.KindMRI}
	var topEntries int
	var topDir string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel := relSlash(root, p)
		if !strings.Contains(rel, "/") {
			topEntries++
			if d.IsDir() {
				topDir = rel
			}
		}
		if d.IsDir() {
			if strings.EqualFold(d.Name(), dicomDirName) && c.DICOMRoot == "" {
				c.DICOMRoot = rel
			}
			return nil
		}
		c.FileCount++
		if d.Name() == dicomDirFile {
			c.HasDICOMDIR = true
		}
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("classify mri: %w", err)
	}

	c.Wrapped = topEntries == 1 && topDir != ""
	if c.FileCount == 0 {
		c.Warnings = append(c.Warnings, "imaging package contains no files")
	}
	if c.DICOMRoot == "" && !c.HasDICOMDIR {
		c.Warnings = append(c.Warnings, "no DICOM directory or DICOMDIR found")
	}
	return c, nil
}

func relSlash(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func insideAny(rel string, parents []string) bool {
	for _, p := range parents {
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
