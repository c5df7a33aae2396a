// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/stager"
)

// tdcBuild describes how TDC content becomes commit items.
type tdcBuild struct {
	caseID     string
	contentDir string
	// workDir receives rebuilt sessions and the extras directory.
	workDir string
	// expand unpacks archives sitting directly in a session directory.
	expand bool
	limits archive.Limits
}

// tdcOutput maps classified TDC content onto items.
//
// # Description
//
// Content with no recognized sessions is committed whole. Otherwise each
// session and each log directory is one item, and everything else is
// gathered into one content item so that no staged file is dropped.
//
// With expand set, a session holding archives at its top level is rebuilt
// in workDir: raw.zip becomes Raw/, any other x.zip becomes x/. An archive
// whose target directory already exists is kept as is, with a warning.
// Classification warnings are the caller's to report.
func tdcOutput(ctx context.Context, b tdcBuild, cls stager.Classification) (Output, error) {
	out := Output{Kind: casectx.KindTDC}
	if len(cls.Sessions) == 0 {
		out.Items = []Item{{Kind: casectx.KindTDC, Role: RoleContent, Path: b.contentDir, IsDir: true}}
		return out, nil
	}

	for _, s := range cls.Sessions {
		src := filepath.Join(b.contentDir, filepath.FromSlash(s.RelPath))
		dir, warnings, err := b.session(ctx, s, src)
		if err != nil {
			return Output{}, err
		}
		out.Warnings = append(out.Warnings, warnings...)
		out.Items = append(out.Items, Item{Kind: casectx.KindTDC, Role: RoleSession, Path: dir, IsDir: true, Name: s.Name})
	}
	for _, rel := range cls.LogsDirs {
		out.Items = append(out.Items, Item{
			Kind:  casectx.KindTDC,
			Role:  RoleLogs,
			Path:  filepath.Join(b.contentDir, filepath.FromSlash(rel)),
			IsDir: true,
		})
	}

	if len(cls.Extras) > 0 {
		name := "TDC"
		if b.caseID != "" {
			name = b.caseID + "_TDC"
		}
		dst := filepath.Join(b.workDir, "extras", name)
		for _, rel := range cls.Extras {
			if err := copyTree(filepath.Join(b.contentDir, filepath.FromSlash(rel)),
				filepath.Join(dst, filepath.FromSlash(rel)), nil); err != nil {
				return Output{}, fmt.Errorf("transform tdc: gathering %s: %w", rel, err)
			}
		}
		out.Items = append(out.Items, Item{Kind: casectx.KindTDC, Role: RoleContent, Path: dst, IsDir: true})
	}
	return out, nil
}

// topArchives returns the archives directly inside a session directory.
func topArchives(s stager.Session) []string {
	var top []string
	for _, a := range s.NestedArchives {
		if !strings.Contains(a, "/") {
			top = append(top, a)
		}
	}
	return top
}

// expandTarget names the directory an archive in a session expands into.
func expandTarget(name string) string {
	if strings.EqualFold(name, "raw.zip") {
		return "Raw"
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (b tdcBuild) session(ctx context.Context, s stager.Session, src string) (string, []string, error) {
	archives := topArchives(s)
	if !b.expand || len(archives) == 0 {
		return src, nil, nil
	}

	var warnings []string
	expand := make(map[string]string, len(archives))
	for _, a := range archives {
		target := expandTarget(a)
		if _, err := os.Lstat(filepath.Join(src, target)); err == nil {
			warnings = append(warnings, fmt.Sprintf("session %s: %s kept packed, %s already exists", s.Name, a, target))
			continue
		}
		expand[a] = target
	}
	if len(expand) == 0 {
		return src, warnings, nil
	}

	dst := filepath.Join(b.workDir, "sessions", s.Name)
	skip := func(rel string) bool {
		_, ok := expand[rel]
		return ok
	}
	if err := copyTree(src, dst, skip); err != nil {
		return "", nil, fmt.Errorf("transform tdc: copying session %s: %w", s.Name, err)
	}
	for a, target := range expand {
		if _, err := archive.Extract(ctx, filepath.Join(src, a), filepath.Join(dst, target), b.limits); err != nil {
			return "", nil, err
		}
	}
	return dst, warnings, nil
}

// copyTree copies a file or directory tree from src to dst. skip is
// consulted with slash paths relative to src.
func copyTree(src, dst string, skip func(rel string) bool) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if skip != nil && rel != "." && skip(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return fmt.Errorf("cannot copy non-regular file %s", p)
		}
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
