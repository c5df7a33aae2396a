// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// zipEpoch is the fixed modification time written into every header so
// that identical trees produce byte-identical archives.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// File is an in-memory archive member.
type File struct {
	Name string
	Data []byte
	Dir  bool
}

// WriteFiles writes members to w in name order with fixed metadata.
//
// Names are written as given; callers building fixtures may use names that
// Extract would reject.
func WriteFiles(w io.Writer, files []File) error {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	zw := zip.NewWriter(w)
	for _, f := range sorted {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: zipEpoch}
		if f.Dir {
			hdr.Name = trimSlash(f.Name) + "/"
			hdr.Method = zip.Store
			hdr.SetMode(fs.ModeDir | 0o755)
		} else {
			hdr.SetMode(0o644)
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip header %s: %w", f.Name, err)
		}
		if !f.Dir {
			if _, err := io.Copy(fw, bytes.NewReader(f.Data)); err != nil {
				return fmt.Errorf("zip write %s: %w", f.Name, err)
			}
		}
	}
	return zw.Close()
}

// WriteDir archives every file and directory below srcDir into w.
//
// Entries are sorted by relative path and carry fixed timestamps and
// modes, so the output depends only on names and contents.
func WriteDir(w io.Writer, srcDir string) error {
	type item struct {
		rel  string
		path string
		dir  bool
	}
	var items []item
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return fmt.Errorf("cannot archive non-regular file %s", p)
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		items = append(items, item{rel: filepath.ToSlash(rel), path: p, dir: d.IsDir()})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].rel < items[j].rel })

	zw := zip.NewWriter(w)
	for _, it := range items {
		hdr := &zip.FileHeader{Name: it.rel, Method: zip.Deflate, Modified: zipEpoch}
		if it.dir {
			hdr.Name += "/"
			hdr.Method = zip.Store
			hdr.SetMode(fs.ModeDir | 0o755)
			if _, err := zw.CreateHeader(hdr); err != nil {
				return err
			}
			continue
		}
		hdr.SetMode(0o644)
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyFileInto(fw, it.path); err != nil {
			return fmt.Errorf("zip write %s: %w", it.rel, err)
		}
	}
	return zw.Close()
}

// WriteDirFile is WriteDir into a new file at dst.
func WriteDirFile(dst, srcDir string) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := WriteDir(out, srcDir); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func copyFileInto(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
