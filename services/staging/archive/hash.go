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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// HashFile returns the hex SHA-256 and size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// TreeEntry is one regular file of a tree digest.
type TreeEntry struct {
	Path string `json:"path"`
	Hash string `json:"sha256"`
	Size int64  `json:"size"`
}

// DigestEntries folds sorted entries into a single hex digest.
//
// The digest covers relative slash paths and content hashes, so two trees
// with the same files in the same places produce the same digest no matter
// the order they were written in. Empty directories do not contribute.
func DigestEntries(entries []TreeEntry) string {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%s\n", e.Path, e.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TreeDigest hashes every regular file below dir.
//
// # Outputs
//
//   - string: DigestEntries over the tree.
//   - []TreeEntry: The entries, sorted by path.
//   - error: Walk or read failures. Symlinks and special files are errors
//     since staged content never contains them.
func TreeDigest(dir string) (string, []TreeEntry, error) {
	var entries []TreeEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unexpected non-regular file %s", p)
		}
		sum, size, err := HashFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		entries = append(entries, TreeEntry{Path: filepath.ToSlash(rel), Hash: sum, Size: size})
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return DigestEntries(entries), entries, nil
}

// ContentDigest returns the file hash for regular files and the tree digest
// for directories.
func ContentDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		d, _, err := TreeDigest(path)
		return d, err
	}
	sum, _, err := HashFile(path)
	return sum, err
}
