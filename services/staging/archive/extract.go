// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive implements safe, deterministic zip handling for staged
// artifacts: member validation, extraction into an isolated directory,
// content digests and a reproducible zip writer.
package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

// Limits bounds what an archive may expand to.
type Limits struct {
	// MaxEntries is the maximum number of members. Zero means unlimited.
	MaxEntries int
	// MaxTotalBytes is the maximum sum of uncompressed sizes. Zero means unlimited.
	MaxTotalBytes int64
}

// DefaultLimits are generous enough for imaging exports.
func DefaultLimits() Limits {
	return Limits{MaxEntries: 200_000, MaxTotalBytes: 64 << 30}
}

// Member is a validated archive entry.
type Member struct {
	// Name is the normalized relative slash path.
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir,omitempty"`
	Size  int64  `json:"size"`

	file *zip.File
}

// Result describes a completed extraction.
type Result struct {
	Dir     string      `json:"dir"`
	Members []Member    `json:"-"`
	Entries []TreeEntry `json:"-"`
	// Digest is DigestEntries over the member contents as read from the archive.
	Digest string `json:"digest"`
}

// IsZip reports whether path is a readable zip archive, judged by its
// central directory rather than its name.
func IsZip(p string) bool {
	r, err := zip.OpenReader(p)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return false
	}
	if r != nil {
		_ = r.Close()
	}
	return true
}

// Inspect validates every member of a zip archive without writing anything.
//
// # Description
//
// Members are returned sorted by normalized name. Any member that is
// absolute, carries a drive letter, has a ".." segment, is a symlink or
// collides with another member makes the whole archive unsafe.
//
// # Outputs
//
//   - []Member: Sorted, validated members.
//   - error: UnsafeArchive listing every offending member, or
//     ValidationError if the file is not a zip archive.
func Inspect(zipPath string, limits Limits) ([]Member, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, failure.New(failure.ClassValidation, "inspect", zipPath, fmt.Errorf("not a valid zip archive: %w", err))
	}
	defer r.Close()
	return validateMembers(zipPath, r.File, limits)
}

func validateMembers(zipPath string, files []*zip.File, limits Limits) ([]Member, error) {
	if limits.MaxEntries > 0 && len(files) > limits.MaxEntries {
		return nil, failure.Newf(failure.ClassUnsafeArchive, "inspect", zipPath,
			"archive has %d members, limit is %d", len(files), limits.MaxEntries)
	}

	var (
		members  []Member
		offenses []string
		total    int64
		seen     = make(map[string]bool, len(files))
	)
	for _, f := range files {
		name, err := SafeMemberName(f.Name)
		if err != nil {
			offenses = append(offenses, fmt.Sprintf("%s: %v", f.Name, err))
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			offenses = append(offenses, fmt.Sprintf("%s: symlink member", f.Name))
			continue
		}
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			offenses = append(offenses, fmt.Sprintf("%s: duplicate member", f.Name))
			continue
		}
		seen[key] = true

		isDir := f.FileInfo().IsDir()
		size := int64(f.UncompressedSize64)
		total += size
		members = append(members, Member{Name: name, IsDir: isDir, Size: size, file: f})
	}
	if len(offenses) > 0 {
		sort.Strings(offenses)
		return nil, failure.New(failure.ClassUnsafeArchive, "inspect", zipPath,
			errors.New("archive members escape the extraction root"), offenses...)
	}
	if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
		return nil, failure.Newf(failure.ClassUnsafeArchive, "inspect", zipPath,
			"archive expands to %d bytes, limit is %d", total, limits.MaxTotalBytes)
	}
	if err := checkFileDirConflicts(members); err != nil {
		return nil, failure.New(failure.ClassUnsafeArchive, "inspect", zipPath, err)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

// SafeMemberName normalizes an archive member name to a relative slash
// path, or explains why it is unsafe. Directory members keep no trailing
// slash. The archive root itself normalizes to "".
func SafeMemberName(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if n == "" {
		return "", errors.New("empty member name")
	}
	if strings.HasPrefix(n, "/") {
		return "", errors.New("absolute path")
	}
	if len(n) >= 2 && n[1] == ':' {
		return "", errors.New("drive-qualified path")
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", errors.New("parent directory segment")
		}
	}
	if strings.ContainsRune(n, 0) {
		return "", errors.New("NUL in member name")
	}
	clean := path.Clean(n)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// checkFileDirConflicts rejects archives where a file member is also used
// as a parent directory of another member.
func checkFileDirConflicts(members []Member) error {
	files := make(map[string]bool)
	for _, m := range members {
		if !m.IsDir {
			files[strings.ToLower(m.Name)] = true
		}
	}
	for _, m := range members {
		for dir := path.Dir(m.Name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if files[strings.ToLower(dir)] {
				return fmt.Errorf("member %s is nested under file member %s", m.Name, dir)
			}
		}
	}
	return nil
}

// Extract expands a zip archive into dest.
//
// # Description
//
// All members are validated before the first write. Members are written in
// sorted order into a hidden sibling directory which is renamed to dest
// once every member has been written, so dest either holds the complete
// archive or does not exist.
//
// # Inputs
//
//   - ctx: Checked between members.
//   - zipPath: The archive.
//   - dest: Target directory. Must not exist.
//   - limits: Entry count and size bounds.
//
// # Outputs
//
//   - *Result: Members and the digest of their contents.
//   - error: UnsafeArchive, ValidationError for non-zip input, or the
//     underlying I/O error.
func Extract(ctx context.Context, zipPath, dest string, limits Limits) (*Result, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, failure.New(failure.ClassValidation, "extract", zipPath, fmt.Errorf("not a valid zip archive: %w", err))
	}
	defer r.Close()

	members, err := validateMembers(zipPath, r.File, limits)
	if err != nil {
		return nil, err
	}

	if _, err := os.Lstat(dest); err == nil {
		return nil, fmt.Errorf("extract: destination %s already exists", dest)
	}
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("extract: creating parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".extract-")
	if err != nil {
		return nil, fmt.Errorf("extract: creating temp dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	var (
		entries []TreeEntry
		written int64
	)
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := filepath.Join(tmp, filepath.FromSlash(m.Name))
		if m.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("extract: %w", err)
			}
			continue
		}
		budget := int64(-1)
		if limits.MaxTotalBytes > 0 {
			budget = limits.MaxTotalBytes - written
		}
		sum, n, err := writeMember(m.file, target, budget)
		if err != nil {
			if errors.Is(err, errMemberTooLarge) {
				return nil, failure.New(failure.ClassUnsafeArchive, "extract", zipPath, err, m.Name)
			}
			if isCorrupt(err) {
				return nil, failure.New(failure.ClassIntegrity, "extract", zipPath,
					fmt.Errorf("member %s is corrupt: %w", m.Name, err), m.Name)
			}
			return nil, fmt.Errorf("extract %s: %w", m.Name, err)
		}
		written += n
		entries = append(entries, TreeEntry{Path: m.Name, Hash: sum, Size: n})
	}

	if err := os.Rename(tmp, dest); err != nil {
		return nil, fmt.Errorf("extract: placing %s: %w", dest, err)
	}
	committed = true

	return &Result{Dir: dest, Members: members, Entries: entries, Digest: DigestEntries(entries)}, nil
}

var errMemberTooLarge = errors.New("member expands past the archive size limit")

// isCorrupt reports whether err came from reading damaged member data
// rather than from the destination file system.
func isCorrupt(err error) bool {
	var flateErr flate.CorruptInputError
	return errors.Is(err, zip.ErrChecksum) ||
		errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, zip.ErrAlgorithm) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &flateErr)
}

// writeMember copies one member to target while hashing it. budget < 0
// means unlimited; the declared size is not trusted.
func writeMember(f *zip.File, target string, budget int64) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}

	var src io.Reader = rc
	if budget >= 0 {
		src = io.LimitReader(rc, budget+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	if budget >= 0 && n > budget {
		return "", 0, errMemberTooLarge
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
