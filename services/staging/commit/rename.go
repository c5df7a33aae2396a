// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package commit

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// TempPrefix names hidden temporaries created inside destination
// directories by cross-device commits. Leftovers are orphans of an
// interrupted run and are removed by the layout guard.
const TempPrefix = ".casestage-commit-"

// portableRename renames src to dst without replacing an existing dst.
// Files use a hard link, which fails atomically when dst exists. For
// directories the existence check and the rename are separate steps.
func portableRename(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.Link(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	}
	return os.Rename(src, dst)
}

// copyToTemp copies src (file or tree) into a new hidden temporary inside
// dir and returns its path.
func copyToTemp(src, dir string, isDir bool) (string, error) {
	if isDir {
		tmp, err := os.MkdirTemp(dir, TempPrefix)
		if err != nil {
			return "", err
		}
		if err := os.Chmod(tmp, 0o755); err != nil {
			_ = os.RemoveAll(tmp)
			return "", err
		}
		if err := copyTree(src, tmp); err != nil {
			_ = os.RemoveAll(tmp)
			return "", err
		}
		return tmp, nil
	}

	out, err := os.CreateTemp(dir, TempPrefix)
	if err != nil {
		return "", err
	}
	tmp := out.Name()
	err = copyFileTo(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func copyFileTo(out *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Chmod(0o644); err != nil {
		return err
	}
	return out.Sync()
}

// copyTree copies the regular files and directories below src into dst,
// which must exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.Mkdir(target, 0o755)
		case d.Type().IsRegular():
			out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			err = copyFileTo(out, p)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			return err
		default:
			return fmt.Errorf("copy %s: unsupported file type %s", p, d.Type())
		}
	})
}
