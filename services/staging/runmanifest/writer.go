// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runmanifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

// FileName returns the manifest file name for a run.
func FileName(caseID, runID string) string {
	return caseID + "__" + runID + "__manifest.json"
}

// Encode writes m as indented JSON.
func Encode(w io.Writer, m Manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Write stores m in dir under its run-specific name and returns the path.
//
// # Description
//
// The manifest is written to a temporary file, synced, and then linked to
// its final name. The link fails if the name exists, so a manifest is
// written at most once and never replaced.
func Write(dir string, m Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	final := filepath.Join(dir, FileName(m.CaseID, m.RunID))

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = Encode(tmp, m)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("manifest: writing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}

	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", failure.New(failure.ClassProcessing, "manifest", final, errors.New("manifest for this run already exists"))
		}
		return "", fmt.Errorf("manifest: %w", err)
	}
	return final, nil
}

// WriteFile stores m at an explicit path, refusing to replace a file.
func WriteFile(path string, m Manifest) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return failure.New(failure.ClassValidation, "manifest", path, errors.New("refusing to overwrite existing file"))
		}
		return fmt.Errorf("manifest: %w", err)
	}
	err = Encode(f, m)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Read loads a manifest.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}
