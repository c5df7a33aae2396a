// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selftest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/casestage/services/staging/archive"
)

// SessionName is the TDC session carried by the fixture package.
const SessionName = "_2024-11-05--09-15-42 2048"

// Fixtures are the generated input files.
type Fixtures struct {
	Dir string
	// MRI is a small imaging package with a DICOMDIR and two series.
	MRI string
	// LargeMRI has the same layout as MRI with a bigger payload.
	LargeMRI string
	// TDC holds one session with Raw data, local.db and application logs.
	TDC string
	PDF string
	// UnsafeMRI carries a member that escapes the extraction root.
	UnsafeMRI string
	// NotZip is a file with a zip-like role and non-zip content.
	NotZip string
}

// pattern returns n deterministic bytes.
func pattern(n int, seed uint32) []byte {
	b := make([]byte, n)
	x := seed | 1
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

func mriMembers(payload int) []archive.File {
	return []archive.File{
		{Name: "DICOMDIR", Data: []byte("DICM fixture index")},
		{Name: "DICOM/ST000000/SE000000/IM000000", Data: pattern(payload, 7)},
		{Name: "DICOM/ST000000/SE000001/IM000000", Data: pattern(payload/2, 11)},
	}
}

func tdcMembers() []archive.File {
	root := "TDC Sessions/"
	return []archive.File{
		{Name: root + SessionName + "/local.db", Data: []byte("SQLite format 3\x00fixture")},
		{Name: root + SessionName + "/Raw/frame_0000.bin", Data: pattern(2048, 13)},
		{Name: root + SessionName + "/Raw/frame_0001.bin", Data: pattern(2048, 17)},
		{Name: root + "applog/Logs/TDCApp.log", Data: []byte("2024-11-05 09:15:42 session started\n")},
	}
}

// WriteFixtures generates every fixture into dir.
func WriteFixtures(dir string) (Fixtures, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Fixtures{}, fmt.Errorf("fixtures: %w", err)
	}
	f := Fixtures{
		Dir:       dir,
		MRI:       filepath.Join(dir, "mri_fixture.zip"),
		LargeMRI:  filepath.Join(dir, "mri_fixture_large.zip"),
		TDC:       filepath.Join(dir, "tdc_fixture.zip"),
		PDF:       filepath.Join(dir, "report_fixture.pdf"),
		UnsafeMRI: filepath.Join(dir, "mri_unsafe.zip"),
		NotZip:    filepath.Join(dir, "bad_mri.rar"),
	}

	zips := []struct {
		path  string
		files []archive.File
	}{
		{f.MRI, mriMembers(4 << 10)},
		{f.LargeMRI, mriMembers(32 << 10)},
		{f.TDC, tdcMembers()},
		{f.UnsafeMRI, []archive.File{
			{Name: "DICOMDIR", Data: []byte("DICM")},
			{Name: "../../escaped.txt", Data: []byte("outside")},
		}},
	}
	for _, z := range zips {
		var buf bytes.Buffer
		if err := archive.WriteFiles(&buf, z.files); err != nil {
			return Fixtures{}, fmt.Errorf("fixtures: %s: %w", filepath.Base(z.path), err)
		}
		if err := os.WriteFile(z.path, buf.Bytes(), 0o644); err != nil {
			return Fixtures{}, fmt.Errorf("fixtures: %w", err)
		}
	}

	files := map[string][]byte{
		f.PDF:    []byte("%PDF-1.4\n1 0 obj <<>> endobj\n%%EOF\n"),
		f.NotZip: append([]byte("Rar!\x1a\x07\x00"), pattern(256, 19)...),
	}
	for p, data := range files {
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return Fixtures{}, fmt.Errorf("fixtures: %w", err)
		}
	}
	return f, nil
}

// copyFile copies a fixture to dst, creating parent directories.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
