// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"bytes"
	"io"
	"os"
)

// pdfHeaderWindow is how far into a file the %PDF- marker may appear.
const pdfHeaderWindow = 1024

// IsPDF reports whether the file carries a PDF header.
func IsPDF(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, pdfHeaderWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false
	}
	return bytes.Contains(buf[:n], []byte("%PDF-"))
}
