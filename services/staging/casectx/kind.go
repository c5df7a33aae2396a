// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package casectx

import (
	"fmt"
	"strings"
)

// Kind identifies the input slot an artifact was supplied for.
//
// The set is closed. An artifact's kind comes from the slot it was
// resolved into, never from its file name: a TDC package whose name
// contains "mri" is still TDC.
type Kind int

const (
	KindMRI Kind = iota + 1
	KindTDC
	KindPDF
)

// Kinds lists every kind in processing order.
var Kinds = []Kind{KindMRI, KindTDC, KindPDF}

// String returns the lowercase slot name used in manifests and flags.
func (k Kind) String() string {
	switch k {
	case KindMRI:
		return "mri"
	case KindTDC:
		return "tdc"
	case KindPDF:
		return "pdf"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsArchive reports whether artifacts of this kind are zip packages.
func (k Kind) IsArchive() bool {
	return k == KindMRI || k == KindTDC
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k == KindMRI || k == KindTDC || k == KindPDF
}

// ParseKind parses a slot name. "mr" is accepted as an alias for "mri".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mri", "mr":
		return KindMRI, nil
	case "tdc":
		return KindTDC, nil
	case "pdf":
		return KindPDF, nil
	default:
		return 0, fmt.Errorf("unknown artifact kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
