// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/casestage/services/staging/casectx"
)

// TieBreak selects one candidate when several match a slot.
type TieBreak string

const (
	// TieBreakNewest picks the most recently modified candidate.
	TieBreakNewest TieBreak = "newest"
	// TieBreakLargest picks the largest candidate.
	TieBreakLargest TieBreak = "largest"
	// TieBreakFirst picks the lexicographically first file name,
	// compared case-insensitively.
	TieBreakFirst TieBreak = "first"
)

// ParseTieBreak parses a policy name.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case TieBreakNewest:
		return TieBreakNewest, nil
	case TieBreakLargest:
		return TieBreakLargest, nil
	case TieBreakFirst:
		return TieBreakFirst, nil
	default:
		return "", fmt.Errorf("unknown tie-break policy %q (want newest, largest or first)", s)
	}
}

// DefaultPatterns returns the discovery globs for each kind. Patterns are
// matched case-insensitively against base names. MR and MRI spellings are
// treated alike.
func DefaultPatterns() map[casectx.Kind][]string {
	return map[casectx.Kind][]string{
		casectx.KindMRI: {"*MRI*.zip", "*MR*.zip", "MR_*.zip", "MRI_*.zip"},
		casectx.KindTDC: {"*TDC*.zip"},
		casectx.KindPDF: {"*.pdf"},
	}
}

// Request asks for one slot.
type Request struct {
	Kind casectx.Kind
	// Explicit is the raw user-supplied path. Empty means auto-discover.
	Explicit string
	// Required makes an unresolved slot an error instead of a warning.
	Required bool
}

// Candidate is one file considered for a slot.
type Candidate struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	// Root is the search root the candidate was found under.
	Root string `json:"search_root"`
}

// Rejected is a candidate excluded before the tie-break.
type Rejected struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Resolution is the trace of one slot's resolution. It is returned even
// when resolution fails so the manifest can record what was seen.
type Resolution struct {
	Kind             casectx.Kind `json:"kind"`
	Required         bool         `json:"required"`
	Explicit         bool         `json:"explicit"`
	RawInput         string       `json:"raw_input,omitempty"`
	SearchRoots      []string     `json:"search_roots,omitempty"`
	Patterns         []string     `json:"patterns,omitempty"`
	Candidates       []Candidate  `json:"candidates"`
	Rejected         []Rejected   `json:"rejected,omitempty"`
	FilteredByCaseID bool         `json:"filtered_by_case_id"`
	CaseAliases      []string     `json:"case_aliases,omitempty"`
	Rule             TieBreak     `json:"rule,omitempty"`
	Selected         string       `json:"selected,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
}

// Resolved reports whether a file was selected.
func (r Resolution) Resolved() bool {
	return r.Selected != ""
}
