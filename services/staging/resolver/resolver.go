// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver finds the input file for each artifact slot of a case.
//
// # Description
//
// A slot is resolved either from an explicit path or by searching, in
// order, <case_dir>/incoming/, <case_dir>/ and <root>/incoming/<case_id>/
// for files matching the slot's patterns. Candidates are accepted by
// content (zip central directory, PDF header), narrowed to those naming
// the case when any do, and a single file is chosen by the configured
// tie-break. Every step is recorded in the returned Resolution.
//
// The resolver never writes to the filesystem.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
)

// Resolver resolves slots for one case.
//
// # Thread Safety
//
// A Resolver is immutable after New and safe for concurrent use.
type Resolver struct {
	cc       casectx.CaseContext
	policy   TieBreak
	patterns map[casectx.Kind][]string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPatterns replaces the discovery patterns for one kind.
func WithPatterns(kind casectx.Kind, patterns []string) Option {
	return func(r *Resolver) {
		r.patterns[kind] = append([]string(nil), patterns...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Resolver.
//
// # Outputs
//
//   - *Resolver: Ready to use.
//   - error: ValidationError for an unknown policy or a malformed pattern.
func New(cc casectx.CaseContext, policy TieBreak, opts ...Option) (*Resolver, error) {
	if _, err := ParseTieBreak(string(policy)); err != nil {
		return nil, failure.New(failure.ClassValidation, "resolver", "", err)
	}
	r := &Resolver{
		cc:       cc,
		policy:   policy,
		patterns: DefaultPatterns(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	for kind, pats := range r.patterns {
		for _, p := range pats {
			if _, err := filepath.Match(strings.ToLower(p), ""); err != nil {
				return nil, failure.Newf(failure.ClassValidation, "resolver", "", "%s pattern %q: %v", kind, p, err)
			}
		}
	}
	return r, nil
}

// SearchRoots returns the discovery directories in search order.
func (r *Resolver) SearchRoots() []string {
	return []string{r.cc.IncomingDir(), r.cc.CaseDir(), r.cc.SharedIncomingDir()}
}

// SanitizePath cleans a user-supplied path: surrounding whitespace and one
// matching pair of quotes are removed. An empty result is a ValidationError.
func SanitizePath(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return "", failure.Newf(failure.ClassValidation, "resolve", "", "empty path after sanitizing %q", raw)
	}
	return filepath.Clean(s), nil
}

// Resolve resolves one slot.
//
// # Outputs
//
//   - Resolution: The trace, populated even on error.
//   - error: ValidationError for unusable explicit input, NotFound when a
//     required slot has no candidate, AmbiguousCandidate when the policy
//     cannot separate the best candidates.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	res := Resolution{Kind: req.Kind, Required: req.Required}
	if !req.Kind.Valid() {
		return res, failure.Newf(failure.ClassValidation, "resolve", "", "invalid artifact kind %d", int(req.Kind))
	}
	if req.Explicit != "" {
		return r.resolveExplicit(req, res)
	}
	return r.discover(ctx, req, res)
}

func (r *Resolver) resolveExplicit(req Request, res Resolution) (Resolution, error) {
	res.Explicit = true
	res.RawInput = req.Explicit

	p, err := SanitizePath(req.Explicit)
	if err != nil {
		return res, err
	}
	if !filepath.IsAbs(p) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return res, failure.New(failure.ClassNotFound, "resolve", p, fmt.Errorf("%s input does not exist", req.Kind))
	}
	if err != nil {
		return res, fmt.Errorf("resolve %s: %w", req.Kind, err)
	}
	if !info.Mode().IsRegular() {
		return res, failure.Newf(failure.ClassValidation, "resolve", p, "%s input is not a regular file", req.Kind)
	}
	if reason := contentProblem(req.Kind, p); reason != "" {
		return res, failure.Newf(failure.ClassValidation, "resolve", p, "%s input rejected: %s", req.Kind, reason)
	}
	if w := extensionWarning(req.Kind, p); w != "" {
		res.Warnings = append(res.Warnings, w)
		r.logger.Warn("input accepted by content", "kind", req.Kind.String(), "path", p, "warning", w)
	}

	res.Candidates = []Candidate{{Path: p, Size: info.Size(), ModTime: info.ModTime().UTC()}}
	res.Selected = p
	r.logger.Info("resolved explicit input", "kind", req.Kind.String(), "path", p)
	return res, nil
}

func (r *Resolver) discover(ctx context.Context, req Request, res Resolution) (Resolution, error) {
	res.SearchRoots = r.SearchRoots()
	res.Patterns = r.patterns[req.Kind]
	res.Rule = r.policy

	cands, rejected, err := r.scan(ctx, req.Kind, res.SearchRoots, res.Patterns)
	if err != nil {
		return res, err
	}
	res.Rejected = rejected

	if len(cands) > 1 {
		var named []Candidate
		for _, c := range cands {
			if r.cc.MatchesCaseID(filepath.Base(c.Path)) {
				named = append(named, c)
			}
		}
		if len(named) > 0 && len(named) < len(cands) {
			res.FilteredByCaseID = true
			res.CaseAliases = r.cc.Aliases()
			for _, c := range cands {
				if !r.cc.MatchesCaseID(filepath.Base(c.Path)) {
					res.Rejected = append(res.Rejected, Rejected{Path: c.Path, Reason: "name does not carry the case id"})
				}
			}
			cands = named
		}
	}
	res.Candidates = cands

	if len(cands) == 0 {
		if req.Required {
			return res, failure.New(failure.ClassNotFound, "resolve", "",
				fmt.Errorf("no %s candidate found", req.Kind), res.SearchRoots...)
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("no optional %s input found", req.Kind))
		r.logger.Warn("optional input not found", "kind", req.Kind.String())
		return res, nil
	}

	chosen, tied := pick(cands, r.policy, res.SearchRoots)
	if len(tied) > 1 {
		paths := make([]string, len(tied))
		for i, c := range tied {
			paths[i] = c.Path
		}
		return res, failure.New(failure.ClassAmbiguous, "resolve", "",
			fmt.Errorf("%d %s candidates tie under the %q rule", len(tied), req.Kind, r.policy), paths...)
	}
	res.Selected = chosen.Path
	if w := extensionWarning(req.Kind, chosen.Path); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	r.logger.Info("resolved input",
		"kind", req.Kind.String(),
		"path", chosen.Path,
		"rule", string(r.policy),
		"candidates", len(cands),
	)
	return res, nil
}

// scan lists matching regular files below each root, deduplicated and
// sorted by path. Missing roots are skipped.
func (r *Resolver) scan(ctx context.Context, kind casectx.Kind, roots, patterns []string) ([]Candidate, []Rejected, error) {
	var (
		cands    []Candidate
		rejected []Rejected
		seen     = make(map[string]bool)
	)
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entries, err := os.ReadDir(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: reading %s: %w", kind, root, err)
		}
		for _, e := range entries {
			if e.IsDir() || !matchAny(patterns, e.Name()) {
				continue
			}
			p := filepath.Join(root, e.Name())
			if seen[p] {
				continue
			}
			seen[p] = true

			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if reason := contentProblem(kind, p); reason != "" {
				rejected = append(rejected, Rejected{Path: p, Reason: reason})
				continue
			}
			cands = append(cands, Candidate{Path: p, Size: info.Size(), ModTime: info.ModTime().UTC(), Root: root})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Path < cands[j].Path })
	return cands, rejected, nil
}

func matchAny(patterns []string, name string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if ok, _ := filepath.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

// pick applies the policy. When more than one candidate shares the best
// key, all of them are returned as tied.
func pick(cands []Candidate, policy TieBreak, roots []string) (Candidate, []Candidate) {
	rootRank := make(map[string]int, len(roots))
	for i, r := range roots {
		rootRank[r] = i
	}
	sorted := append([]Candidate(nil), cands...)

	switch policy {
	case TieBreakNewest:
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ModTime.After(sorted[j].ModTime) })
		var tied []Candidate
		for _, c := range sorted {
			if c.ModTime.Equal(sorted[0].ModTime) {
				tied = append(tied, c)
			}
		}
		return sorted[0], tied
	case TieBreakLargest:
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })
		var tied []Candidate
		for _, c := range sorted {
			if c.Size == sorted[0].Size {
				tied = append(tied, c)
			}
		}
		return sorted[0], tied
	default:
		// Paths are unique, so "first" never ties: equal names in
		// different roots fall back to search order.
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := filepath.Base(sorted[i].Path), filepath.Base(sorted[j].Path)
			if la, lb := strings.ToLower(a), strings.ToLower(b); la != lb {
				return la < lb
			}
			if a != b {
				return a < b
			}
			return rootRank[sorted[i].Root] < rootRank[sorted[j].Root]
		})
		return sorted[0], sorted[:1]
	}
}

// contentProblem returns why a file cannot serve as input of kind, or "".
func contentProblem(kind casectx.Kind, p string) string {
	if kind.IsArchive() {
		if !archive.IsZip(p) {
			return "not a valid zip archive"
		}
		return ""
	}
	if !archive.IsPDF(p) {
		return "no PDF header"
	}
	return ""
}

func extensionWarning(kind casectx.Kind, p string) string {
	lower := strings.ToLower(p)
	want := ".zip"
	if kind == casectx.KindPDF {
		want = ".pdf"
	}
	if !strings.HasSuffix(lower, want) {
		return fmt.Sprintf("%s does not end in %s; accepted by content", filepath.Base(p), want)
	}
	if strings.HasSuffix(lower, want+want) {
		return fmt.Sprintf("%s has a doubled %s extension", filepath.Base(p), want)
	}
	return ""
}
