// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/resolver"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
	"github.com/AleutianAI/casestage/services/staging/transform"
)

// DefaultTransformTimeout bounds one transform call.
const DefaultTransformTimeout = 10 * time.Minute

// Slot configures one artifact kind.
type Slot struct {
	// Explicit is a user-supplied path. Empty means auto-discover.
	Explicit string
	// Skip leaves the kind out of the run entirely.
	Skip bool
	// Required turns an unresolved slot into a failure.
	Required bool
}

// DefaultSlots requires MRI and TDC and treats the report as optional.
func DefaultSlots() map[casectx.Kind]Slot {
	return map[casectx.Kind]Slot{
		casectx.KindMRI: {Required: true},
		casectx.KindTDC: {Required: true},
		casectx.KindPDF: {},
	}
}

// Options is the immutable input of one run.
type Options struct {
	Root   string
	CaseID string
	Layout casectx.Layout

	Slots    map[casectx.Kind]Slot
	TieBreak resolver.TieBreak
	// Patterns overrides discovery globs per kind.
	Patterns map[casectx.Kind][]string

	DryRun        bool
	Parallel      bool
	KeepScratch   bool
	StageAttempts int
	SourceWatch   bool
	Limits        archive.Limits
	MaxSuffix     int

	// RunID names the workspace and manifest. Generated when empty.
	RunID string

	Transformer      transform.Transformer
	TransformTimeout time.Duration

	// ManifestOut receives an extra copy of the manifest. For a dry run it
	// replaces stdout.
	ManifestOut string
	// Stdout receives the dry-run manifest when ManifestOut is empty.
	Stdout io.Writer
	// Stderr receives the manifest of a rejected run on a new case when
	// ManifestOut is empty.
	Stderr io.Writer

	// Config is the effective configuration recorded in the manifest.
	Config any

	Logger *slog.Logger
	Tracer *telemetry.Tracer
	// Now is the clock; tests pin it.
	Now func() time.Time
}

// NewRunID returns a sortable, unique run identifier:
// 20250301T120000Z_1a2b3c4d.
func NewRunID(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return now.UTC().Format("20060102T150405Z") + "_" + id[:8]
}

func (o *Options) setDefaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewTracer(o.Logger, false)
	}
	if o.Layout == (casectx.Layout{}) {
		o.Layout = casectx.DefaultLayout()
	}
	if o.Slots == nil {
		o.Slots = DefaultSlots()
	}
	if o.TieBreak == "" {
		o.TieBreak = resolver.TieBreakNewest
	}
	if o.StageAttempts < 1 {
		o.StageAttempts = 1
	}
	if o.Limits == (archive.Limits{}) {
		o.Limits = archive.DefaultLimits()
	}
	if o.MaxSuffix < 1 {
		o.MaxSuffix = commit.DefaultMaxSuffix
	}
	if o.TransformTimeout <= 0 {
		o.TransformTimeout = DefaultTransformTimeout
	}
	if o.RunID == "" {
		o.RunID = NewRunID(o.Now())
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Transformer == nil {
		o.Transformer = transform.Passthrough{CaseID: strings.TrimSpace(o.CaseID)}
	}
}

// validate checks options that the case context does not cover.
func (o *Options) validate() error {
	if strings.ContainsAny(o.RunID, `/\`) || o.RunID == "." || o.RunID == ".." {
		return failure.Newf(failure.ClassValidation, "options", "", "invalid run id %q", o.RunID)
	}
	active := 0
	for _, k := range casectx.Kinds {
		s := o.Slots[k]
		if s.Skip && s.Explicit != "" {
			return failure.Newf(failure.ClassValidation, "options", "",
				"%s input given but the %s slot is skipped", k, k)
		}
		if s.Skip && s.Required {
			return failure.Newf(failure.ClassValidation, "options", "",
				"%s slot cannot be both required and skipped", k)
		}
		if !s.Skip {
			active++
		}
	}
	if active == 0 {
		return failure.Newf(failure.ClassValidation, "options", "", "every slot is skipped; nothing to stage")
	}
	if _, err := resolver.ParseTieBreak(string(o.TieBreak)); err != nil {
		return failure.New(failure.ClassValidation, "options", "", err)
	}
	return nil
}

// slotsSummary renders slots for logging.
func (o *Options) slotsSummary() string {
	parts := make([]string, 0, len(casectx.Kinds))
	for _, k := range casectx.Kinds {
		s := o.Slots[k]
		state := "optional"
		switch {
		case s.Skip:
			state = "skipped"
		case s.Required:
			state = "required"
		}
		if s.Explicit != "" {
			state += " explicit"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, state))
	}
	return strings.Join(parts, " ")
}
