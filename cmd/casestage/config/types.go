// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the casestage configuration file.
package config

import (
	"time"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/resolver"
)

// Config is the on-disk configuration. Every field has a default, so an
// empty or missing file is valid.
type Config struct {
	// Layout: canonical directory names inside a case
	Layout casectx.Layout `yaml:"layout" json:"layout"`

	// TieBreak: newest, largest or first
	TieBreak string `yaml:"tie_break" json:"tie_break" validate:"oneof=newest largest first"`

	// Patterns: discovery globs per kind (mri, tdc, pdf); unset kinds keep the built-in globs
	Patterns map[string][]string `yaml:"patterns,omitempty" json:"patterns,omitempty" validate:"omitempty,dive,keys,oneof=mri tdc pdf,endkeys,min=1,dive,required"`

	Require   RequireConfig   `yaml:"require" json:"require"`
	Staging   StagingConfig   `yaml:"staging" json:"staging"`
	Commit    CommitConfig    `yaml:"commit" json:"commit"`
	Transform TransformConfig `yaml:"transform" json:"transform"`
}

// RequireConfig marks which kinds must resolve.
type RequireConfig struct {
	MRI bool `yaml:"mri" json:"mri"`
	TDC bool `yaml:"tdc" json:"tdc"`
	PDF bool `yaml:"pdf" json:"pdf"`
}

type StagingConfig struct {
	Attempts      int   `yaml:"attempts" json:"attempts" validate:"min=1,max=10"`
	SourceWatch   bool  `yaml:"source_watch" json:"source_watch"`
	Parallel      bool  `yaml:"parallel" json:"parallel"`
	KeepScratch   bool  `yaml:"keep_scratch" json:"keep_scratch"`
	MaxEntries    int   `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	MaxTotalBytes int64 `yaml:"max_total_bytes" json:"max_total_bytes" validate:"min=0"`
}

type CommitConfig struct {
	MaxSuffix int `yaml:"max_suffix" json:"max_suffix" validate:"min=1,max=99999"`
}

// TransformConfig selects the transform step. An empty Command keeps the
// staged artifacts as they are.
type TransformConfig struct {
	Command []string      `yaml:"command,omitempty" json:"command,omitempty" validate:"omitempty,dive,required"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	limits := archive.DefaultLimits()
	return Config{
		Layout:   casectx.DefaultLayout(),
		TieBreak: string(resolver.TieBreakNewest),
		Require:  RequireConfig{MRI: true, TDC: true},
		Staging: StagingConfig{
			Attempts:      3,
			SourceWatch:   true,
			MaxEntries:    limits.MaxEntries,
			MaxTotalBytes: limits.MaxTotalBytes,
		},
		Commit:    CommitConfig{MaxSuffix: commit.DefaultMaxSuffix},
		Transform: TransformConfig{Timeout: 10 * time.Minute},
	}
}

// Limits returns the archive limits.
func (c Config) Limits() archive.Limits {
	return archive.Limits{MaxEntries: c.Staging.MaxEntries, MaxTotalBytes: c.Staging.MaxTotalBytes}
}

// KindPatterns returns Patterns keyed by kind. Keys are checked by Validate.
func (c Config) KindPatterns() map[casectx.Kind][]string {
	if len(c.Patterns) == 0 {
		return nil
	}
	out := make(map[casectx.Kind][]string, len(c.Patterns))
	for name, pats := range c.Patterns {
		k, err := casectx.ParseKind(name)
		if err != nil {
			continue
		}
		out[k] = append([]string(nil), pats...)
	}
	return out
}

// Required reports whether kind k must resolve.
func (c Config) Required(k casectx.Kind) bool {
	switch k {
	case casectx.KindMRI:
		return c.Require.MRI
	case casectx.KindTDC:
		return c.Require.TDC
	case casectx.KindPDF:
		return c.Require.PDF
	}
	return false
}
