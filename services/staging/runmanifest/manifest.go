// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runmanifest records everything one run saw, decided and did, and
// writes it once as JSON.
//
// Keys are additive: readers must ignore unknown keys and writers never
// rename or drop one within a schema version.
package runmanifest

import (
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/commit"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/guard"
	"github.com/AleutianAI/casestage/services/staging/resolver"
	"github.com/AleutianAI/casestage/services/staging/stager"
)

// SchemaVersion is the manifest format version.
const SchemaVersion = 1

// Mode of a run.
const (
	ModeRun    = "run"
	ModeDryRun = "dry_run"
	ModeGuard  = "guard"
)

// StagingRecord is the staging outcome of one artifact.
type StagingRecord struct {
	Kind           casectx.Kind           `json:"kind"`
	Source         string                 `json:"source"`
	Status         string                 `json:"status"`
	Attempts       int                    `json:"attempts,omitempty"`
	SourceSHA256   string                 `json:"source_sha256,omitempty"`
	CopySHA256     string                 `json:"copy_sha256,omitempty"`
	Size           int64                  `json:"size,omitempty"`
	Members        int                    `json:"members,omitempty"`
	ContentDigest  string                 `json:"content_digest,omitempty"`
	Classification *stager.Classification `json:"classification,omitempty"`
	Transform      string                 `json:"transform,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Output is one path in the canonical tree that holds a run's artifact,
// whether committed by this run or already present as a duplicate.
type Output struct {
	Kind   casectx.Kind  `json:"kind"`
	Path   string        `json:"path"`
	Hash   string        `json:"hash"`
	Status commit.Status `json:"status"`
}

// ErrorRecord is one failure.
type ErrorRecord struct {
	Class   failure.Class `json:"class"`
	Op      string        `json:"op,omitempty"`
	Path    string        `json:"path,omitempty"`
	Message string        `json:"message"`
	Details []string      `json:"details,omitempty"`
}

// Exit is the run's final classification.
type Exit struct {
	Classification failure.Class `json:"classification"`
	Code           int           `json:"code"`
}

// Manifest is the record of one run.
type Manifest struct {
	SchemaVersion int                   `json:"schema_version"`
	RunID         string                `json:"run_id"`
	CaseID        string                `json:"case_id"`
	CaseDir       string                `json:"case_dir"`
	Mode          string                `json:"mode"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Config        any                   `json:"config"`
	Resolution    []resolver.Resolution `json:"resolution"`
	Staging       []StagingRecord       `json:"staging"`
	Plan          []commit.Entry        `json:"plan"`
	Artifacts     []stager.Artifact     `json:"artifacts"`
	Outputs       []Output              `json:"outputs"`
	Guard         *guard.Report         `json:"guard"`
	Warnings      []string              `json:"warnings"`
	Errors        []ErrorRecord         `json:"errors"`
	Exit          Exit                  `json:"exit"`
}

// Recorder accumulates a Manifest during a run.
//
// # Thread Safety
//
// All methods are safe for concurrent use; parallel staging records into
// the same Recorder.
type Recorder struct {
	mu sync.Mutex
	m  Manifest
}

// NewRecorder starts a manifest.
func NewRecorder(runID, caseID, caseDir, mode string, started time.Time) *Recorder {
	return &Recorder{m: Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		CaseID:        caseID,
		CaseDir:       caseDir,
		Mode:          mode,
		StartedAt:     started.UTC(),
		Resolution:    []resolver.Resolution{},
		Staging:       []StagingRecord{},
		Plan:          []commit.Entry{},
		Artifacts:     []stager.Artifact{},
		Outputs:       []Output{},
		Warnings:      []string{},
		Errors:        []ErrorRecord{},
	}}
}

// SetConfig records the effective configuration.
func (r *Recorder) SetConfig(cfg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Config = cfg
}

// AddResolution records one slot's resolution trace, and its warnings.
func (r *Recorder) AddResolution(res resolver.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Resolution = append(r.m.Resolution, res)
	r.m.Warnings = append(r.m.Warnings, res.Warnings...)
}

// AddStaged records a successfully staged artifact.
func (r *Recorder) AddStaged(s *stager.Staged, transformName string) {
	cls := s.Layout
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Staging = append(r.m.Staging, StagingRecord{
		Kind:           s.Artifact.Kind,
		Source:         s.Artifact.SourcePath,
		Status:         "staged",
		Attempts:       s.Attempts,
		SourceSHA256:   s.Artifact.ContentHash,
		CopySHA256:     s.CopyHash,
		Size:           s.Artifact.Size,
		Members:        s.Members,
		ContentDigest:  s.ContentDigest,
		Classification: &cls,
		Transform:      transformName,
	})
	r.m.Artifacts = append(r.m.Artifacts, s.Artifact)
	r.m.Warnings = append(r.m.Warnings, cls.Warnings...)
}

// AddStageFailure records an artifact that could not be staged.
func (r *Recorder) AddStageFailure(kind casectx.Kind, source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Staging = append(r.m.Staging, StagingRecord{
		Kind:   kind,
		Source: source,
		Status: "failed",
		Error:  err.Error(),
	})
}

// SetPlan records the plan and derives the outputs from it.
func (r *Recorder) SetPlan(p *commit.Plan) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Plan = append([]commit.Entry{}, p.Entries...)
	r.m.Outputs = r.m.Outputs[:0]
	for _, e := range p.Entries {
		if e.Status == commit.StatusCommitted || e.Status == commit.StatusDuplicate {
			r.m.Outputs = append(r.m.Outputs, Output{Kind: e.Kind, Path: e.Dest, Hash: e.Hash, Status: e.Status})
		}
	}
}

// SetGuard records a guard report.
func (r *Recorder) SetGuard(rep guard.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Guard = &rep
}

// Warn records a warning.
func (r *Recorder) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Warnings = append(r.m.Warnings, msg)
}

// Fail records an error. Nil is ignored.
func (r *Recorder) Fail(err error) {
	if err == nil {
		return
	}
	rec := ErrorRecord{Class: failure.ClassOf(err), Message: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		rec.Op = fe.Op
		rec.Path = fe.Path
		rec.Details = fe.Details
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Errors = append(r.m.Errors, rec)
}

// Finish stamps the end time and exit classification from err and returns
// a copy of the manifest.
func (r *Recorder) Finish(err error, finished time.Time) Manifest {
	class := failure.ClassOf(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.FinishedAt = finished.UTC()
	r.m.Exit = Exit{Classification: class, Code: class.ExitCode()}
	return r.m
}
