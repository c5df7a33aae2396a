// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selftest exercises the whole staging pipeline against generated
// fixtures in a throwaway root.
package selftest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/pipeline"
)

// ReportFileName is written into a kept self-test root.
const ReportFileName = "selftest_report.json"

// Status of one scenario.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Result is the outcome of one scenario.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Class    failure.Class `json:"class,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report summarizes a self-test.
type Report struct {
	RunID      string    `json:"run_id"`
	Root       string    `json:"root"`
	Kept       bool      `json:"kept"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
}

// Err returns a processing error naming every failed scenario, or nil.
func (r *Report) Err() error {
	if r.Failed == 0 {
		return nil
	}
	var names []string
	for _, res := range r.Results {
		if res.Status == StatusFail {
			names = append(names, res.Name+": "+res.Detail)
		}
	}
	return failure.New(failure.ClassProcessing, "selftest", r.Root,
		fmt.Errorf("%d of %d scenarios failed", r.Failed, len(r.Results)), names...)
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if res.Status == StatusPass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// Options configures a self-test.
type Options struct {
	// Keep leaves the temporary root, with a JSON report, for inspection.
	Keep bool
	// Parent is where the temporary root is created. Empty means the OS
	// temporary directory.
	Parent string
	Logger *slog.Logger
}

// Run generates fixtures and runs every scenario.
//
// # Description
//
// Scenarios cover awkward input names and quoted paths, a rerun that must
// only find duplicates, guard repair to a fixed point, dry-run purity,
// a zip-slip archive and malformed explicit inputs. Each scenario gets its
// own case root. Scenarios keep running after one fails.
//
// # Outputs
//
//   - *Report: Per-scenario results.
//   - error: A processing error when fixtures could not be generated or any
//     scenario failed.
func Run(ctx context.Context, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	started := time.Now()
	rep := &Report{
		RunID:     "selftest_" + pipeline.NewRunID(started),
		Kept:      opts.Keep,
		StartedAt: started.UTC(),
	}

	root, err := os.MkdirTemp(opts.Parent, "casestage-selftest-")
	if err != nil {
		return rep, failure.New(failure.ClassProcessing, "selftest", opts.Parent, err)
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	rep.Root = root
	if !opts.Keep {
		defer os.RemoveAll(root)
	}

	fx, err := WriteFixtures(filepath.Join(root, "fixtures"))
	if err != nil {
		return rep, failure.New(failure.ClassProcessing, "selftest", root, err)
	}
	e := &env{root: root, fx: fx, runID: rep.RunID, logger: logger}

	for _, sc := range scenarios() {
		if err := ctx.Err(); err != nil {
			rep.add(Result{Name: sc.name, Status: StatusFail, Class: failure.ClassProcessing, Detail: "not run: " + err.Error()})
			continue
		}
		t0 := time.Now()
		err := sc.run(ctx, e)
		res := Result{Name: sc.name, Status: StatusPass, Duration: time.Since(t0)}
		if err != nil {
			res.Status = StatusFail
			res.Class = failure.ClassOf(err)
			res.Detail = err.Error()
			logger.Error("self-test scenario failed", "scenario", sc.name, "error", err)
		} else {
			logger.Info("self-test scenario passed", "scenario", sc.name, "duration", res.Duration)
		}
		rep.add(res)
	}
	rep.FinishedAt = time.Now().UTC()

	if opts.Keep {
		if err := writeReport(filepath.Join(root, ReportFileName), rep); err != nil {
			logger.Warn("writing self-test report failed", "error", err)
		}
	}
	return rep, rep.Err()
}

func writeReport(path string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
