// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunSummary is the per-run state exported to the node exporter textfile
// collector.
type RunSummary struct {
	CaseID   string
	Mode     string
	Class    string
	ExitCode int
	Finished time.Time
	Duration time.Duration
	// Entries counts plan entries by status (committed, duplicate, ...).
	Entries map[string]int
}

// =============================================================================
// Prometheus textfile for batch runs
// =============================================================================

// WriteTextfile writes summary to path in the Prometheus text format.
//
// # Description
//
// A run is a batch job with no scrape endpoint, so its last outcome is
// exported through the node exporter textfile collector. The file is
// written to a temporary name and renamed into place.
//
// # Inputs
//
//   - path: Destination .prom file.
//   - summary: The finished run.
//
// # Outputs
//
//   - error: Non-nil if a metric could not be registered or written.
func WriteTextfile(path string, summary RunSummary) error {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"case_id": summary.CaseID, "mode": summary.Mode}

	lastRun := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casestage",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished",
	}, []string{"case_id", "mode"})
	success := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casestage",
		Name:      "last_run_success",
		Help:      "1 if the last run exited 0",
	}, []string{"case_id", "mode"})
	exitCode := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casestage",
		Name:      "last_run_exit_code",
		Help:      "Exit code of the last run",
	}, []string{"case_id", "mode", "class"})
	duration := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casestage",
		Name:      "last_run_duration_seconds",
		Help:      "Wall time of the last run",
	}, []string{"case_id", "mode"})
	entries := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "casestage",
		Name:      "last_run_plan_entries",
		Help:      "Plan entries of the last run, by status",
	}, []string{"case_id", "mode", "status"})

	finished := summary.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	lastRun.With(labels).Set(float64(finished.Unix()))
	ok := 0.0
	if summary.ExitCode == 0 {
		ok = 1
	}
	success.With(labels).Set(ok)
	exitCode.WithLabelValues(summary.CaseID, summary.Mode, summary.Class).Set(float64(summary.ExitCode))
	duration.With(labels).Set(summary.Duration.Seconds())

	statuses := make([]string, 0, len(summary.Entries))
	for s := range summary.Entries {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		entries.WithLabelValues(summary.CaseID, summary.Mode, s).Set(float64(summary.Entries[s]))
	}

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
