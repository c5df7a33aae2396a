// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/runmanifest"
	"github.com/AleutianAI/casestage/services/staging/selftest"
)

const testCase = "017_01-474"

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--output", "machine", "--json-logs=false", "--log-level", "warn"}, args...)
	// Subcommand flags must follow the subcommand.
	args = reorder(args)
	code := execute(context.Background(), args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// reorder moves the leading subcommand names in front of the global flags
// so tests can list globals first.
func reorder(args []string) []string {
	var globals, rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output", "--log-level":
			globals = append(globals, args[i], args[i+1])
			i++
		case "--json-logs=false":
			globals = append(globals, args[i])
		default:
			rest = append(rest, args[i:]...)
			i = len(args)
		}
	}
	return append(rest, globals...)
}

func fixtures(t *testing.T) selftest.Fixtures {
	t.Helper()
	fx, err := selftest.WriteFixtures(filepath.Join(t.TempDir(), "fixtures"))
	require.NoError(t, err)
	return fx
}

func TestRun_StagesCase(t *testing.T) {
	fx := fixtures(t)
	root := t.TempDir()
	metrics := filepath.Join(t.TempDir(), "casestage.prom")

	res := runCLI(t, "run", "--root", root, "--case", testCase,
		"--mri", fx.MRI, "--tdc", `"`+fx.TDC+`"`, "--pdf", fx.PDF,
		"--run-id", "cli1", "--metrics-textfile", metrics)
	require.Equal(t, failure.ExitSuccess, res.code, "stdout:\n%s\nstderr:\n%s", res.stdout, res.stderr)

	cc, err := casectx.New(root, testCase, casectx.DefaultLayout())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cc.MRIDir(), testCase+"_MRI.zip"))
	assert.FileExists(t, filepath.Join(cc.MiscDir(), testCase+"_TreatmentReport.pdf"))
	assert.FileExists(t, filepath.Join(cc.LogsDir(), runLogName(testCase, "cli1")), "run log travels with the case")

	assert.Contains(t, res.stdout, "OK: run finished")
	assert.Contains(t, res.stdout, "SUMMARY: committed=")

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "casestage_last_run_exit_code")

	// A rerun commits nothing new and the guard finds the case canonical.
	again := runCLI(t, "run", "--root", root, "--case", testCase,
		"--mri", fx.MRI, "--tdc", fx.TDC, "--pdf", fx.PDF)
	require.Equal(t, failure.ExitSuccess, again.code, again.stderr)
	assert.Contains(t, again.stdout, "committed=0")
	assert.NoFileExists(t, filepath.Join(cc.MRIDir(), testCase+"_MRI_2.zip"))

	check := runCLI(t, "guard", "--root", root, "--case", testCase)
	assert.Equal(t, failure.ExitSuccess, check.code, check.stdout+check.stderr)
	assert.Contains(t, check.stdout, "status\tcanonical")
}

func TestRun_DryRunPrintsManifest(t *testing.T) {
	fx := fixtures(t)
	root := t.TempDir()

	res := runCLI(t, "run", "--root", root, "--case", testCase, "--dry-run",
		"--mri", fx.MRI, "--tdc", fx.TDC, "--skip-pdf")
	require.Equal(t, failure.ExitSuccess, res.code, res.stderr)

	var m runmanifest.Manifest
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &m), "stdout must be the manifest only")
	assert.Equal(t, runmanifest.ModeDryRun, m.Mode)
	assert.NotEmpty(t, m.Plan)
	assert.NoDirExists(t, filepath.Join(root, testCase))
	assert.Contains(t, res.stderr, "OK: dry_run finished")
}

func TestRun_MissingRequiredInput(t *testing.T) {
	root := t.TempDir()
	res := runCLI(t, "run", "--root", root, "--case", testCase, "--skip-pdf", "--run-id", "gone1")
	assert.Equal(t, failure.ExitValidation, res.code)
	assert.Contains(t, res.stdout, string(failure.ClassNotFound))

	// Nothing is left behind for a case that never existed.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, filepath.Join(os.TempDir(), "casestage", runLogName(testCase, "gone1")))
	assert.Contains(t, res.stderr, `"run_id": "gone1"`)
}

func TestRun_UnsafeArchive(t *testing.T) {
	fx := fixtures(t)
	res := runCLI(t, "run", "--root", t.TempDir(), "--case", testCase,
		"--mri", fx.UnsafeMRI, "--tdc", fx.TDC, "--skip-pdf")
	assert.Equal(t, failure.ExitProcessing, res.code)
	assert.Contains(t, res.stdout, string(failure.ClassUnsafeArchive))
}

func TestRun_ConfigFile(t *testing.T) {
	fx := fixtures(t)
	root := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "casestage.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("layout:\n  mri: MRI\nrequire:\n  tdc: false\n"), 0o644))

	res := runCLI(t, "run", "--root", root, "--case", testCase, "--config", cfgPath,
		"--mri", fx.MRI, "--skip-tdc", "--skip-pdf")
	require.Equal(t, failure.ExitSuccess, res.code, res.stdout+res.stderr)
	assert.FileExists(t, filepath.Join(root, testCase, "MRI", testCase+"_MRI.zip"))
}

func TestRun_UsageErrors(t *testing.T) {
	fx := fixtures(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing case", []string{"run", "--root", t.TempDir()}, "--case"},
		{"missing root and case", []string{"run"}, "--case, --root"},
		{"unknown flag", []string{"run", "--frobnicate"}, "frobnicate"},
		{"positional arg", []string{"run", "extra"}, "takes no arguments"},
		{"skip and explicit", []string{"run", "--root", t.TempDir(), "--case", testCase, "--mri", fx.MRI, "--skip-mri"}, "skipped"},
		{"bad tie break", []string{"run", "--root", t.TempDir(), "--case", testCase, "--tie-break", "random"}, "TieBreak"},
		{"bad case id", []string{"run", "--root", t.TempDir(), "--case", "../x"}, ""},
		{"missing config", []string{"run", "--root", t.TempDir(), "--case", testCase, "--config", "/nonexistent/c.yaml"}, "not found"},
		{"unknown command", []string{"stage"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, tt.args...)
			assert.Equal(t, failure.ExitValidation, res.code, res.stdout+res.stderr)
			assert.Contains(t, res.stdout+res.stderr, tt.want)
		})
	}
}

func TestRoot_BadLogLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"guard", "--log-level", "loud"}, &stdout, &stderr)
	assert.Equal(t, failure.ExitValidation, code)
	assert.Contains(t, stderr.String(), "loud")
}

func TestGuard_MissingCase(t *testing.T) {
	res := runCLI(t, "guard", "--root", t.TempDir(), "--case", "nope", "--fix")
	assert.Equal(t, failure.ExitValidation, res.code)
	assert.Contains(t, res.stdout, string(failure.ClassNotFound))
}

func TestGuard_DriftAndFix(t *testing.T) {
	fx := fixtures(t)
	root := t.TempDir()
	require.Equal(t, failure.ExitSuccess, runCLI(t, "run", "--root", root, "--case", testCase,
		"--mri", fx.MRI, "--tdc", fx.TDC, "--pdf", fx.PDF).code)

	cc, err := casectx.New(root, testCase, casectx.DefaultLayout())
	require.NoError(t, err)
	require.NoError(t, os.Rename(
		filepath.Join(cc.TDCDir(), selftest.SessionName),
		filepath.Join(cc.CaseDir(), selftest.SessionName)))

	check := runCLI(t, "guard", "--root", root, "--case", testCase)
	assert.Equal(t, failure.ExitProcessing, check.code)
	assert.Contains(t, check.stdout, "status\tdrifted")
	assert.DirExists(t, filepath.Join(cc.CaseDir(), selftest.SessionName), "check must not move anything")

	fix := runCLI(t, "guard", "--root", root, "--case", testCase, "--fix")
	assert.Equal(t, failure.ExitSuccess, fix.code, fix.stdout+fix.stderr)
	assert.Contains(t, fix.stdout, "status\trepaired")
	assert.DirExists(t, filepath.Join(cc.TDCDir(), selftest.SessionName))
}

func TestSelfTest(t *testing.T) {
	if testing.Short() {
		t.Skip("full self-test")
	}
	res := runCLI(t, "selftest")
	assert.Equal(t, failure.ExitSuccess, res.code, res.stdout+res.stderr)
	assert.Contains(t, res.stdout, "SUMMARY: passed=")
	assert.Contains(t, res.stdout, "failed=0")
}

func TestConfig_InitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casestage.yaml")

	res := runCLI(t, "config", "init", path)
	require.Equal(t, failure.ExitSuccess, res.code, res.stderr)
	assert.FileExists(t, path)

	res = runCLI(t, "config", "init", path)
	assert.Equal(t, failure.ExitValidation, res.code, "init never overwrites")

	res = runCLI(t, "config", "show", "--config", path)
	require.Equal(t, failure.ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "tie_break: newest")
	assert.True(t, strings.Contains(res.stdout, "MR DICOM"))
}

func TestRelTo(t *testing.T) {
	dir := filepath.Join("/data", "case")
	assert.Equal(t, filepath.Join("Misc", "a.pdf"), relTo(dir, filepath.Join(dir, "Misc", "a.pdf")))
	assert.Equal(t, "/elsewhere/a.pdf", relTo(dir, "/elsewhere/a.pdf"))
	assert.Equal(t, "/x", relTo("", "/x"))
}
