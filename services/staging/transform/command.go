// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/stager"
)

// Environment passed to the transform program.
const (
	EnvKind   = "CASESTAGE_KIND"
	EnvCaseID = "CASESTAGE_CASE_ID"
	EnvInput  = "CASESTAGE_INPUT"
	EnvOutput = "CASESTAGE_OUTPUT"
)

// waitDelay bounds how long Wait blocks on pipes held open by children
// of a killed program.
const waitDelay = 2 * time.Second

// Command runs an external program once per staged artifact.
//
// # Description
//
// The program receives the artifact through the environment:
//
//	CASESTAGE_KIND     mri, tdc or pdf
//	CASESTAGE_CASE_ID  the case id
//	CASESTAGE_INPUT    extracted content directory, or the PDF copy
//	CASESTAGE_OUTPUT   empty directory for the result
//
// and must write its result into CASESTAGE_OUTPUT. The result is read the
// same way staged content is: a single .zip (imaging) or .pdf (report)
// is taken as is, a directory of imaging files is repacked, and TDC output
// is classified into sessions and log directories.
//
// A non-zero exit is a processing error carrying stderr as a
// CommandError. Expiry of the context kills the program.
type Command struct {
	Program string
	Args    []string
	CaseID  string
	Logger  *slog.Logger
}

// Name implements Transformer.
func (c Command) Name() string { return filepath.Base(c.Program) }

// Transform implements Transformer.
func (c Command) Transform(ctx context.Context, staged *stager.Staged) (Output, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	kind := staged.Artifact.Kind
	input := staged.ContentDir
	if !kind.IsArchive() {
		input = staged.CopyPath
	}
	out, err := outDir(staged)
	if err != nil {
		return Output{}, fmt.Errorf("transform %s: %w", kind, err)
	}

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Env = append(os.Environ(),
		EnvKind+"="+kind.String(),
		EnvCaseID+"="+c.CaseID,
		EnvInput+"="+input,
		EnvOutput+"="+out,
	)
	cmd.Dir = staged.Dir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	line := strings.Join(append([]string{c.Program}, c.Args...), " ")
	start := time.Now()
	err = cmd.Run()
	logger.Info("transform command finished",
		"kind", kind.String(),
		"command", line,
		"duration", time.Since(start).String(),
		"error", errString(err),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, fmt.Errorf("transform %s: %w", kind, ctxErr)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return Output{}, failure.New(failure.ClassProcessing, "transform", staged.Artifact.SourcePath,
			NewCommandError(line, exitCode, stderr.String(), err))
	}
	if stdout.Len() > 0 {
		logger.Debug("transform command output", "kind", kind.String(), "stdout", strings.TrimSpace(stdout.String()))
	}

	return collect(ctx, kind, c.CaseID, staged.Dir, out)
}

// collect interprets a transform output directory.
func collect(ctx context.Context, kind casectx.Kind, caseID, workDir, out string) (Output, error) {
	entries, err := os.ReadDir(out)
	if err != nil {
		return Output{}, fmt.Errorf("transform %s: reading output: %w", kind, err)
	}
	if len(entries) == 0 {
		return Output{}, failure.Newf(failure.ClassProcessing, "transform", out, "%s output is empty", kind)
	}
	single := ""
	if len(entries) == 1 && entries[0].Type().IsRegular() {
		single = filepath.Join(out, entries[0].Name())
	}

	switch kind {
	case casectx.KindMRI:
		if single != "" && archive.IsZip(single) {
			return Output{Kind: kind, Items: []Item{{Kind: kind, Role: RoleArchive, Path: single}}}, nil
		}
		dst := filepath.Join(workDir, mriArchiveName(caseID))
		_ = os.Remove(dst)
		if err := archive.WriteDirFile(dst, out); err != nil {
			return Output{}, fmt.Errorf("transform mri: repacking output: %w", err)
		}
		return Output{Kind: kind, Items: []Item{{Kind: kind, Role: RoleArchive, Path: dst}}}, nil

	case casectx.KindTDC:
		cls, err := stager.Classify(kind, out)
		if err != nil {
			return Output{}, err
		}
		res, err := tdcOutput(ctx, tdcBuild{
			caseID:     caseID,
			contentDir: out,
			workDir:    filepath.Join(workDir, "collected"),
		}, cls)
		res.Warnings = append(cls.Warnings, res.Warnings...)
		return res, err

	case casectx.KindPDF:
		if single == "" || !archive.IsPDF(single) {
			return Output{}, failure.Newf(failure.ClassProcessing, "transform", out,
				"pdf output must be a single PDF file, found %d entries", len(entries))
		}
		return Output{Kind: kind, Items: []Item{{Kind: kind, Role: RoleReport, Path: single}}}, nil

	default:
		return Output{}, fmt.Errorf("transform: unsupported kind %s", kind)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
