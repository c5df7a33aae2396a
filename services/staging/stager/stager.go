// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stager copies resolved inputs into a run workspace, verifies
// their integrity, expands archives safely and classifies their structure.
//
// Nothing outside the workspace is written. A source file is only read.
package stager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/failure"
	"github.com/AleutianAI/casestage/services/staging/telemetry"
)

// Artifact is a resolved input of one kind.
type Artifact struct {
	Kind        casectx.Kind `json:"kind"`
	SourcePath  string       `json:"source"`
	ContentHash string       `json:"source_sha256"`
	Size        int64        `json:"size"`
}

// Staged is an artifact copied and, for archives, expanded in the workspace.
type Staged struct {
	Artifact Artifact `json:"artifact"`
	// Dir is the kind's workspace subtree.
	Dir string `json:"workspace"`
	// CopyPath is the verified copy of the source.
	CopyPath string `json:"copy"`
	CopyHash string `json:"copy_sha256"`
	// ContentDir holds extracted members; empty for non-archives.
	ContentDir    string         `json:"content_dir,omitempty"`
	Members       int            `json:"members,omitempty"`
	ContentDigest string         `json:"content_digest,omitempty"`
	Layout        Classification `json:"classification"`
	Attempts      int            `json:"attempts"`
}

// Stager stages artifacts into one workspace.
//
// # Thread Safety
//
// Stage may be called concurrently for different kinds; each kind writes
// only below its own workspace subtree.
type Stager struct {
	ws       *Workspace
	limits   archive.Limits
	attempts int
	watch    bool
	logger   *slog.Logger

	// afterCopy runs between the copy and the source re-check. Tests use
	// it to simulate a source modified mid-read.
	afterCopy func(source string)
}

// Option configures a Stager.
type Option func(*Stager)

// WithLimits bounds archive expansion.
func WithLimits(l archive.Limits) Option {
	return func(s *Stager) { s.limits = l }
}

// WithAttempts sets how many times a copy is retried after an integrity
// failure. Each attempt re-reads the source. Values below 1 mean 1.
func WithAttempts(n int) Option {
	return func(s *Stager) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithSourceWatch toggles the filesystem watch on sources during copying.
// The size and modification time check always runs.
func WithSourceWatch(enabled bool) Option {
	return func(s *Stager) { s.watch = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stager) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Stager writing into ws.
func New(ws *Workspace, opts ...Option) *Stager {
	s := &Stager{
		ws:       ws,
		limits:   archive.DefaultLimits(),
		attempts: 1,
		watch:    true,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage copies, verifies, expands and classifies one source.
//
// # Description
//
// The source is hashed while it is read and the copy is hashed again from
// disk; the two must agree and the source must not change while it is
// read. Archives are expanded member by member into <workspace>/<kind>/content
// and the expanded tree's digest must equal the digest of the members as
// read from the archive.
//
// # Outputs
//
//   - *Staged: The staged artifact.
//   - error: IntegrityMismatch, UnsafeArchive, ValidationError for content
//     that is not what the slot requires, or an I/O error.
func (s *Stager) Stage(ctx context.Context, kind casectx.Kind, source string) (*Staged, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		staged, err := s.stageOnce(ctx, kind, source)
		if err == nil {
			staged.Attempts = attempt
			telemetry.RecordStage(ctx, kind.String(), "ok", staged.Artifact.Size)
			return staged, nil
		}
		lastErr = err
		if !errors.Is(err, failure.ErrIntegrity) || attempt == s.attempts {
			break
		}
		s.logger.Warn("integrity check failed, re-reading source",
			"kind", kind.String(),
			"source", source,
			"attempt", attempt,
			"max_attempts", s.attempts,
			"error", err.Error(),
		)
	}
	telemetry.RecordStage(ctx, kind.String(), string(failure.ClassOf(lastErr)), 0)
	return nil, lastErr
}

func (s *Stager) stageOnce(ctx context.Context, kind casectx.Kind, source string) (*Staged, error) {
	dir := s.ws.KindDir(kind)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("stage %s: clearing workspace: %w", kind, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stage %s: %w", kind, err)
	}

	ext := ".zip"
	if kind == casectx.KindPDF {
		ext = ".pdf"
	}
	copyPath := filepath.Join(dir, "source"+ext)

	srcHash, size, err := s.copyVerified(ctx, kind, source, copyPath)
	if err != nil {
		return nil, err
	}

	copyHash, _, err := archive.HashFile(copyPath)
	if err != nil {
		return nil, fmt.Errorf("stage %s: hashing copy: %w", kind, err)
	}
	if copyHash != srcHash {
		return nil, failure.Newf(failure.ClassIntegrity, "stage", source,
			"copy hash %s differs from source hash %s", copyHash, srcHash)
	}

	staged := &Staged{
		Artifact: Artifact{Kind: kind, SourcePath: source, ContentHash: srcHash, Size: size},
		Dir:      dir,
		CopyPath: copyPath,
		CopyHash: copyHash,
	}

	if !kind.IsArchive() {
		if !archive.IsPDF(copyPath) {
			return nil, failure.Newf(failure.ClassValidation, "stage", source, "%s input has no PDF header", kind)
		}
		staged.Layout = Classification{Kind: kind, FileCount: 1}
		s.logger.Info("staged artifact", "kind", kind.String(), "source", source, "sha256", srcHash)
		return staged, nil
	}

	contentDir := filepath.Join(dir, "content")
	res, err := archive.Extract(ctx, copyPath, contentDir, s.limits)
	if err != nil {
		return nil, err
	}
	treeDigest, _, err := archive.TreeDigest(contentDir)
	if err != nil {
		return nil, fmt.Errorf("stage %s: digesting content: %w", kind, err)
	}
	if treeDigest != res.Digest {
		return nil, failure.Newf(failure.ClassIntegrity, "stage", source,
			"extracted tree digest %s differs from archive digest %s", treeDigest, res.Digest)
	}

	cls, err := Classify(kind, contentDir)
	if err != nil {
		return nil, err
	}
	for _, w := range cls.Warnings {
		s.logger.Warn("classification", "kind", kind.String(), "warning", w)
	}

	staged.ContentDir = contentDir
	staged.Members = len(res.Members)
	staged.ContentDigest = res.Digest
	staged.Layout = cls
	s.logger.Info("staged artifact",
		"kind", kind.String(),
		"source", source,
		"sha256", srcHash,
		"members", len(res.Members),
	)
	return staged, nil
}

// copyVerified copies source to dst, hashing the bytes as they are read,
// and fails if the source changes while it is read.
func (s *Stager) copyVerified(ctx context.Context, kind casectx.Kind, source, dst string) (string, int64, error) {
	before, err := os.Stat(source)
	if err != nil {
		return "", 0, failure.New(failure.ClassNotFound, "stage", source, err)
	}
	if before.Size() == 0 {
		return "", 0, failure.Newf(failure.ClassValidation, "stage", source, "%s input is empty", kind)
	}

	var watch *sourceWatch
	if s.watch {
		watch, err = watchSource(source)
		if err != nil {
			s.logger.Debug("source watch unavailable", "source", source, "error", err.Error())
		}
	}

	sum, n, copyErr := copyHashing(ctx, source, dst)
	if s.afterCopy != nil {
		s.afterCopy(source)
	}

	changed := false
	if watch != nil {
		changed = watch.stop()
	}
	if copyErr != nil {
		return "", 0, fmt.Errorf("stage %s: copying: %w", kind, copyErr)
	}

	after, err := os.Stat(source)
	if err != nil {
		return "", 0, failure.New(failure.ClassIntegrity, "stage", source, fmt.Errorf("source vanished during copy: %w", err))
	}
	if changed || n != before.Size() || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return "", 0, failure.Newf(failure.ClassIntegrity, "stage", source,
			"source changed while it was read (size %d -> %d, mtime %s -> %s)",
			before.Size(), after.Size(), before.ModTime().Format(time.RFC3339Nano), after.ModTime().Format(time.RFC3339Nano))
	}
	return sum, n, nil
}

func copyHashing(ctx context.Context, src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(&ctxReader{ctx: ctx, r: in}, h))
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ctxReader stops a long copy when the run is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
