// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/casestage/services/staging/archive"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/stager"
)

// Passthrough commits staged content unchanged.
//
// Imaging content is repacked with fixed timestamps and sorted members, so
// the same content always yields a byte-identical archive and a rerun is
// recognized as a duplicate.
//
// TDC sessions that carry archives at their top level are rebuilt with the
// archives expanded, raw.zip into Raw/.
type Passthrough struct {
	CaseID string
	// Limits bound the expansion of archives inside sessions. Zero means
	// archive.DefaultLimits.
	Limits archive.Limits
}

// Name implements Transformer.
func (Passthrough) Name() string { return "passthrough" }

// Transform implements Transformer.
func (p Passthrough) Transform(ctx context.Context, staged *stager.Staged) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	kind := staged.Artifact.Kind
	switch kind {
	case casectx.KindMRI:
		dir, err := outDir(staged)
		if err != nil {
			return Output{}, fmt.Errorf("passthrough mri: %w", err)
		}
		dst := filepath.Join(dir, mriArchiveName(p.CaseID))
		if err := archive.WriteDirFile(dst, staged.ContentDir); err != nil {
			return Output{}, fmt.Errorf("passthrough mri: repacking: %w", err)
		}
		return Output{
			Kind:  kind,
			Items: []Item{{Kind: kind, Role: RoleArchive, Path: dst}},
		}, nil

	case casectx.KindTDC:
		dir, err := outDir(staged)
		if err != nil {
			return Output{}, fmt.Errorf("passthrough tdc: %w", err)
		}
		limits := p.Limits
		if limits == (archive.Limits{}) {
			limits = archive.DefaultLimits()
		}
		return tdcOutput(ctx, tdcBuild{
			caseID:     p.CaseID,
			contentDir: staged.ContentDir,
			workDir:    dir,
			expand:     true,
			limits:     limits,
		}, staged.Layout)

	case casectx.KindPDF:
		return Output{
			Kind:  kind,
			Items: []Item{{Kind: kind, Role: RoleReport, Path: staged.CopyPath}},
		}, nil

	default:
		return Output{}, fmt.Errorf("passthrough: unsupported kind %s", kind)
	}
}
