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
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/casestage/cmd/casestage/config"
	"github.com/AleutianAI/casestage/services/staging/casectx"
	"github.com/AleutianAI/casestage/services/staging/pipeline"
)

func newGuardCmd(a *app) *cobra.Command {
	var (
		root, caseID, configPath string
		fix                      bool
	)
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Check, or with --fix repair, the layout of one case",
		Long: `guard compares a case directory with the canonical layout. Without --fix it
only reports and exits 3 when the case has drifted. With --fix it moves
misplaced sessions and logs into place, drops byte-identical duplicates and
removes leftovers, then records a guard manifest in the case.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(map[string]string{"root": root, "case": caseID}); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			opts := pipeline.GuardOptions{
				Root:   root,
				CaseID: caseID,
				Layout: cfg.Layout,
				Fix:    fix,
				RunID:  "guard_" + pipeline.NewRunID(time.Now()),
				Config: cfg,
				Tracer: a.tracer,
			}
			logger := a.logger
			if fix {
				// Never create a missing case just to hold the log.
				if cc, err := casectx.New(root, caseID, cfg.Layout); err == nil && dirExists(cc.CaseDir()) {
					runLogger := a.runLogger(filepath.Join(cc.LogsDir(), runLogName(cc.CaseID(), opts.RunID)))
					if runLogger != a.logger {
						defer runLogger.Close()
						logger = runLogger
					}
				}
			}
			opts.Logger = logger.Slog()

			started := time.Now()
			res := pipeline.RunGuard(cmd.Context(), opts)
			a.writeMetrics(res.Manifest, time.Since(started))
			renderGuard(a.printer(a.stdout), res)
			if res.Err != nil {
				return reportedError{res.Err}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&root, "root", "", "directory holding the case directories")
	f.StringVar(&caseID, "case", "", "case id")
	f.StringVar(&configPath, "config", "", "YAML config file (for the layout names)")
	f.BoolVar(&fix, "fix", false, "repair drift instead of only reporting it")
	return cmd
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
