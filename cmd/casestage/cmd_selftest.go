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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/casestage/services/staging/selftest"
)

func newSelfTestCmd(a *app) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the staging pipeline against generated fixtures",
		Long: `selftest builds fixture archives in a temporary directory and runs the
pipeline over awkward file names, quoted paths, reruns, guard repair,
dry runs, a zip-slip archive and malformed inputs. It exits 0 when every
scenario passes and 3 otherwise.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSelfTest(cmd, keep)
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the temporary root and write a JSON report into it")
	return cmd
}

func (a *app) runSelfTest(cmd *cobra.Command, keep bool) error {
	rep, err := selftest.Run(cmd.Context(), selftest.Options{
		Keep:   keep,
		Logger: a.logger.Slog(),
	})
	renderSelfTest(a.printer(a.stdout), rep)
	if err != nil {
		return reportedError{err}
	}
	return nil
}
