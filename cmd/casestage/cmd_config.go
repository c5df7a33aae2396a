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
	"errors"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/casestage/cmd/casestage/config"
	"github.com/AleutianAI/casestage/services/staging/failure"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the YAML configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a new file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				var fe *failure.Error
				if errors.As(err, &fe) {
					return err
				}
				return failure.New(failure.ClassProcessing, "config", args[0], err)
			}
			a.printer(a.stdout).Success("wrote " + args[0])
			return nil
		},
	}

	var path string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return failure.New(failure.ClassUnexpected, "config", path, err)
			}
			if _, err := a.stdout.Write(data); err != nil {
				return failure.New(failure.ClassProcessing, "config", "", err)
			}
			return nil
		},
	}
	showCmd.Flags().StringVar(&path, "config", "", "YAML config file (default: built-in defaults)")

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return failure.Newf(failure.ClassValidation, "usage", "", "%s takes %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
