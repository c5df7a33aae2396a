// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons and boxes
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons and no colors
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain tab-separated text suitable for scripting
	PersonalityMachine PersonalityLevel = "machine"
)

// EnvPersonality overrides the detected level.
const EnvPersonality = "CASESTAGE_OUTPUT"

// ParsePersonalityLevel converts a string to PersonalityLevel. Unknown
// values fall back to PersonalityFull.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "plain", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectPersonality picks a level for output written to w: the
// CASESTAGE_OUTPUT environment variable when set, machine output when w is
// not a terminal, full output otherwise.
func DetectPersonality(w io.Writer) PersonalityLevel {
	if env := os.Getenv(EnvPersonality); env != "" {
		return ParsePersonalityLevel(env)
	}
	if !isTerminal(w) {
		return PersonalityMachine
	}
	return PersonalityFull
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
