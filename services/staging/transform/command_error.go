// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"errors"
	"fmt"
	"strings"
)

// maxStderr bounds the stderr kept on a CommandError.
const maxStderr = 4096

// CommandError wraps a transform command failure with stderr context.
//
// # Description
//
// Carries the command line, exit code and captured stderr so the failure
// can be logged and recorded in the manifest.
//
// # Example
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr is the trimmed, bounded standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns a formatted error message.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError creates a CommandError. Stderr is trimmed and, when
// long, only its tail is kept.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxStderr {
		stderr = "..." + stderr[len(stderr)-maxStderr:]
	}
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   stderr,
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the stderr of the first CommandError in err's
// chain, or "".
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
