// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package failure defines the error taxonomy shared by every staging
// component and its mapping onto process exit codes.
//
// Components return *Error values carrying a Class. Callers test for a
// class with errors.Is against the package sentinels:
//
//	if errors.Is(err, failure.ErrUnsafeArchive) { ... }
//
// Anything that does not carry a Class is treated as unexpected.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class names one category of failure. The string values are recorded in
// run manifests and must stay stable.
type Class string

const (
	ClassValidation    Class = "validation_error"
	ClassAmbiguous     Class = "ambiguous_candidate"
	ClassNotFound      Class = "not_found"
	ClassIntegrity     Class = "integrity_mismatch"
	ClassUnsafeArchive Class = "unsafe_archive"
	ClassUnrepairable  Class = "unrepairable_layout"
	ClassTimeout       Class = "transform_timeout"
	ClassProcessing    Class = "processing_error"
	ClassRunInProgress Class = "run_in_progress"
	ClassUnexpected    Class = "unexpected_error"

	// ClassNone is recorded for successful runs.
	ClassNone Class = "none"
)

// Exit codes returned by the casestage binary.
const (
	ExitSuccess    = 0
	ExitValidation = 2
	ExitProcessing = 3
	ExitUnexpected = 4
)

// Sentinel errors, one per Class, for use with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrAmbiguous     = errors.New("ambiguous candidate")
	ErrNotFound      = errors.New("not found")
	ErrIntegrity     = errors.New("integrity mismatch")
	ErrUnsafeArchive = errors.New("unsafe archive")
	ErrUnrepairable  = errors.New("unrepairable layout")
	ErrTimeout       = errors.New("transform timed out")
	ErrProcessing    = errors.New("processing error")
	ErrRunInProgress = errors.New("run already in progress")
	ErrUnexpected    = errors.New("unexpected error")
)

var sentinels = map[Class]error{
	ClassValidation:    ErrValidation,
	ClassAmbiguous:     ErrAmbiguous,
	ClassNotFound:      ErrNotFound,
	ClassIntegrity:     ErrIntegrity,
	ClassUnsafeArchive: ErrUnsafeArchive,
	ClassUnrepairable:  ErrUnrepairable,
	ClassTimeout:       ErrTimeout,
	ClassProcessing:    ErrProcessing,
	ClassRunInProgress: ErrRunInProgress,
	ClassUnexpected:    ErrUnexpected,
}

// ExitCode maps a Class to the process exit code.
//
// Unresolved required inputs (ambiguous or missing candidates) are input
// problems and share the validation code.
func (c Class) ExitCode() int {
	switch c {
	case ClassNone:
		return ExitSuccess
	case ClassValidation, ClassAmbiguous, ClassNotFound:
		return ExitValidation
	case ClassIntegrity, ClassUnsafeArchive, ClassUnrepairable,
		ClassTimeout, ClassProcessing, ClassRunInProgress:
		return ExitProcessing
	default:
		return ExitUnexpected
	}
}

// Error is a classified failure.
//
// # Description
//
// Op names the operation that failed ("resolve", "stage", "commit", ...),
// Path the file or directory involved. Details carries offending paths or
// candidate lists so reports can show every one of them.
type Error struct {
	Class   Class
	Op      string
	Path    string
	Err     error
	Details []string
}

// New creates a classified error.
func New(class Class, op, path string, err error, details ...string) *Error {
	return &Error{Class: class, Op: op, Path: path, Err: err, Details: details}
}

// Newf creates a classified error with a formatted message as its cause.
func Newf(class Class, op, path, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's class.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Class]
	return ok && s == target
}

// ClassOf returns the class of err.
//
// The outermost *Error wins. Context cancellation without a class is
// reported as a processing error so interrupted runs do not look like
// bugs. A nil error has ClassNone.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassProcessing
	}
	return ClassUnexpected
}

// ExitCode returns the exit code for err.
func ExitCode(err error) int {
	return ClassOf(err).ExitCode()
}

// DetailsOf returns the Details of the outermost *Error, if any.
func DetailsOf(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}
