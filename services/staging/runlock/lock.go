// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runlock guards a case directory against concurrent runs.
//
// A run holds an exclusive advisory lock on a marker file at the top of the
// case directory for its whole duration. The marker also records who holds
// it so a second run can report the holder instead of a bare failure.
// Because the operating system releases the lock when the holder exits,
// a marker left behind by a crashed run never blocks the next one.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

// errLocked is returned by a fileLocker when another process holds the lock.
var errLocked = errors.New("file is locked")

// fileLocker abstracts the platform lock primitive.
type fileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// Info describes the holder of a lock.
type Info struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a run lock on one marker file.
//
// # Thread Safety
//
// Lock is NOT safe for concurrent use. Each run owns its own instance.
type Lock struct {
	path   string
	file   *os.File
	locker fileLocker
}

// New returns an unacquired lock on the marker at path.
func New(path string) *Lock {
	return &Lock{path: path, locker: platformLocker()}
}

// Path returns the marker path.
func (l *Lock) Path() string {
	return l.path
}

// lockAttempts bounds how often Acquire reopens a marker that was replaced
// between open and lock.
const lockAttempts = 3

// Acquire takes the lock without blocking.
//
// # Description
//
// Creates the marker if needed, takes an exclusive non-blocking lock and
// records info in it. A releasing run unlinks the marker, so the file this
// run locked may no longer be the one at the path; in that case the lock is
// dropped and the marker reopened.
//
// # Outputs
//
//   - error: A run_in_progress failure naming the current holder when the
//     lock is taken or the marker keeps changing; other errors are wrapped
//     I/O failures.
func (l *Lock) Acquire(info Info) error {
	if l.file != nil {
		return fmt.Errorf("runlock: %s already acquired", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("runlock: creating directory: %w", err)
	}

	for range lockAttempts {
		f, err := l.lockMarker()
		if err != nil {
			return err
		}
		same, err := atPath(f, l.path)
		if err != nil {
			_ = l.locker.Unlock(f)
			f.Close()
			return fmt.Errorf("runlock: checking marker: %w", err)
		}
		if !same {
			_ = l.locker.Unlock(f)
			f.Close()
			continue
		}
		l.file = f
		l.record(info)
		return nil
	}
	return failure.New(failure.ClassRunInProgress, "lock", l.path, failure.ErrRunInProgress,
		"marker replaced while acquiring")
}

// lockMarker opens the marker and locks it.
func (l *Lock) lockMarker() (*os.File, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlock: opening marker: %w", err)
	}
	if err := l.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			holder, _ := readInfo(l.path)
			return nil, failure.New(failure.ClassRunInProgress, "lock", l.path, failure.ErrRunInProgress, describe(holder))
		}
		return nil, fmt.Errorf("runlock: lock: %w", err)
	}
	return f, nil
}

// atPath reports whether f is still the file linked at path.
func atPath(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	current, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(held, current), nil
}

func (l *Lock) record(info Info) {
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.AcquiredAt.IsZero() {
		info.AcquiredAt = time.Now().UTC()
	}
	// The holder record is informational; failing to write it does not
	// weaken the lock itself.
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := l.file.Truncate(0); err != nil {
		return
	}
	if _, err := l.file.Seek(0, io.SeekStart); err == nil {
		_, _ = l.file.Write(data)
	}
}

// Release unlocks and removes the marker. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting run cannot lock a
	// file that is about to disappear.
	_ = os.Remove(l.path)
	_ = l.locker.Unlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}

// Holder reads the holder record from the marker, if any.
func (l *Lock) Holder() (Info, bool) {
	info, err := readInfo(l.path)
	if err != nil {
		return Info{}, false
	}
	return info, true
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

func describe(info Info) string {
	if info.PID == 0 {
		return "holder unknown"
	}
	return fmt.Sprintf("held by pid %d (run %s) since %s", info.PID, info.RunID, info.AcquiredAt.Format(time.RFC3339))
}
