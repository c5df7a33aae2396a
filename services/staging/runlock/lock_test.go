// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package runlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

// TestLock_AcquireRelease tests the basic lock cycle.
func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case", ".casestage.lock")
	l := New(path)

	require.NoError(t, l.Acquire(Info{RunID: "run-1"}))
	holder, ok := l.Holder()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "run-1", holder.RunID)

	require.NoError(t, l.Release())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is fine.
	assert.NoError(t, l.Release())
}

// TestLock_SecondRunIsRejected tests that a concurrent run fails fast.
func TestLock_SecondRunIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".casestage.lock")
	first := New(path)
	require.NoError(t, first.Acquire(Info{RunID: "first"}))
	defer first.Release()

	second := New(path)
	err := second.Acquire(Info{RunID: "second"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrRunInProgress)
	assert.Equal(t, failure.ClassRunInProgress, failure.ClassOf(err))
	assert.Contains(t, failure.DetailsOf(err)[0], "run first")
}

// TestLock_StaleMarkerDoesNotBlock tests that a marker left by a dead run
// is taken over.
func TestLock_StaleMarkerDoesNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".casestage.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":999999,"run_id":"crashed"}`), 0o644))

	l := New(path)
	require.NoError(t, l.Acquire(Info{RunID: "fresh"}))
	defer l.Release()

	holder, ok := l.Holder()
	require.True(t, ok)
	assert.Equal(t, "fresh", holder.RunID)
}

// swappingLocker runs swap before the first lock of each Acquire attempt,
// standing in for a release and a new run landing between open and lock.
type swappingLocker struct {
	fileLocker
	swaps int
	swap  func()
}

func (s *swappingLocker) Lock(f *os.File) error {
	if s.swaps > 0 {
		s.swaps--
		s.swap()
	}
	return s.fileLocker.Lock(f)
}

// TestLock_ReplacedMarker tests that a lock on an unlinked marker is never
// reported as held.
func TestLock_ReplacedMarker(t *testing.T) {
	tests := []struct {
		name    string
		swaps   int
		holder  bool
		wantErr bool
		detail  string
	}{
		{name: "marker recreated, lock retried", swaps: 1},
		{name: "marker recreated and held by another run", swaps: 1, holder: true, wantErr: true, detail: "run other"},
		{name: "marker keeps changing", swaps: lockAttempts, wantErr: true, detail: "marker replaced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".casestage.lock")
			var other *Lock
			t.Cleanup(func() {
				if other != nil {
					other.Release()
				}
			})

			sl := &swappingLocker{fileLocker: platformLocker(), swaps: tt.swaps}
			sl.swap = func() {
				require.NoError(t, os.Remove(path))
				if tt.holder {
					other = New(path)
					require.NoError(t, other.Acquire(Info{RunID: "other"}))
					return
				}
				require.NoError(t, os.WriteFile(path, nil, 0o644))
			}
			l := &Lock{path: path, locker: sl}

			err := l.Acquire(Info{RunID: "mine"})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, failure.ErrRunInProgress)
				assert.Contains(t, failure.DetailsOf(err)[0], tt.detail)
				assert.Nil(t, l.file)
				return
			}
			require.NoError(t, err)
			defer l.Release()

			held, err := l.file.Stat()
			require.NoError(t, err)
			current, err := os.Stat(path)
			require.NoError(t, err)
			assert.True(t, os.SameFile(held, current))
			holder, ok := l.Holder()
			require.True(t, ok)
			assert.Equal(t, "mine", holder.RunID)
		})
	}
}
