// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stager

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// sourceWatch notices writes to a source file while it is being copied.
type sourceWatch struct {
	watcher *fsnotify.Watcher
	changed atomic.Bool
	done    chan struct{}
}

// watchSource starts watching path. Callers must call stop.
func watchSource(path string) (*sourceWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	sw := &sourceWatch{watcher: w, done: make(chan struct{})}
	go sw.loop()
	return sw, nil
}

func (sw *sourceWatch) loop() {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) ||
				ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				sw.changed.Store(true)
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// stop ends the watch and reports whether the source changed.
func (sw *sourceWatch) stop() bool {
	_ = sw.watcher.Close()
	<-sw.done
	return sw.changed.Load()
}
