// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sysblock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestWatchAttrStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "degraded")
	writeFile(t, path, "0\n")

	w, err := WatchAttr(logr.Discard(), path, func() {})
	if err != nil {
		t.Fatalf("WatchAttr: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return; watcher goroutine leaked")
	}
}

func TestWatchAttrMissingPath(t *testing.T) {
	dir := t.TempDir()
	if _, err := WatchAttr(logr.Discard(), filepath.Join(dir, "missing"), func() {}); err == nil {
		t.Error("expected an error opening a nonexistent attribute file")
	}
}
