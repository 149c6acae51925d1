// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gateway

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
)

type fakeRunner struct {
	active int32
	maxSeen int32
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		cur := atomic.LoadInt32(&f.maxSeen)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxSeen, cur, n) {
			break
		}
	}
	atomic.AddInt32(&f.active, -1)
	return "ok", "", nil
}

func TestRunSerializesPerLibrary(t *testing.T) {
	g := New(logr.Discard(), "/dev/null")
	fr := &fakeRunner{}
	g.WithRunner(fr)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Run(context.Background(), LibraryLVM, "lvs")
		}()
	}
	wg.Wait()

	if fr.maxSeen > 1 {
		t.Errorf("max concurrent calls into lvm = %d, want 1 (serialized by gateway mutex)", fr.maxSeen)
	}
}

func TestInitiatorNameRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "initiatorname.iscsi")
	if err := os.WriteFile(path, []byte("InitiatorName=iqn.old\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	g := New(logr.Discard(), path)
	if err := g.WriteInitiatorName("iqn.2020-01.com.example:host1"); err != nil {
		t.Fatalf("WriteInitiatorName: %v", err)
	}

	got, err := g.ReadInitiatorName()
	if err != nil {
		t.Fatalf("ReadInitiatorName: %v", err)
	}
	if got != "iqn.2020-01.com.example:host1" {
		t.Errorf("ReadInitiatorName = %q", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "InitiatorName=iqn.2020-01.com.example:host1\n" {
		t.Errorf("on-disk form = %q", string(data))
	}
}

func TestWriteInitiatorNameRejectsEmpty(t *testing.T) {
	g := New(logr.Discard(), filepath.Join(t.TempDir(), "initiatorname.iscsi"))
	if err := g.WriteInitiatorName("   "); err == nil {
		t.Error("expected error for empty initiator name")
	}
}
