// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package objectgraph

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(logr.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestUpsertGetRemove(t *testing.T) {
	g := newTestGraph(t)

	g.Upsert(KindBlock, "8:17", map[string]string{"device": "sdb1"})
	obj, ok := g.Get("8:17")
	if !ok {
		t.Fatal("expected object to exist")
	}
	if obj.Kind != KindBlock {
		t.Errorf("Kind = %s, want %s", obj.Kind, KindBlock)
	}

	g.Remove("8:17")
	if _, ok := g.Get("8:17"); ok {
		t.Error("expected object to be gone after Remove")
	}
}

func TestWaitForAppears(t *testing.T) {
	g := newTestGraph(t)

	done := make(chan *Object, 1)
	go func() {
		obj, err := g.WaitFor(context.Background(), ByKeyPredicate("vg0"), 2*time.Second)
		if err != nil {
			t.Errorf("WaitFor: %v", err)
			done <- nil
			return
		}
		done <- obj
	}()

	time.Sleep(20 * time.Millisecond)
	g.Upsert(KindVG, "vg0", "vg-data")

	select {
	case obj := <-done:
		if obj == nil || obj.Key != "vg0" {
			t.Fatalf("got unexpected object: %+v", obj)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after Upsert")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	g := newTestGraph(t)

	_, err := g.WaitFor(context.Background(), ByKeyPredicate("never"), 20*time.Millisecond)
	be, ok := storederrors.AsBusError(err)
	if !ok || be.Name != storederrors.Timeout {
		t.Fatalf("expected Timeout bus error, got %v", err)
	}
}

func TestWaitForDisappear(t *testing.T) {
	g := newTestGraph(t)
	g.Upsert(KindBlock, "8:17", nil)

	done := make(chan error, 1)
	go func() {
		done <- g.WaitForDisappear(context.Background(), "8:17", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	g.Remove("8:17")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForDisappear: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForDisappear did not return after Remove")
	}
}

func TestByKind(t *testing.T) {
	g := newTestGraph(t)
	g.Upsert(KindLV, "vg0/root", nil)
	g.Upsert(KindLV, "vg0/swap", nil)
	g.Upsert(KindVG, "vg0", nil)

	lvs := g.ByKind(KindLV)
	if len(lvs) != 2 {
		t.Fatalf("ByKind(LV) = %d objects, want 2", len(lvs))
	}
}
