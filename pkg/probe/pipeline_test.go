// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestColdPlugRunsSynchronously(t *testing.T) {
	applied := 0
	p := New(logr.Discard(), func(ctx context.Context) (int, error) {
		return 42, nil
	}, func(v int) { applied = v })

	if err := p.ColdPlug(context.Background()); err != nil {
		t.Fatalf("ColdPlug: %v", err)
	}
	if applied != 42 {
		t.Errorf("applied = %d, want 42", applied)
	}
}

func TestRequestCollapsesBurstIntoOneFollowUp(t *testing.T) {
	var probeCount int32
	release := make(chan struct{})
	var applyMu sync.Mutex
	var applied []int

	p := New(logr.Discard(), func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&probeCount, 1)
		if n == 1 {
			<-release // hold the first probe open while the burst arrives
		}
		return int(n), nil
	}, func(v int) {
		applyMu.Lock()
		applied = append(applied, v)
		applyMu.Unlock()
	})

	p.Request(context.Background())
	time.Sleep(10 * time.Millisecond) // let the first probe start and block

	for i := 0; i < 10; i++ {
		p.Request(context.Background())
	}

	close(release)

	deadline := time.After(2 * time.Second)
	for {
		applyMu.Lock()
		n := len(applied)
		applyMu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected exactly one follow-up probe, got %d applies after burst", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond) // settle: assert no third probe sneaks in
	applyMu.Lock()
	defer applyMu.Unlock()
	if len(applied) != 2 {
		t.Errorf("applied = %v, want exactly 2 probes (initial + one coalesced follow-up)", applied)
	}
}
