// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package probe implements the single-flight debounce discipline the
// LVM and MD-RAID probe pipelines share (spec §4.6 "Single-flight",
// GLOSSARY "Single-flight"): at most one probe in flight, concurrent
// requests collapse to one follow-up.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

// Func runs one probe cycle (e.g. "list VGs/LVs/PVs", "read mdadm
// detail"), returning a structured snapshot of type T.
type Func[T any] func(ctx context.Context) (T, error)

// ApplyFunc is invoked on the pipeline's owner with each completed
// probe's result: for ColdPlug on the calling goroutine, for Request on
// the pipeline's own background goroutine — callers are expected to hop
// back to their own single-writer loop
// inside this callback if one exists (spec §4.6 "the callback runs on
// the main loop").
type ApplyFunc[T any] func(T)

// Pipeline runs Func at most once concurrently via singleflight,
// coalescing requests that arrive while a probe is in flight into a
// single follow-up (spec §4.6 "while one is running, additional
// requests update a last-request timestamp ... if last-request >
// probe-started, a new probe is scheduled").
type Pipeline[T any] struct {
	logger logr.Logger
	fn     Func[T]
	apply  ApplyFunc[T]
	group  singleflight.Group

	mu           sync.Mutex
	running      bool
	lastRequest  time.Time
	probeStarted time.Time
}

// New builds a Pipeline around fn, invoking apply with every completed
// snapshot.
func New[T any](logger logr.Logger, fn Func[T], apply ApplyFunc[T]) *Pipeline[T] {
	return &Pipeline[T]{logger: logger, fn: fn, apply: apply}
}

// ColdPlug runs a probe synchronously, bypassing the single-flight
// debounce (spec §4.6 "Cold-plug requests run synchronously during
// daemon bring-up; all subsequent requests are asynchronous").
func (p *Pipeline[T]) ColdPlug(ctx context.Context) error {
	result, err, _ := p.group.Do("probe", func() (any, error) {
		return p.fn(ctx)
	})
	if err != nil {
		return err
	}
	p.apply(result.(T))
	return nil
}

// Request asynchronously requests a probe, collapsing with any probe
// already in flight (spec §4.6 "Single-flight").
func (p *Pipeline[T]) Request(ctx context.Context) {
	p.mu.Lock()
	p.lastRequest = now()
	alreadyRunning := p.running
	p.mu.Unlock()

	if alreadyRunning {
		return
	}
	go p.runOnce(ctx)
}

func (p *Pipeline[T]) runOnce(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.probeStarted = now()
	startedAt := p.probeStarted
	p.mu.Unlock()

	result, err, _ := p.group.Do("probe", func() (any, error) {
		return p.fn(ctx)
	})

	p.mu.Lock()
	p.running = false
	needsFollowUp := p.lastRequest.After(startedAt)
	p.mu.Unlock()

	if err != nil {
		p.logger.Error(err, "probe failed")
	} else {
		p.apply(result.(T))
	}

	if needsFollowUp {
		go p.runOnce(ctx)
	}
}

// now is a seam so probe scheduling order can be tested deterministically
// without relying on wall-clock granularity.
var now = time.Now
