// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package jobs implements the Job Framework (spec §4.8): typed
// long-running operations with optional progress, run as Threaded Jobs
// on a bounded worker pool, with cooperative cancellation and
// sync-wait completion.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Kind is a job's operation kind, e.g. "lvm-vg-create-volume",
// "cleanup" (spec §4.8).
type Kind string

// Outcome is a Job's terminal (success, message) result (spec §4.8).
type Outcome struct {
	Success bool
	Message string
}

// Job is a typed, long-running operation (spec §4.8). Jobs are
// published as Objects on the bus by internal/busexport; this type only
// carries the state the framework itself manages.
type Job struct {
	Kind      Kind
	CallerUID uint32

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	progressValid bool
	progress      float64

	done    chan struct{}
	outcome Outcome

	cancelled atomic.Bool
}

// New creates a Job bound to parent's lifetime; cancelling parent
// cancels the Job cooperatively.
func New(parent context.Context, kind Kind, callerUID uint32) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		Kind:      kind,
		CallerUID: callerUID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Context is the context a Threaded Job's closure should observe for
// cancellation.
func (j *Job) Context() context.Context { return j.ctx }

// SetProgress publishes a progress value in [0,1] (spec §4.8 "an
// optional progress-valid flag with a [0,1] progress value").
func (j *Job) SetProgress(p float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progressValid = true
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	j.progress = p
}

// Progress returns the current progress value and whether it has ever
// been set.
func (j *Job) Progress() (float64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress, j.progressValid
}

// Cancel cooperatively requests cancellation (spec §4.8 "Cancellation.
// Cooperative. A cancelled Job receives the token's cancelled state on
// the next check; underlying tool invocations are not signalled").
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancel()
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// ThreadedFunc is the closure a Threaded Job invokes on a worker thread
// (spec §4.8 "Invokes a closure on a worker thread; reports
// success/failure and captured stderr as the message").
type ThreadedFunc func(ctx context.Context) (success bool, message string)

// RunThreaded launches fn on pool in fire-and-forget mode, setting the
// Job's outcome on completion (spec §4.8 "Threaded Job").
func RunThreaded(pool *Pool, job *Job, fn ThreadedFunc) {
	pool.Submit(func() {
		runAndComplete(job, fn)
	})
}

// RunThreadedSync launches fn on pool and blocks the caller until it
// completes or ctx is done (spec §4.8 "sync-wait mode where the caller
// thread parks on the Job's completion").
func RunThreadedSync(ctx context.Context, pool *Pool, job *Job, fn ThreadedFunc) (Outcome, error) {
	pool.Submit(func() {
		runAndComplete(job, fn)
	})
	return job.Wait(ctx)
}

func runAndComplete(job *Job, fn ThreadedFunc) {
	success, message := fn(job.ctx)
	if job.Cancelled() {
		success, message = false, "cancelled"
	}
	job.mu.Lock()
	job.outcome = Outcome{Success: success, Message: message}
	job.mu.Unlock()
	close(job.done)
}

// Wait blocks until the Job completes or ctx is cancelled.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done reports the channel closed when the Job completes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Pool is the bounded worker-thread pool Threaded Jobs run on (spec §5
// "A bounded pool of worker threads runs Threaded Jobs").
type Pool struct {
	logger logr.Logger
	tasks  chan func()
	wg     sync.WaitGroup
}

// NewPool starts size worker goroutines.
func NewPool(logger logr.Logger, size int) *Pool {
	p := &Pool{
		logger: logger.WithName("jobs"),
		tasks:  make(chan func(), size*4),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues task to run on the pool.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting new tasks and waits for in-flight ones to
// finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
