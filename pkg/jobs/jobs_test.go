// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestRunThreadedSyncSuccess(t *testing.T) {
	pool := NewPool(logr.Discard(), 2)
	defer pool.Close()

	job := New(context.Background(), "cleanup", 1000)
	outcome, err := RunThreadedSync(context.Background(), pool, job, func(ctx context.Context) (bool, string) {
		return true, "done"
	})
	if err != nil {
		t.Fatalf("RunThreadedSync: %v", err)
	}
	if !outcome.Success || outcome.Message != "done" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestCancelledJobReportsFailure(t *testing.T) {
	pool := NewPool(logr.Discard(), 2)
	defer pool.Close()

	started := make(chan struct{})
	job := New(context.Background(), "lvm-vg-create-volume", 1000)
	done := make(chan Outcome, 1)

	go func() {
		outcome, _ := RunThreadedSync(context.Background(), pool, job, func(ctx context.Context) (bool, string) {
			close(started)
			<-ctx.Done()
			return true, "finished anyway"
		})
		done <- outcome
	}()

	<-started
	job.Cancel()

	select {
	case outcome := <-done:
		if outcome.Success {
			t.Errorf("expected cancelled job to report failure, got %+v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete after cancellation")
	}
}

func TestProgressReporting(t *testing.T) {
	job := New(context.Background(), "resize", 1000)
	if _, valid := job.Progress(); valid {
		t.Error("expected progress invalid before first SetProgress")
	}
	job.SetProgress(1.5) // clamps to 1
	p, valid := job.Progress()
	if !valid || p != 1 {
		t.Errorf("Progress = (%v, %v), want (1, true)", p, valid)
	}
}

func TestWaitTimesOutOnContextCancel(t *testing.T) {
	job := New(context.Background(), "lvm-vg-create-volume", 1000) // never completes
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := job.Wait(ctx)
	if err == nil {
		t.Error("expected Wait to return an error when ctx deadline elapses")
	}
}
