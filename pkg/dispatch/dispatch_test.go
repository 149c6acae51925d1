// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
)

type allowOracle struct{}

func (allowOracle) CheckAuthorization(ctx context.Context, req policy.Request) (policy.Decision, error) {
	return policy.Allowed, nil
}

type denyOracle struct{}

func (denyOracle) CheckAuthorization(ctx context.Context, req policy.Request) (policy.Decision, error) {
	return policy.Denied, nil
}

func newGraph(t *testing.T) *objectgraph.Graph {
	t.Helper()
	g, err := objectgraph.New(logr.Discard())
	if err != nil {
		t.Fatalf("objectgraph.New: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestRunFailsWhenObjectUnpublished(t *testing.T) {
	g := newGraph(t)
	pool := jobs.NewPool(logr.Discard(), 1)
	defer pool.Close()

	err := Run(context.Background(), Call{
		ObjectKey: "vg0/missing",
		Graph:     g,
		Pool:      pool,
		JobKind:   "lvm-lv-delete",
		Invoke:    func(ctx context.Context) (bool, string) { return true, "" },
	})
	be, ok := storederrors.AsBusError(err)
	if !ok || be.Name != storederrors.Failed {
		t.Fatalf("expected Failed for an unpublished object, got %v", err)
	}
}

func TestRunDeniedByPolicy(t *testing.T) {
	g := newGraph(t)
	g.Upsert(objectgraph.KindVG, "vg0", map[string]string{})
	pool := jobs.NewPool(logr.Discard(), 1)
	defer pool.Close()

	err := Run(context.Background(), Call{
		ObjectKey: "vg0",
		Graph:     g,
		Policy:    denyOracle{},
		Pool:      pool,
		JobKind:   "lvm-vg-delete",
		Invoke:    func(ctx context.Context) (bool, string) { return true, "" },
	})
	be, ok := storederrors.AsBusError(err)
	if !ok || be.Name != storederrors.NotAuthorized {
		t.Fatalf("expected NotAuthorized, got %v", err)
	}
}

func TestRunSucceedsAndWaitsForPostState(t *testing.T) {
	g := newGraph(t)
	g.Upsert(objectgraph.KindVG, "vg0", map[string]string{})
	pool := jobs.NewPool(logr.Discard(), 2)
	defer pool.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Upsert(objectgraph.KindLV, "vg0/newname", map[string]string{})
	}()

	err := Run(context.Background(), Call{
		ObjectKey: "vg0",
		Graph:     g,
		Policy:    allowOracle{},
		Pool:      pool,
		JobKind:   "lvm-lv-rename",
		Invoke:    func(ctx context.Context) (bool, string) { return true, "" },
		WaitFor:   WaitForAppear("vg0/newname"),
		WaitTTL:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunTranslatesFailureAndSkipsWait(t *testing.T) {
	g := newGraph(t)
	g.Upsert(objectgraph.KindVG, "vg0", map[string]string{})
	pool := jobs.NewPool(logr.Discard(), 1)
	defer pool.Close()

	waitCalled := false
	err := Run(context.Background(), Call{
		ObjectKey: "vg0",
		Graph:     g,
		Policy:    allowOracle{},
		Pool:      pool,
		JobKind:   "iscsi-login",
		Invoke:    func(ctx context.Context) (bool, string) { return false, "auth rejected" },
		TranslateError: func(outcome jobs.Outcome) error {
			return storederrors.NewBusError(storederrors.ISCSILoginAuthFailed, outcome.Message)
		},
		WaitFor: Wait(func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
			waitCalled = true
			return nil
		}),
	})
	be, ok := storederrors.AsBusError(err)
	if !ok || be.Name != storederrors.ISCSILoginAuthFailed {
		t.Fatalf("expected ISCSI.LoginAuthFailed, got %v", err)
	}
	if waitCalled {
		t.Error("wait-for-graph must not run after a failed job (step 9 only follows success)")
	}
}

func TestRunPublishesAndUnpublishesJob(t *testing.T) {
	g := newGraph(t)
	g.Upsert(objectgraph.KindVG, "vg0", map[string]string{})
	pool := jobs.NewPool(logr.Discard(), 1)
	defer pool.Close()

	var published, unpublished bool
	publishJob := func(job *jobs.Job) func() {
		published = true
		if job.Kind != "lvm-vg-delete" {
			t.Errorf("PublishJob saw kind %q, want lvm-vg-delete", job.Kind)
		}
		return func() { unpublished = true }
	}

	err := Run(context.Background(), Call{
		ObjectKey:  "vg0",
		Graph:      g,
		Policy:     allowOracle{},
		Pool:       pool,
		JobKind:    "lvm-vg-delete",
		Invoke:     func(ctx context.Context) (bool, string) { return true, "" },
		PublishJob: publishJob,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !published {
		t.Error("expected PublishJob to be called before the job ran")
	}
	if !unpublished {
		t.Error("expected the unpublish func to be called once Run returned")
	}
}

func TestRunSerializesOnGatewayMutex(t *testing.T) {
	g := newGraph(t)
	g.Upsert(objectgraph.KindVG, "vg0", map[string]string{})
	g.Upsert(objectgraph.KindVG, "vg1", map[string]string{})
	pool := jobs.NewPool(logr.Discard(), 4)
	defer pool.Close()
	gw := gateway.New(logr.Discard(), "/dev/null")

	var active, maxSeen int32
	invoke := func(ctx context.Context) (bool, string) {
		active++
		if active > maxSeen {
			maxSeen = active
		}
		time.Sleep(5 * time.Millisecond)
		active--
		return true, ""
	}

	done := make(chan struct{}, 2)
	for _, key := range []objectgraph.Key{"vg0", "vg1"} {
		key := key
		go func() {
			Run(context.Background(), Call{
				ObjectKey:  key,
				Graph:      g,
				Policy:     allowOracle{},
				Gateway:    gw,
				GatewayLib: gateway.LibraryLVM,
				Pool:       pool,
				JobKind:    "lvm-vg-delete",
				Invoke:     invoke,
			})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if maxSeen > 1 {
		t.Errorf("max concurrent invokes = %d, want 1 (serialized by gateway mutex)", maxSeen)
	}
}
