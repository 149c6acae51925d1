// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package iscsi

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"

	"github.com/storaged-project/udisks-sub005/pkg/gateway"
)

// countingRunner tracks how many invocations overlap in time, the same
// technique pkg/gateway's own TestRunSerializesPerLibrary uses.
type countingRunner struct {
	active  int32
	maxSeen int32
}

func (r *countingRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	n := atomic.AddInt32(&r.active, 1)
	for {
		cur := atomic.LoadInt32(&r.maxSeen)
		if n <= cur || atomic.CompareAndSwapInt32(&r.maxSeen, cur, n) {
			break
		}
	}
	atomic.AddInt32(&r.active, -1)
	return "", "", nil
}

// TestLoginHoldsGatewayMutexAcrossSequence verifies the CHAP-install,
// login, and node-param steps run as one hold of the iSCSI mutex (spec
// §4.7 step 3), not one acquisition per iscsiadm invocation: a
// concurrent call into the same library must never interleave with any
// step of Login.
func TestLoginHoldsGatewayMutexAcrossSequence(t *testing.T) {
	gw := gateway.New(logr.Discard(), "/dev/null")
	cr := &countingRunner{}
	gw.WithRunner(cr)

	node := Node{TargetName: "iqn.2020-01.example:target", Address: "127.0.0.1", Port: 3260, Iface: "default"}
	auth := AuthRecord{Method: "CHAP", Username: "u", Password: "p"}
	params := map[string]string{"node.startup": "automatic"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = gw.Call(gateway.LibraryISCSI, func() error {
			_, err := Login(context.Background(), gw, node, auth, params)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		_, _, _ = gw.Run(context.Background(), gateway.LibraryISCSI, "iscsiadm", "-m", "node", "-u")
	}()
	wg.Wait()

	if cr.maxSeen > 1 {
		t.Errorf("max concurrent iscsiadm invocations = %d, want 1 (Login must hold the mutex for its whole sequence)", cr.maxSeen)
	}
}

// TestLoginAbortsOnFirstFailure confirms the sequence stops at the
// first failing step rather than continuing to apply node params.
func TestLoginAbortsOnFirstFailure(t *testing.T) {
	gw := gateway.New(logr.Discard(), "/dev/null")
	gw.WithRunner(fakeFailingRunner{})

	node := Node{TargetName: "iqn.2020-01.example:target", Address: "127.0.0.1", Iface: "default"}
	_, err := Login(context.Background(), gw, node, AuthRecord{}, map[string]string{"node.startup": "automatic"})
	if err == nil {
		t.Fatal("expected Login to fail when the login step itself fails")
	}
}

type fakeFailingRunner struct{}

func (fakeFailingRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	return "", "iscsiadm: no session found", errFake
}

var errFake = &fakeError{"iscsiadm failed"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }
