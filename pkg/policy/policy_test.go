// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package policy

import (
	"context"
	"testing"

	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
)

type fakeOracle struct {
	decision Decision
	err      error
	lastReq  Request
}

func (f *fakeOracle) CheckAuthorization(ctx context.Context, req Request) (Decision, error) {
	f.lastReq = req
	return f.decision, f.err
}

func TestAuthorizeAllowed(t *testing.T) {
	o := &fakeOracle{decision: Allowed}
	req := Request{CallerUID: 1000, ObjectPath: "/org/storaged/Block/sdb1", Action: ActionFilesystemMount}
	if err := Authorize(context.Background(), o, req); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if o.lastReq.Action != ActionFilesystemMount {
		t.Errorf("oracle did not receive the request: %+v", o.lastReq)
	}
}

func TestAuthorizeDeniedReturnsNotAuthorized(t *testing.T) {
	o := &fakeOracle{decision: Denied}
	err := Authorize(context.Background(), o, Request{Action: ActionLoopSetup})
	be, ok := storederrors.AsBusError(err)
	if !ok {
		t.Fatalf("expected a BusError, got %v", err)
	}
	if be.Name != storederrors.NotAuthorized {
		t.Errorf("Name = %s, want NotAuthorized", be.Name)
	}
}

func TestAuthorizeChallengeFailedIsNotAuthorized(t *testing.T) {
	o := &fakeOracle{decision: ChallengeFailed}
	err := Authorize(context.Background(), o, Request{Action: ActionEncryptedUnlock})
	be, ok := storederrors.AsBusError(err)
	if !ok || be.Name != storederrors.NotAuthorized {
		t.Errorf("expected NotAuthorized for a failed interactive challenge, got %v", err)
	}
}
