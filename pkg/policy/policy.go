// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package policy implements the Policy/Authorization oracle consultation
// (spec §4.9 step 4, §10 "Policy / Authorization"): every mutating method
// call blocks on (caller uid, object path, action id) until the oracle
// allows, denies, or errors.
//
// Grounded on original_source/src/udisksdaemonutil.c's
// udisks_daemon_util_check_authorization_sync, which calls out to
// polkit's org.freedesktop.PolicyKit1.Authority service over the system
// bus. No in-pack repo links polkit directly, but polkit's own
// CheckAuthorization is itself a D-Bus method, so this package is built
// on github.com/godbus/dbus/v5 (already the object-bus library, see
// internal/busexport) rather than a hand-rolled stdlib client.
package policy

import (
	"context"
	"fmt"
)

// Action is an action identifier, e.g. "org.storaged.Storaged.filesystem-mount"
// (spec §4.9 step 4 "action id").
type Action string

const (
	ActionFilesystemMount       Action = "org.storaged.Storaged.filesystem-mount"
	ActionFilesystemMountOther  Action = "org.storaged.Storaged.filesystem-mount-other-seat"
	ActionFilesystemUnmount     Action = "org.storaged.Storaged.filesystem-unmount-others"
	ActionEncryptedUnlock       Action = "org.storaged.Storaged.encrypted-unlock"
	ActionEncryptedUnlockOther  Action = "org.storaged.Storaged.encrypted-unlock-others"
	ActionLoopSetup             Action = "org.storaged.Storaged.loop-setup"
	ActionLoopDelete            Action = "org.storaged.Storaged.loop-modify-others"
	ActionLVMManage             Action = "org.storaged.Storaged.lvm2-manage-lv"
	ActionMDRaidManage          Action = "org.storaged.Storaged.mdraid-manage"
	ActionISCSIConfigure        Action = "org.storaged.Storaged.iscsi-configure"
)

// Decision is the oracle's outcome for one consultation.
type Decision string

const (
	Allowed        Decision = "allowed"
	Denied         Decision = "denied"
	ChallengeFailed Decision = "challenge-failed" // interactive auth offered but not completed
)

// Request bundles a consultation's parameters (spec §4.9 step 4:
// "caller uid, Object path, action id, options, message template").
type Request struct {
	CallerUID uint32
	ObjectPath string
	Action     Action
	Details    map[string]string
	Message    string
}

// Oracle is consulted for every mutating method (spec §4.9 step 4).
// Block until allowed, denied, or the oracle reports an error.
type Oracle interface {
	CheckAuthorization(ctx context.Context, req Request) (Decision, error)
}

// Authorize is the convenience entry point Method Dispatch calls: it
// translates a Denied/ChallengeFailed decision into the bus
// NotAuthorized error, keeping the BusError construction out of every
// call site.
func Authorize(ctx context.Context, oracle Oracle, req Request) error {
	decision, err := oracle.CheckAuthorization(ctx, req)
	if err != nil {
		return fmt.Errorf("policy oracle: %w", err)
	}
	if decision != Allowed {
		return errNotAuthorized(req.Action, decision)
	}
	return nil
}
