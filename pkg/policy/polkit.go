// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package policy

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
)

func errNotAuthorized(action Action, decision Decision) error {
	return storederrors.NewBusError(storederrors.NotAuthorized,
		fmt.Sprintf("action %s: %s", action, decision))
}

const (
	polkitBusName    = "org.freedesktop.PolicyKit1"
	polkitObjectPath = "/org/freedesktop/PolicyKit1/Authority"
	polkitInterface  = "org.freedesktop.PolicyKit1.Authority"
)

// polkitResult mirrors the (bba{ss}) CheckAuthorization return tuple:
// is_authorized, is_challenge, details.
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// PolkitOracle consults the system polkit authority over the system bus
// (spec §4.9 step 4), grounded on
// original_source/src/udisksdaemonutil.c's
// udisks_daemon_util_check_authorization_sync.
type PolkitOracle struct {
	conn *dbus.Conn
}

var _ Oracle = (*PolkitOracle)(nil)

// NewPolkitOracle connects to the system bus and returns an Oracle
// backed by polkit's Authority service.
func NewPolkitOracle() (*PolkitOracle, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus for polkit: %w", err)
	}
	return &PolkitOracle{conn: conn}, nil
}

// Close disconnects the underlying bus connection.
func (p *PolkitOracle) Close() error {
	return p.conn.Close()
}

// CheckAuthorization calls org.freedesktop.PolicyKit1.Authority.CheckAuthorization,
// with the subject built as a "unix-user" carrying req.CallerUID (no
// "unix-process" or "system-bus-name" subject is built, since the daemon
// already resolved the caller uid off the bus at dispatch time, spec
// §4.9 step 2).
func (p *PolkitOracle) CheckAuthorization(ctx context.Context, req Request) (Decision, error) {
	obj := p.conn.Object(polkitBusName, dbus.ObjectPath(polkitObjectPath))

	subject := struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind: "unix-user",
		Details: map[string]dbus.Variant{
			"uid": dbus.MakeVariant(int32(req.CallerUID)),
		},
	}

	details := make(map[string]string, len(req.Details)+1)
	for k, v := range req.Details {
		details[k] = v
	}
	if req.Message != "" {
		details["polkit.message"] = req.Message
	}

	const (
		flagsAllowInteraction = 0x1
		cancellationID        = ""
	)

	var result polkitResult
	call := obj.CallWithContext(ctx, polkitInterface+".CheckAuthorization", 0,
		subject, string(req.Action), details, uint32(flagsAllowInteraction), cancellationID)
	if call.Err != nil {
		return "", fmt.Errorf("CheckAuthorization(%s): %w", req.Action, call.Err)
	}
	if err := call.Store(&result.IsAuthorized, &result.IsChallenge, &result.Details); err != nil {
		return "", fmt.Errorf("decode CheckAuthorization reply: %w", err)
	}

	switch {
	case result.IsAuthorized:
		return Allowed, nil
	case result.IsChallenge:
		return ChallengeFailed, nil
	default:
		return Denied, nil
	}
}
