// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package iscsi

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/storaged-project/udisks-sub005/pkg/gateway"
)

// Login runs the full login algorithm (spec §4.7 steps 1-3): installs
// CHAP auth if present, logs in, then applies any remaining node
// parameters, aborting on the first failure. The whole sequence runs
// "under the iSCSI mutex" as one hold (spec §4.7 step 3): the caller
// (internal/busexport, via dispatch.Call's Gateway/GatewayLib) acquires
// gw's LibraryISCSI mutex for the duration of Invoke, so every
// iscsiadm call here goes through gw.RunUnlocked rather than gw.Run —
// re-locking the same non-reentrant mutex from inside an already-held
// Call would deadlock. The caller is also responsible for steps 1
// (SplitAuth) and 4 (wait-for-graph) around this call. The returned
// code is iscsiadm's numeric exit status (spec §7 "external-library
// numeric codes are translated at the gateway boundary"), 0 on
// success.
func Login(ctx context.Context, gw *gateway.Gateway, node Node, auth AuthRecord, params map[string]string) (code int, err error) {
	if auth.Method == "CHAP" {
		if code, err := installCHAP(ctx, gw, node, auth); err != nil {
			return code, fmt.Errorf("install CHAP auth: %w", err)
		}
	}

	if code, _, err := runISCSIAdm(ctx, gw, "-m", "node", "-T", node.TargetName, "-p", node.Portal(), "-I", node.Iface, "-l"); err != nil {
		return code, fmt.Errorf("login: %w", err)
	}

	// Step 3: "if non-CHAP node parameters remain, apply each key/value
	// via the library's node-parameter setter, aborting the sequence on
	// the first failure."
	for key, value := range params {
		if code, err := setNodeParam(ctx, gw, node, key, value); err != nil {
			return code, fmt.Errorf("set node parameter %s: %w", key, err)
		}
	}
	return 0, nil
}

// Logout runs the logout algorithm (spec §4.7 step 3 "invoke login or
// logout").
func Logout(ctx context.Context, gw *gateway.Gateway, node Node) (code int, err error) {
	code, _, err = runISCSIAdm(ctx, gw, "-m", "node", "-T", node.TargetName, "-p", node.Portal(), "-I", node.Iface, "-u")
	return code, err
}

// installCHAP writes the four CHAP fields onto the node record before
// login, mirroring iscsiadm's "node.session.auth.*" parameter keys.
func installCHAP(ctx context.Context, gw *gateway.Gateway, node Node, auth AuthRecord) (int, error) {
	chapParams := map[string]string{
		"node.session.auth.authmethod": "CHAP",
		"node.session.auth.username":   auth.Username,
		"node.session.auth.password":   auth.Password,
	}
	if auth.ReverseUsername != "" {
		chapParams["node.session.auth.username_in"] = auth.ReverseUsername
		chapParams["node.session.auth.password_in"] = auth.ReversePassword
	}
	for key, value := range chapParams {
		if code, err := setNodeParam(ctx, gw, node, key, value); err != nil {
			return code, err
		}
	}
	return 0, nil
}

func setNodeParam(ctx context.Context, gw *gateway.Gateway, node Node, key, value string) (int, error) {
	code, _, err := runISCSIAdm(ctx, gw, "-m", "node", "-T", node.TargetName, "-p", node.Portal(),
		"-I", node.Iface, "--op=update", "-n", key, "-v", value)
	return code, err
}

func runISCSIAdm(ctx context.Context, gw *gateway.Gateway, args ...string) (code int, stdout string, err error) {
	stdout, _, err = gw.RunUnlocked(ctx, "iscsiadm", args...)
	return exitCode(err), stdout, err
}

// exitCode extracts iscsiadm's numeric exit status from a process
// error, returning 0 for a nil error and 1 for any error that did not
// come from the process itself (e.g. a context cancellation).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// Discover runs a sendtargets discovery against portal and returns the
// raw node records iscsiadm prints, one per discovered target (spec §6
// "iSCSI Login/Logout/Discover").
func Discover(ctx context.Context, gw *gateway.Gateway, portal string) (string, error) {
	_, stdout, err := runISCSIAdm(ctx, gw, "-m", "discovery", "-t", "sendtargets", "-p", portal)
	return stdout, err
}
