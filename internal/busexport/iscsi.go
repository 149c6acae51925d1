// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package busexport

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	blockpkg "github.com/storaged-project/udisks-sub005/pkg/block"
	"github.com/storaged-project/udisks-sub005/pkg/dispatch"
	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/iscsi"
	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
)

const (
	ifaceISCSIManager = "org.storaged.Storaged.ISCSI.Manager"
	ifaceISCSISession = "org.storaged.Storaged.ISCSI.Session"
)

// ManagerHandler is the singleton handler for the daemon-level iSCSI
// methods (Login/Logout/Discover are not per-object: the Block/Session
// Objects they act on don't exist yet at call time for a login, spec
// §4.7 "wait on the Object Graph ... to appear").
type ManagerHandler struct {
	pub  *Publisher
	deps Deps
}

// PublishISCSIManager exports the Manager-level iSCSI interface at the
// object-bus root.
func PublishISCSIManager(pub *Publisher, deps Deps) error {
	h := &ManagerHandler{pub: pub, deps: deps}
	return pub.ExportMethods(Root, ifaceISCSIManager, map[string]interface{}{
		"Login":    h.Login,
		"Logout":   h.Logout,
		"Discover": h.Discover,
	})
}

// PublishSession exports an iSCSI Session Object's properties at path
// (spec §3 "iSCSI Session Object").
func PublishSession(pub *Publisher, path dbus.ObjectPath, s iscsi.Session) ([]string, error) {
	props := prop.Properties{
		ifaceISCSISession: {
			"TargetIQN":         {Value: s.TargetIQN, Writable: false, Emit: prop.EmitTrue},
			"Portal":            {Value: s.Portal, Writable: false, Emit: prop.EmitTrue},
			"Port":              {Value: int32(s.Port), Writable: false, Emit: prop.EmitTrue},
			"PersistentAddress": {Value: s.PersistentAddress, Writable: false, Emit: prop.EmitTrue},
			"PersistentPort":    {Value: int32(s.PersistentPort), Writable: false, Emit: prop.EmitTrue},
			"LoginTimeout":      {Value: int32(s.LoginTimeout), Writable: false, Emit: prop.EmitTrue},
			"LogoutTimeout":     {Value: int32(s.LogoutTimeout), Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, props); err != nil {
		return nil, err
	}
	return []string{ifaceISCSISession}, nil
}

// UnpublishSession reverses PublishSession.
func UnpublishSession(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// byPathPredicate matches the Block Object whose device path appears
// under /dev/disk/by-path/ with targetIQN as a substring (spec §4.7
// step 4 "matched by target IQN appearing as substring in
// /dev/disk/by-path/*").
func byPathPredicate(targetIQN string) objectgraph.Predicate {
	return objectgraph.KindAttrPredicate(objectgraph.KindBlock, func(attrs any) bool {
		b, ok := attrs.(blockpkg.Object)
		if !ok || targetIQN == "" {
			return false
		}
		for _, link := range b.Snapshot.Symlinks {
			if strings.Contains(link, "/dev/disk/by-path/") && strings.Contains(link, targetIQN) {
				return true
			}
		}
		return false
	})
}

// sessionPredicate matches the Session Object for targetIQN (spec
// §4.7 step 4 "the Session Object (matched by target IQN equality)").
func sessionPredicate(targetIQN string) objectgraph.Predicate {
	return objectgraph.KindAttrPredicate(objectgraph.KindSession, func(attrs any) bool {
		s, ok := attrs.(iscsi.Session)
		return ok && targetIQN != "" && s.TargetIQN == targetIQN
	})
}

// Login implements ISCSI.Manager.Login (spec §4.7's full algorithm,
// scenario S4). options carries both the CHAP sub-keys and any
// remaining node parameters (e.g. node.startup); SplitAuth pulls the
// former out before the node descriptor is built.
func (h *ManagerHandler) Login(sender dbus.Sender, targetName, address string, port int32, iface, tpgt string, options map[string]dbus.Variant) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	auth, params := iscsi.SplitAuth(stringOptions(options))
	node := iscsi.NodeFromOptions(targetName, address, int(port), iface, tpgt)

	var code int
	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  objectgraph.ManagerKey,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		// Held for the whole job (spec §4.7 step 3 "under the iSCSI
		// mutex"): pkg/iscsi's Login/Logout/Discover issue every
		// iscsiadm call via gw.RunUnlocked, relying on this hold
		// rather than re-locking per command.
		Gateway:       h.deps.Gateway,
		GatewayLib:    gateway.LibraryISCSI,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionISCSIConfigure},
		Pool:      h.deps.Pool,
		JobKind:   "iscsi-login",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			var loginErr error
			code, loginErr = iscsi.Login(ctx, h.deps.Gateway, node, auth, params)
			if loginErr != nil {
				return false, loginErr.Error()
			}
			return true, ""
		},
		TranslateError: func(outcome jobs.Outcome) error {
			return storederrors.ISCSIError(code, outcome.Message)
		},
		WaitFor: dispatch.WaitAll(
			waitForPredicate(byPathPredicate(targetName)),
			waitForPredicate(sessionPredicate(targetName)),
		),
	})
	if err != nil {
		return asDBusError(err)
	}
	return nil
}

// stringOptions decodes a dbus Variant option map into plain strings,
// the form iscsi.SplitAuth and the node-parameter setter expect.
func stringOptions(options map[string]dbus.Variant) map[string]string {
	out := make(map[string]string, len(options))
	for k, v := range options {
		if s, ok := v.Value().(string); ok {
			out[k] = s
		}
	}
	return out
}

// Logout implements ISCSI.Manager.Logout (spec §4.7 step 3/4 "invoke
// login or logout ... wait ... to disappear").
func (h *ManagerHandler) Logout(sender dbus.Sender, targetName, address string, port int32, iface, tpgt string, options map[string]dbus.Variant) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	node := iscsi.NodeFromOptions(targetName, address, int(port), iface, tpgt)

	blockKey := keyOfFirstMatch(h.deps.Graph, byPathPredicate(targetName))
	sessionKey := keyOfFirstMatch(h.deps.Graph, sessionPredicate(targetName))

	var code int
	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  objectgraph.ManagerKey,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		// Held for the whole job (spec §4.7 step 3 "under the iSCSI
		// mutex"): pkg/iscsi's Login/Logout/Discover issue every
		// iscsiadm call via gw.RunUnlocked, relying on this hold
		// rather than re-locking per command.
		Gateway:       h.deps.Gateway,
		GatewayLib:    gateway.LibraryISCSI,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionISCSIConfigure},
		Pool:      h.deps.Pool,
		JobKind:   "iscsi-logout",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			var logoutErr error
			code, logoutErr = iscsi.Logout(ctx, h.deps.Gateway, node)
			if logoutErr != nil {
				return false, logoutErr.Error()
			}
			return true, ""
		},
		TranslateError: func(outcome jobs.Outcome) error {
			return storederrors.ISCSIError(code, outcome.Message)
		},
		WaitFor: dispatch.WaitAll(
			dispatch.WaitForDisappear(blockKey),
			dispatch.WaitForDisappear(sessionKey),
		),
	})
	if err != nil {
		return asDBusError(err)
	}
	return nil
}

// Discover implements ISCSI.Manager.Discover: a sendtargets discovery
// against portal, returning the raw node records (spec §6 "iSCSI
// Login/Logout/Discover").
func (h *ManagerHandler) Discover(sender dbus.Sender, portal string, options map[string]dbus.Variant) (string, *dbus.Error) {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return "", asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	var nodes string
	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  objectgraph.ManagerKey,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		// Held for the whole job (spec §4.7 step 3 "under the iSCSI
		// mutex"): pkg/iscsi's Login/Logout/Discover issue every
		// iscsiadm call via gw.RunUnlocked, relying on this hold
		// rather than re-locking per command.
		Gateway:       h.deps.Gateway,
		GatewayLib:    gateway.LibraryISCSI,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionISCSIConfigure},
		Pool:      h.deps.Pool,
		JobKind:   "iscsi-discover",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			out, dErr := iscsi.Discover(ctx, h.deps.Gateway, portal)
			if dErr != nil {
				return false, dErr.Error()
			}
			nodes = out
			return true, ""
		},
	})
	if err != nil {
		return "", asDBusError(err)
	}
	return nodes, nil
}

// keyOfFirstMatch resolves predicate against the graph's current state
// with a zero timeout (no blocking), returning the zero Key if nothing
// matches yet — e.g. a logout racing a session that already vanished.
func keyOfFirstMatch(g *objectgraph.Graph, predicate objectgraph.Predicate) objectgraph.Key {
	obj, err := g.WaitFor(context.Background(), predicate, 0)
	if err != nil || obj == nil {
		return ""
	}
	return obj.Key
}

// waitForPredicate adapts an objectgraph.Predicate into a dispatch.Wait
// (spec §4.9 step 9's login case: wait for Block and Session Objects
// matched by target IQN, not by a Key known in advance).
func waitForPredicate(predicate objectgraph.Predicate) dispatch.Wait {
	return func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
		_, err := g.WaitFor(ctx, predicate, ttl)
		return err
	}
}
