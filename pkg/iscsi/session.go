// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package iscsi implements the iSCSI Session Object (spec §3 "iSCSI
// Session Object") and the login/logout algorithm the External-Library
// Gateway runs under its iSCSI mutex (spec §4.7).
//
// No in-pack repo links an iSCSI control library or shells out to
// iscsiadm, so this package is grounded directly on spec §4.7's
// algorithm text and open-iscsi's documented iscsiadm(8) CLI, which is
// the same command line the upstream udisks daemon's iscsi module
// drives (see DESIGN.md).
package iscsi

import (
	"regexp"
	"strconv"
	"strings"
)

// sessionIDPattern extracts a kernel session id from a sysfs path
// matching "session[0-9]+" (spec §3 "iSCSI Session Object": "Identified
// by kernel session id (parsed from sysfs path matching
// session[0-9]+)").
var sessionIDPattern = regexp.MustCompile(`session(\d+)`)

// ParseSessionID extracts the session id from a sysfs path such as
// "/sys/class/iscsi_session/session3", returning ok=false if no
// session[0-9]+ component is present.
func ParseSessionID(sysfsPath string) (id string, ok bool) {
	m := sessionIDPattern.FindStringSubmatch(sysfsPath)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Session is the iSCSI Session Object (spec §3). It is created when the
// first contributing sysfs path appears and destroyed when the last one
// leaves.
type Session struct {
	ID string

	TargetIQN         string
	Portal            string
	Port              int
	PersistentAddress string
	PersistentPort    int
	LoginTimeout      int
	LogoutTimeout     int

	// Contributors is the set of sysfs paths that contributed to this
	// Session's existence (spec §3 "the set of sysfs paths that
	// contributed to its existence").
	Contributors map[string]struct{}
}

// New creates an empty Session for the given kernel session id.
func New(id string) *Session {
	return &Session{ID: id, Contributors: make(map[string]struct{})}
}

// AddContributor records a sysfs path that keeps this Session alive.
func (s *Session) AddContributor(sysfsPath string) {
	s.Contributors[sysfsPath] = struct{}{}
}

// RemoveContributor drops a contributing sysfs path. It returns true if
// no contributors remain and the Session should be destroyed (spec §3
// "destroyed when the last one leaves").
func (s *Session) RemoveContributor(sysfsPath string) bool {
	delete(s.Contributors, sysfsPath)
	return len(s.Contributors) == 0
}

// AuthRecord is the CHAP credential set popped out of a method's option
// dictionary (spec §4.7 step 1: "pop the CHAP sub-keys (username,
// password, reverse-username, reverse-password) into an auth record").
type AuthRecord struct {
	Method            string // "CHAP" or "" (none)
	Username          string
	Password          string
	ReverseUsername   string
	ReversePassword   string
}

// SplitAuth separates options into an AuthRecord (the CHAP sub-keys)
// and the remaining node-parameter map (spec §4.7 step 1). If any CHAP
// sub-key is present, Method is set to "CHAP".
func SplitAuth(options map[string]string) (AuthRecord, map[string]string) {
	var auth AuthRecord
	params := make(map[string]string, len(options))
	for k, v := range options {
		switch k {
		case "username":
			auth.Username = v
			auth.Method = "CHAP"
		case "password":
			auth.Password = v
			auth.Method = "CHAP"
		case "reverse-username":
			auth.ReverseUsername = v
			auth.Method = "CHAP"
		case "reverse-password":
			auth.ReversePassword = v
			auth.Method = "CHAP"
		default:
			params[k] = v
		}
	}
	return auth, params
}

// Node is the node descriptor built from method parameters (spec §4.7
// step 2: "Build the node descriptor (target name, TPGT, address,
// port, iface)").
type Node struct {
	TargetName string
	TPGT       string
	Address    string
	Port       int
	Iface      string
}

// NodeFromOptions builds a Node from a Login/Logout call's parameters,
// following iscsiadm's own "-T target -p address:port -I iface"
// addressing.
func NodeFromOptions(targetName, address string, port int, iface, tpgt string) Node {
	if iface == "" {
		iface = "default"
	}
	return Node{TargetName: targetName, TPGT: tpgt, Address: address, Port: port, Iface: iface}
}

// Portal renders the node's address:port the way iscsiadm's -p flag
// expects it.
func (n Node) Portal() string {
	if n.Port == 0 {
		return n.Address
	}
	return n.Address + ":" + strconv.Itoa(n.Port)
}

// MatchesByPathSubstring reports whether the node's target name appears
// as a substring of a /dev/disk/by-path/* entry, the heuristic spec
// §4.7 step 4 uses to find the Block Object a login created: "matched
// by target IQN appearing as substring in /dev/disk/by-path/*".
func (n Node) MatchesByPathSubstring(byPathEntry string) bool {
	return n.TargetName != "" && strings.Contains(byPathEntry, n.TargetName)
}
