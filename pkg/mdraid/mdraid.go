// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mdraid implements the MDRaid Object and its state machine
// (spec §3 "MDRaid Object", §4.5 "MDRaid Aggregator").
package mdraid

import (
	"github.com/storaged-project/udisks-sub005/pkg/device"
)

// State is one of the four MDRaid array states (spec §4.5).
type State string

const (
	StateAssembledWithMembers    State = "assembled-with-members"
	StateAssembledNoMembers      State = "assembled-no-members"
	StateUnassembledWithMembers  State = "unassembled-with-members"
	StateEmpty                   State = "empty" // terminal; triggers destruction
)

// redundantLevels are the RAID levels for which sync_action/degraded
// watches are installed on entering any Assembled-* state (spec §4.5).
var redundantLevels = map[string]bool{
	"raid1":  true,
	"raid4":  true,
	"raid5":  true,
	"raid6":  true,
	"raid10": true,
	"mirror": true,
}

// IsRedundant reports whether a RAID level requires sync/degraded
// attribute watches.
func IsRedundant(level string) bool {
	return redundantLevels[level]
}

// Object is the MDRaid Object (spec §3): identified by array UUID,
// holding the array's own Device Snapshot (if assembled) and the set of
// member Device Snapshots keyed by sysfs path.
type Object struct {
	UUID    string
	Level   string
	Array   *device.Snapshot          // nil if not currently assembled
	Members map[string]device.Snapshot // keyed by sysfs path

	state        State
	watchesOn    bool
	syncJobOwned bool
}

// New creates an empty MDRaid Object for the given array UUID.
func New(uuid string) *Object {
	return &Object{
		UUID:    uuid,
		Members: make(map[string]device.Snapshot),
		state:   StateEmpty,
	}
}

// State returns the object's current state.
func (o *Object) State() State { return o.state }

// HasSyncJob reports whether this array currently owns the single Sync
// Job handle spec §4.5 allows ("only one may run per array at a time").
func (o *Object) HasSyncJob() bool { return o.syncJobOwned }

// AttachSyncJob claims the array's sole Sync Job slot. It returns false
// if a sync job is already attached.
func (o *Object) AttachSyncJob() bool {
	if o.syncJobOwned {
		return false
	}
	o.syncJobOwned = true
	return true
}

// ReleaseSyncJob frees the array's Sync Job slot.
func (o *Object) ReleaseSyncJob() { o.syncJobOwned = false }

// WatchTransition describes what attribute watches must do in response
// to a recompute: Install, Remove, or neither.
type WatchTransition int

const (
	WatchNoChange WatchTransition = iota
	WatchInstall
	WatchRemove
)

// SetArray records (or clears, via nil) the array's own Device Snapshot
// and recomputes state. level is read from the snapshot's md/level
// property when present; if snap is nil the previously recorded level
// is kept for degraded/empty bookkeeping.
func (o *Object) SetArray(snap *device.Snapshot) WatchTransition {
	o.Array = snap
	if snap != nil {
		if lvl := snap.Prop("MD_LEVEL"); lvl != "" {
			o.Level = lvl
		}
	}
	return o.recompute()
}

// UpsertMember adds or updates a member's Device Snapshot, keyed by its
// sysfs path (spec §3 "members are a set (no duplicates) keyed by
// sysfs path").
func (o *Object) UpsertMember(snap device.Snapshot) WatchTransition {
	o.Members[snap.SysfsPath] = snap
	return o.recompute()
}

// RemoveMember removes a member by sysfs path.
func (o *Object) RemoveMember(sysfsPath string) WatchTransition {
	delete(o.Members, sysfsPath)
	return o.recompute()
}

// recompute derives the new state from (Array, Members) and returns
// whatever watch transition that implies (spec §4.5 "on entering any
// Assembled-* state ... install two attribute watches ... on leaving,
// remove both").
func (o *Object) recompute() WatchTransition {
	var next State
	switch {
	case o.Array != nil && len(o.Members) > 0:
		next = StateAssembledWithMembers
	case o.Array != nil:
		next = StateAssembledNoMembers
	case len(o.Members) > 0:
		next = StateUnassembledWithMembers
	default:
		next = StateEmpty
	}

	wasAssembled := o.watchesOn
	willBeAssembled := isAssembled(next) && IsRedundant(o.Level)

	o.state = next

	switch {
	case !wasAssembled && willBeAssembled:
		o.watchesOn = true
		return WatchInstall
	case wasAssembled && !willBeAssembled:
		o.watchesOn = false
		return WatchRemove
	default:
		return WatchNoChange
	}
}

func isAssembled(s State) bool {
	return s == StateAssembledWithMembers || s == StateAssembledNoMembers
}

// IsTerminal reports whether the object should be destroyed (spec §4.5
// "Empty (terminal; triggers destruction)").
func (o *Object) IsTerminal() bool { return o.state == StateEmpty }
