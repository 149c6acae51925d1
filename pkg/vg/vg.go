// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vg implements the VG and LV Objects (spec §3 "VG Object",
// "LV Object") and the apply-snapshot diffing the LVM Probe Pipeline
// drives (spec §4.6).
package vg

import "strings"

// reservedSubstrings are LVM-internal LV name fragments that are never
// exported (spec §3 "VG Object" invariant).
var reservedSubstrings = []string{
	"_mlog", "_mimage", "_rimage", "_rmeta", "_tdata", "_tmeta", "_pmspare",
}

var reservedPrefixes = []string{"pvmove", "snapshot"}

// ReservedLVName reports whether name is an LVM-internal artifact that
// must never be exported as an LV Object (spec §3, §8 "Boundary
// behaviors").
func ReservedLVName(name string) bool {
	if strings.HasPrefix(name, "[") {
		return true
	}
	for _, s := range reservedSubstrings {
		if strings.Contains(name, s) {
			return true
		}
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// PV is one physical volume contributing to a VG (spec §3 "the PV
// set").
type PV struct {
	Path string
	Size uint64
	Free uint64
}

// Metadata is the VG's own size/free/extent/uuid snapshot (spec §3 "VG
// metadata snapshot").
type Metadata struct {
	Name       string
	UUID       string
	Size       uint64
	Free       uint64
	ExtentSize uint64
}

// LV is the LV Object (spec §3 "LV Object").
type LV struct {
	VGName string
	Name   string

	Size        uint64
	Layout      string
	Active      bool
	SyncRatio   float64
	ThinPool    string // parent thin-pool LV name, "" if none
	Origin      string // origin LV name, "" if not a snapshot
	Structure   string // segment or composite-tree description

	// BlockSysfsPath is the slot for a back-reference to the exposing
	// Block Object's sysfs path. The LVM probe leaves it empty and no
	// caller sets it, so it is "" for active LVs as well.
	BlockSysfsPath string
}

// VG is the VG Object (spec §3).
type VG struct {
	Metadata Metadata
	PVs      []PV
	LVs      map[string]LV // keyed by LV name, non-reserved only
}

// Snapshot is what one LVM probe cycle returns (spec §4.6 "a structured
// snapshot"): every VG's metadata, PV set, and full (including hidden)
// LV list, as reported by the listing tool.
type Snapshot struct {
	VGs map[string]VGSnapshot // keyed by VG name
}

// VGSnapshot is the raw per-VG probe result before reserved-LV
// filtering is applied.
type VGSnapshot struct {
	Metadata Metadata
	PVs      []PV
	LVs      []LV // includes hidden/reserved LVs; filtered by ApplyLVs
}

// Diff is the result of comparing the live VG object set against a new
// Snapshot (spec §4.6 "Apply-snapshot").
type Diff struct {
	Removed []string // VG names present before, absent from snapshot
	Created []*VG    // new VG objects, already populated
	Updated []string // VG names present in both; caller should call Update
}

// ApplySnapshot computes the Diff an LVM probe's apply-snapshot
// callback needs: "deletes VG Objects for VGs not in the snapshot
// (unpublishing first), creates new ones, and calls update on
// survivors" (spec §4.6). It does not mutate live; the caller applies
// the diff to its own object table.
func ApplySnapshot(live map[string]*VG, snap Snapshot) Diff {
	var d Diff
	for name := range live {
		if _, ok := snap.VGs[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	for name, vgSnap := range snap.VGs {
		if _, ok := live[name]; ok {
			d.Updated = append(d.Updated, name)
		} else {
			vg := &VG{Metadata: vgSnap.Metadata, PVs: vgSnap.PVs, LVs: make(map[string]LV)}
			ApplyLVs(vg, vgSnap.LVs)
			d.Created = append(d.Created, vg)
		}
	}
	return d
}

// ApplyLVs replaces a VG's LV set from a freshly probed LV listing,
// filtering reserved names, overwriting vg.LVs in place (spec §4.6 "a
// per-VG LV listing ... callback diffs the LV Object set").
func ApplyLVs(vgObj *VG, rawLVs []LV) {
	filtered := make(map[string]LV, len(rawLVs))
	for _, lv := range rawLVs {
		if ReservedLVName(lv.Name) {
			continue
		}
		filtered[lv.Name] = lv
	}
	vgObj.LVs = filtered
}

// PvmoveProgress extracts the progress percentage an in-flight pvmove
// LV contributes to a Job, and the Block Object it should be mirrored
// to (spec §4.6 "pvmove tracking"). ok is false when lv is not a pvmove
// LV.
func PvmoveProgress(lv LV, movePV string) (progress float64, blockSysfsPath string, ok bool) {
	if !strings.HasPrefix(lv.Name, "pvmove") {
		return 0, "", false
	}
	return lv.SyncRatio, movePV, true
}
