// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vg

import "testing"

func TestReservedLVName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"root", false},
		{"swap", false},
		{"[root_tmeta]", true},
		{"lv_rimage_0", true},
		{"thin_tdata", true},
		{"pvmove0", true},
		{"snapshot1", true},
		{"data", false},
	}
	for _, tt := range tests {
		if got := ReservedLVName(tt.name); got != tt.want {
			t.Errorf("ReservedLVName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestApplySnapshotCreatesUpdatesRemoves(t *testing.T) {
	live := map[string]*VG{
		"vg0": {Metadata: Metadata{Name: "vg0"}, LVs: map[string]LV{}},
		"vg1": {Metadata: Metadata{Name: "vg1"}, LVs: map[string]LV{}},
	}
	snap := Snapshot{VGs: map[string]VGSnapshot{
		"vg0": {Metadata: Metadata{Name: "vg0"}},
		"vg2": {Metadata: Metadata{Name: "vg2"}, LVs: []LV{{Name: "root"}, {Name: "[root_tmeta]"}}},
	}}

	diff := ApplySnapshot(live, snap)

	if len(diff.Removed) != 1 || diff.Removed[0] != "vg1" {
		t.Errorf("Removed = %v, want [vg1]", diff.Removed)
	}
	if len(diff.Updated) != 1 || diff.Updated[0] != "vg0" {
		t.Errorf("Updated = %v, want [vg0]", diff.Updated)
	}
	if len(diff.Created) != 1 || diff.Created[0].Metadata.Name != "vg2" {
		t.Fatalf("Created = %+v, want one vg2", diff.Created)
	}
	if _, ok := diff.Created[0].LVs["[root_tmeta]"]; ok {
		t.Error("reserved LV name leaked into created VG's LV set")
	}
	if _, ok := diff.Created[0].LVs["root"]; !ok {
		t.Error("expected non-reserved LV root to survive filtering")
	}
}

func TestApplyLVsReplacesInPlace(t *testing.T) {
	vgObj := &VG{LVs: map[string]LV{"stale": {Name: "stale"}}}
	ApplyLVs(vgObj, []LV{{Name: "root"}})
	if _, ok := vgObj.LVs["stale"]; ok {
		t.Error("expected stale LV to be gone after ApplyLVs")
	}
	if _, ok := vgObj.LVs["root"]; !ok {
		t.Error("expected root LV to be present after ApplyLVs")
	}
}

func TestPvmoveProgress(t *testing.T) {
	lv := LV{Name: "pvmove0", SyncRatio: 0.42}
	progress, blockPath, ok := PvmoveProgress(lv, "/dev/sdb1")
	if !ok || progress != 0.42 || blockPath != "/dev/sdb1" {
		t.Errorf("PvmoveProgress = (%v, %v, %v)", progress, blockPath, ok)
	}

	_, _, ok = PvmoveProgress(LV{Name: "root"}, "/dev/sdb1")
	if ok {
		t.Error("expected ok=false for non-pvmove LV")
	}
}
