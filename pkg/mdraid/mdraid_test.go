// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mdraid

import (
	"testing"

	"github.com/storaged-project/udisks-sub005/pkg/device"
)

func TestStateTransitionsEmptyToUnassembled(t *testing.T) {
	o := New("uuid-1")
	if o.State() != StateEmpty {
		t.Fatalf("initial state = %s", o.State())
	}
	o.UpsertMember(device.Snapshot{SysfsPath: "/sys/block/sda"})
	if o.State() != StateUnassembledWithMembers {
		t.Errorf("state = %s, want %s", o.State(), StateUnassembledWithMembers)
	}
}

func TestStateTransitionsToAssembledInstallsWatchesForRedundantLevel(t *testing.T) {
	o := New("uuid-1")
	o.UpsertMember(device.Snapshot{SysfsPath: "/sys/block/sda"})

	snap := device.Snapshot{SysfsPath: "/sys/block/md0", Properties: map[string]string{"MD_LEVEL": "raid1"}}
	transition := o.SetArray(&snap)
	if transition != WatchInstall {
		t.Errorf("transition = %v, want WatchInstall", transition)
	}
	if o.State() != StateAssembledWithMembers {
		t.Errorf("state = %s", o.State())
	}
}

func TestNonRedundantLevelNeverInstallsWatches(t *testing.T) {
	o := New("uuid-1")
	snap := device.Snapshot{SysfsPath: "/sys/block/md0", Properties: map[string]string{"MD_LEVEL": "raid0"}}
	if transition := o.SetArray(&snap); transition != WatchNoChange {
		t.Errorf("transition = %v, want WatchNoChange for raid0", transition)
	}
}

func TestLeavingAssembledRemovesWatches(t *testing.T) {
	o := New("uuid-1")
	snap := device.Snapshot{SysfsPath: "/sys/block/md0", Properties: map[string]string{"MD_LEVEL": "raid5"}}
	o.SetArray(&snap)

	transition := o.SetArray(nil)
	if transition != WatchRemove {
		t.Errorf("transition = %v, want WatchRemove", transition)
	}
	if o.State() != StateEmpty {
		t.Errorf("state = %s, want %s", o.State(), StateEmpty)
	}
	if !o.IsTerminal() {
		t.Error("expected IsTerminal after array and members both gone")
	}
}

func TestSyncJobSingleOwnership(t *testing.T) {
	o := New("uuid-1")
	if !o.AttachSyncJob() {
		t.Fatal("expected first AttachSyncJob to succeed")
	}
	if o.AttachSyncJob() {
		t.Error("expected second AttachSyncJob to fail while one is owned")
	}
	o.ReleaseSyncJob()
	if !o.AttachSyncJob() {
		t.Error("expected AttachSyncJob to succeed after release")
	}
}

func TestMembersAreDeduplicatedBySysfsPath(t *testing.T) {
	o := New("uuid-1")
	o.UpsertMember(device.Snapshot{SysfsPath: "/sys/block/sda", Seq: 1})
	o.UpsertMember(device.Snapshot{SysfsPath: "/sys/block/sda", Seq: 2})
	if len(o.Members) != 1 {
		t.Fatalf("len(Members) = %d, want 1", len(o.Members))
	}
	if o.Members["/sys/block/sda"].Seq != 2 {
		t.Error("expected latest snapshot to win for duplicate sysfs path")
	}
}
