// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

func testLogger() logr.Logger { return logr.Discard() }

func TestAddMountedFSPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.AddMountedFS("/run/media/u/X", MountedFS{Devnum: 0x0801, MounterUID: 1000}); err != nil {
		t.Fatalf("AddMountedFS: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.MountedFS()
	rec, ok := got["/run/media/u/X"]
	if !ok {
		t.Fatalf("expected mounted-fs entry to survive reopen, got %v", got)
	}
	if rec.Devnum != 0x0801 || rec.MounterUID != 1000 {
		t.Errorf("reloaded record = %+v", rec)
	}
}

func TestAddRuleDropsStaleEntryAtSameKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.AddLoop("/dev/loop0", Loop{BackingFile: "/tmp/a.img", SetupUID: 1000}); err != nil {
		t.Fatalf("AddLoop: %v", err)
	}
	if err := s.AddLoop("/dev/loop0", Loop{BackingFile: "/tmp/b.img", SetupUID: 2000}); err != nil {
		t.Fatalf("AddLoop (replace): %v", err)
	}

	loops := s.Loops()
	if len(loops) != 1 {
		t.Fatalf("expected exactly one loop entry at the key, got %d", len(loops))
	}
	if loops["/dev/loop0"].BackingFile != "/tmp/b.img" {
		t.Errorf("stale entry was not dropped: %+v", loops["/dev/loop0"])
	}
}

func TestWriteAtomicLeavesNoHalfWrittenPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AddMountedFS("/mnt", MountedFS{Devnum: 1}); err != nil {
		t.Fatalf("AddMountedFS: %v", err)
	}

	path := filepath.Join(dir, mountedFSFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var m map[string]MountedFS
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("on-disk file is not valid JSON (half-written?): %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not survive a successful rename, stat err = %v", err)
	}
}

type fakeChecker struct {
	cleartext      map[uint64]string // devnum -> dm-uuid, absent means doesn't exist
	loopBacks      map[string]bool
	mounted        map[uint64]bool
	deviceExists   map[uint64]bool
	unmounted      []string
	removedMounts  []string
	triggered      []uint64
	closed         []uint64
}

func (f *fakeChecker) CleartextExists(devnum uint64) (string, bool) {
	uuid, ok := f.cleartext[devnum]
	return uuid, ok
}
func (f *fakeChecker) LoopStillBacks(loopDevPath, backingFile string) bool {
	return f.loopBacks[loopDevPath]
}
func (f *fakeChecker) StillMounted(devnum uint64, path string) bool { return f.mounted[devnum] }
func (f *fakeChecker) DeviceExists(devnum uint64) bool              { return f.deviceExists[devnum] }
func (f *fakeChecker) ForceUnmount(path string) error {
	f.unmounted = append(f.unmounted, path)
	return nil
}
func (f *fakeChecker) RemoveMountPoint(path string) error {
	f.removedMounts = append(f.removedMounts, path)
	return nil
}
func (f *fakeChecker) TriggerChangeOnParent(devnum uint64) error {
	f.triggered = append(f.triggered, devnum)
	return nil
}
func (f *fakeChecker) CloseLUKS(cleartextDevnum uint64, dmUUID string) error {
	f.closed = append(f.closed, cleartextDevnum)
	return nil
}

// TestAbnormalUSBRemovalScenario reproduces spec §8 scenario S1: a
// mounted, non-fstab filesystem whose device has vanished is forcibly
// unmounted, its mount point removed, a change uevent fired on the
// parent, and the ledger entry dropped.
func TestAbnormalUSBRemovalScenario(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const devnum = 0x0811 // 8:17
	if err := s.AddMountedFS("/run/media/u/X", MountedFS{Devnum: devnum, MounterUID: 1000, FstabMounted: false}); err != nil {
		t.Fatalf("AddMountedFS: %v", err)
	}

	checker := &fakeChecker{
		mounted:      map[uint64]bool{}, // kernel no longer reports it mounted
		deviceExists: map[uint64]bool{}, // parent reports size == 0
	}
	w := NewWorker(testLogger(), s, checker)
	if err := w.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(checker.unmounted) != 1 || checker.unmounted[0] != "/run/media/u/X" {
		t.Errorf("unmounted = %v", checker.unmounted)
	}
	if len(checker.removedMounts) != 1 {
		t.Errorf("expected mount point directory removed for non-fstab entry, got %v", checker.removedMounts)
	}
	if len(checker.triggered) != 1 || checker.triggered[0] != devnum {
		t.Errorf("triggered = %v", checker.triggered)
	}
	if _, ok := s.MountedFS()["/run/media/u/X"]; ok {
		t.Error("ledger entry should have been dropped")
	}
}

func TestUnlockedLUKSWideningOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const luksDevnum = 42
	if err := s.AddUnlockedLUKS(luksDevnum, UnlockedLUKS{DMUUID: "CRYPT-LUKS2-abc"}); err != nil {
		t.Fatalf("AddUnlockedLUKS: %v", err)
	}
	if err := s.AddMountedFS("/mnt/secret", MountedFS{Devnum: luksDevnum, FstabMounted: true}); err != nil {
		t.Fatalf("AddMountedFS: %v", err)
	}

	checker := &fakeChecker{
		cleartext:    map[uint64]string{luksDevnum: "CRYPT-LUKS2-different"}, // dm-uuid mismatch -> marked for cleaning
		mounted:      map[uint64]bool{luksDevnum: true},                     // still reports mounted...
		deviceExists: map[uint64]bool{luksDevnum: true},                     // ...and device exists
	}
	w := NewWorker(testLogger(), s, checker)
	if err := w.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// Marked-for-cleaning widens the unmount sweep even though the
	// mount looks otherwise healthy (spec §4.10 "Ordering rationale").
	if len(checker.unmounted) != 1 {
		t.Errorf("expected the mount to be force-unmounted because its device is marked for LUKS teardown, got %v", checker.unmounted)
	}
	if len(checker.closed) != 1 || checker.closed[0] != luksDevnum {
		t.Errorf("closed = %v", checker.closed)
	}
	if _, ok := s.UnlockedLUKS()[luksDevnum]; ok {
		t.Error("unlocked-luks entry should have been removed")
	}
}
