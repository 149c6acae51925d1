// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	blockpkg "github.com/storaged-project/udisks-sub005/pkg/block"
	"github.com/storaged-project/udisks-sub005/pkg/device"
	"github.com/storaged-project/udisks-sub005/pkg/ledger"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/sysblock"
)

var _ ledger.DeviceChecker = (*Coordinator)(nil)

// unpackLedgerDevnum is the inverse of internal/busexport's packDevnum
// (Major<<20 | Minor), the encoding the Cleanup Ledger's maps are keyed
// under. It is intentionally a separate formula from this package's own
// mkdev (unix.Mkdev): the ledger's on-disk keys and the Mount
// Observer's kernel dev_t are different encodings for different
// purposes and must never be compared directly.
func unpackLedgerDevnum(packed uint64) device.Number {
	return device.Number{Major: uint32(packed >> 20), Minor: uint32(packed & 0xfffff)}
}

func (c *Coordinator) blockByLedgerDevnum(packed uint64) (*objectgraph.Object, blockpkg.Object, bool) {
	n := unpackLedgerDevnum(packed)
	obj, ok := c.graph.Get(objectgraph.Key(n.String()))
	if !ok {
		return nil, blockpkg.Object{}, false
	}
	b, ok := obj.Attrs.(blockpkg.Object)
	return obj, b, ok
}

// CleartextExists implements ledger.DeviceChecker (spec §4.10 "Check
// algorithm" reconnaissance pass). The lookup runs on the dispatcher
// goroutine (via dispatch) since the ledger Worker calls this from its
// own goroutine and blockSnapshots is otherwise only ever touched from
// HandleDeviceEvent/HandleMountEvent/ApplyVGSnapshot.
func (c *Coordinator) CleartextExists(devnum uint64) (string, bool) {
	var uuid string
	var found bool
	c.dispatch(func() {
		_, b, ok := c.blockByLedgerDevnum(devnum)
		if !ok {
			return
		}
		uuid, found = sysblock.ReadDMUUID(b.Snapshot.SysfsPath), true
	})
	return uuid, found
}

// LoopStillBacks implements ledger.DeviceChecker.
func (c *Coordinator) LoopStillBacks(loopDevPath, backingFile string) bool {
	var result bool
	c.dispatch(func() {
		for _, snap := range c.blockSnapshots {
			if snap.DevicePath != loopDevPath {
				continue
			}
			result = sysblock.ReadAttr(snap.SysfsPath, filepath.Join("loop", "backing_file")) == backingFile
			return
		}
	})
	return result
}

// StillMounted implements ledger.DeviceChecker, translating the
// ledger's packed devnum into the Mount Observer's unix.Mkdev key
// before looking it up.
func (c *Coordinator) StillMounted(devnum uint64, path string) bool {
	n := unpackLedgerDevnum(devnum)
	var result bool
	c.dispatch(func() {
		for _, r := range c.mountsByDevnum[mkdev(n)] {
			if r.Path == path {
				result = true
				return
			}
		}
	})
	return result
}

// DeviceExists implements ledger.DeviceChecker.
func (c *Coordinator) DeviceExists(devnum uint64) bool {
	var result bool
	c.dispatch(func() {
		_, b, ok := c.blockByLedgerDevnum(devnum)
		if !ok {
			return
		}
		if sysblock.IsPartition(c.sysBlockDir, b.Snapshot.KernelName) {
			if size, err := sysblock.ParentDiskSize(c.sysBlockDir, b.Snapshot.SysfsPath); err == nil && size == 0 {
				return
			}
		}
		result = true
	})
	return result
}

// ForceUnmount implements ledger.DeviceChecker.
func (c *Coordinator) ForceUnmount(path string) error {
	return sysblock.Unmount(path, true, true)
}

// RemoveMountPoint implements ledger.DeviceChecker.
func (c *Coordinator) RemoveMountPoint(path string) error {
	return os.Remove(path)
}

// TriggerChangeOnParent implements ledger.DeviceChecker (spec §4.10
// "Ordering rationale"). No device path is passed to
// sysblock.TriggerChange, for partitions and whole disks alike, so its
// O_RDWR fallback does not apply: if the uevent write fails, the error
// is returned.
//
// The graph/blockSnapshots lookup runs on the dispatcher goroutine; the
// uevent write itself runs on the caller's goroutine afterwards so a
// slow write never stalls device/mount event processing.
func (c *Coordinator) TriggerChangeOnParent(devnum uint64) error {
	var parentSysfs string
	var found bool
	c.dispatch(func() {
		_, b, ok := c.blockByLedgerDevnum(devnum)
		if !ok {
			return
		}
		found = true
		parentSysfs = b.Snapshot.SysfsPath
		if sysblock.IsPartition(c.sysBlockDir, b.Snapshot.KernelName) {
			parentSysfs = filepath.Dir(parentSysfs)
		}
	})
	if !found {
		return nil
	}
	return sysblock.TriggerChange(parentSysfs, "")
}

// CloseLUKS implements ledger.DeviceChecker. cryptsetup is invoked
// directly here rather than reusing internal/busexport's unexported
// runCryptsetup helper, mirroring how that same choice was made for
// Encrypted.Lock: the ledger worker runs on its own goroutine outside
// any Method Dispatch Call, so there is no Job/wait-for-graph machinery
// to thread through.
//
// The graph/blockSnapshots lookup runs on the dispatcher goroutine; the
// cryptsetup invocation itself runs on the caller's goroutine so a slow
// teardown never blocks device/mount event processing.
func (c *Coordinator) CloseLUKS(cleartextDevnum uint64, dmUUID string) error {
	var devicePath string
	var found bool
	c.dispatch(func() {
		_, b, ok := c.blockByLedgerDevnum(cleartextDevnum)
		if !ok {
			return
		}
		found, devicePath = true, b.Snapshot.DevicePath
	})
	if !found {
		return nil
	}
	cmd := exec.Command("cryptsetup", "luksClose", devicePath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("cryptsetup luksClose %s: %s", devicePath, stderr.String())
		}
		return fmt.Errorf("cryptsetup luksClose %s: %w", devicePath, err)
	}
	return nil
}
