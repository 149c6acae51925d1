// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sysblock is the low-level sysfs/syscall layer shared by the
// Block Object, the Cleanup Ledger, and the MD-RAID aggregator: reading
// block-device hardware attributes, triggering synthetic kernel
// uevents, and the loop/mount/umount syscalls spec §4.4, §4.10 and §5
// describe only at the level of "read this attribute" / "call this
// syscall". The sysfs parsing style (graceful, missing-file-tolerant
// reads) is carried over from the teacher's disk_info collector.
package sysblock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ReadSizeBytes reads devicePath/size, which the kernel always reports
// in 512-byte sectors regardless of the device's physical sector size.
func ReadSizeBytes(sysfsPath string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(sysfsPath, "size"))
	if err != nil {
		return 0, err
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return sectors * 512, nil
}

// ReadAttr gracefully reads a single-line sysfs attribute, trimming
// trailing whitespace, returning "" if the file is absent.
func ReadAttr(sysfsPath, name string) string {
	data, err := os.ReadFile(filepath.Join(sysfsPath, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadDMUUID reads dm/uuid for a device-mapper block device, used by
// the crypto-backing predicate (spec §4.4: "a dm device's dm/uuid
// begins CRYPT-LUKS1").
func ReadDMUUID(sysfsPath string) string {
	return ReadAttr(sysfsPath, filepath.Join("dm", "uuid"))
}

// ReadDMName reads dm/name, used to build the /dev/mapper/<name>
// preferred display path (spec §4.4).
func ReadDMName(sysfsPath string) string {
	return ReadAttr(sysfsPath, filepath.Join("dm", "name"))
}

// Slaves lists the kernel names under sysfsPath/slaves/, used to
// resolve a dm-crypt device's single backing device (spec §4.4:
// "the device has exactly one sysfs slaves/ entry").
func Slaves(sysfsPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(sysfsPath, "slaves"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// IsPartition decides whether a kernel device name denotes a partition
// of some other whole-disk device rather than a whole device in its own
// right, by stripping trailing digits (and, for NVMe, the "p" separator)
// and checking whether the resulting parent exists in blockPath.
//
// Adapted from the teacher's DiskInfoCollector.isPartition, which
// applies exactly this heuristic to filter /sys/block listings.
func IsPartition(blockPath, name string) bool {
	if len(name) == 0 {
		return false
	}
	last := name[len(name)-1]
	if last < '0' || last > '9' {
		return false
	}

	parent := name
	for i := len(name) - 1; i >= 0 && name[i] >= '0' && name[i] <= '9'; i-- {
		parent = name[:i]
	}
	parent = strings.TrimSuffix(parent, "p")
	if parent == name || parent == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(blockPath, parent))
	return err == nil
}

// TriggerChange synthesizes a kernel "change" uevent for the device at
// sysfsPath, used by the Cleanup Ledger after an abnormal-removal
// unmount to make the kernel revalidate media (spec §4.10, S1).
//
// Per spec §9 ("the source inconsistently chooses between triggering...
// via writing change to uevent versus opening the device node O_RDWR"),
// the explicit uevent write is preferred; opening the device node for
// write is only a fallback when that write fails.
func TriggerChange(sysfsPath, devicePath string) error {
	ueventPath := filepath.Join(sysfsPath, "uevent")
	err := os.WriteFile(ueventPath, []byte("change"), 0644)
	if err == nil {
		return nil
	}

	fd, openErr := unix.Open(devicePath, unix.O_RDWR, 0)
	if openErr != nil {
		return fmt.Errorf("trigger change on %s: uevent write failed (%v), O_RDWR fallback failed (%w)", devicePath, err, openErr)
	}
	return unix.Close(fd)
}

// ParentDiskSize returns the "size" attribute of a partition's parent
// whole-disk, used by the Cleanup Ledger to decide whether a partition
// device "still exists" after removal (spec §4.10 step 2: "checking the
// parent disk's size attribute for partition cases").
func ParentDiskSize(blockPath, partitionSysfsPath string) (uint64, error) {
	parent := filepath.Dir(partitionSysfsPath)
	if filepath.Dir(parent) != blockPath && filepath.Base(filepath.Dir(parent)) != filepath.Base(blockPath) {
		// partitionSysfsPath already looks like a whole disk; fall
		// back to reading its own size.
		return ReadSizeBytes(partitionSysfsPath)
	}
	return ReadSizeBytes(parent)
}
