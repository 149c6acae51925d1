// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sysblock

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Loop ioctl request numbers. Not exported by golang.org/x/sys/unix, so
// they are defined here the way the kernel's <linux/loop.h> does.
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopGetStatus64 = 0x4C05
	loopCtlGetFree  = 0x4C82
	loopSetCapacity = 0x4C07

	loFlagsReadOnly = 1 << 0
	loFlagsAutoclear = 1 << 2
	loFlagsPartscan  = 1 << 3
)

// loopInfo64 mirrors struct loop_info64 from <linux/loop.h>. Only the
// fields the daemon needs to set (offset, sizelimit, flags) are used;
// the rest are present to keep the struct's memory layout correct for
// the ioctl.
type loopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// LoopSetupOptions configures a newly attached loop device (spec §4.8
// "Loop Device Attachment").
type LoopSetupOptions struct {
	Offset   uint64
	SizeLimit uint64
	ReadOnly bool
	Autoclear bool
	PartScan bool
}

// LoopControlPath is the kernel's loop-control device; NextFreeLoop
// reads it to allocate an unused /dev/loopN minor.
const LoopControlPath = "/dev/loop-control"

// NextFreeLoop asks the kernel's loop-control device for an unused loop
// device number, the same allocation mechanism losetup(8) uses.
func NextFreeLoop() (int, error) {
	ctl, err := os.OpenFile(LoopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", LoopControlPath, err)
	}
	defer ctl.Close()

	minor, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), loopCtlGetFree, 0)
	if errno != 0 {
		return 0, fmt.Errorf("LOOP_CTL_GET_FREE: %w", errno)
	}
	return int(minor), nil
}

// LoopAttach binds backingFile to the loop device at loopDevPath,
// applying offset/size-limit/read-only/autoclear/partscan flags (spec
// §4.8: "Attach accepts an fd, an optional byte offset, an optional
// size limit, and read-only/autoclear/partition-scan flags").
func LoopAttach(loopDevPath, backingPath string, opts LoopSetupOptions) error {
	loopDev, err := os.OpenFile(loopDevPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", loopDevPath, err)
	}
	defer loopDev.Close()

	backingFlags := os.O_RDWR
	if opts.ReadOnly {
		backingFlags = os.O_RDONLY
	}
	backing, err := os.OpenFile(backingPath, backingFlags, 0)
	if err != nil {
		return fmt.Errorf("open backing file %s: %w", backingPath, err)
	}
	defer backing.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), loopSetFd, backing.Fd()); errno != 0 {
		return fmt.Errorf("LOOP_SET_FD: %w", errno)
	}

	var info loopInfo64
	info.Offset = opts.Offset
	info.SizeLimit = opts.SizeLimit
	if opts.ReadOnly {
		info.Flags |= loFlagsReadOnly
	}
	if opts.Autoclear {
		info.Flags |= loFlagsAutoclear
	}
	if opts.PartScan {
		info.Flags |= loFlagsPartscan
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), loopSetStatus64, uintptr(unsafe.Pointer(&info))); errno != 0 {
		// Clear the fd binding on failure so the loop device is not
		// left half-configured.
		unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), loopClrFd, 0)
		return fmt.Errorf("LOOP_SET_STATUS64: %w", errno)
	}
	return nil
}

// LoopDetach tears down the loop device at loopDevPath (spec §4.8
// "Delete clears the binding").
func LoopDetach(loopDevPath string) error {
	loopDev, err := os.OpenFile(loopDevPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", loopDevPath, err)
	}
	defer loopDev.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), loopClrFd, 0); errno != 0 {
		return fmt.Errorf("LOOP_CLR_FD: %w", errno)
	}
	return nil
}

// LoopSetCapacity re-reads the backing file's size after it has grown,
// used by resize operations on a loop-backed device (spec §4.9
// "Resize must also refresh the loop device's capacity when the block
// device in question is loop-backed").
func LoopSetCapacity(loopDevPath string) error {
	loopDev, err := os.OpenFile(loopDevPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", loopDevPath, err)
	}
	defer loopDev.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), loopSetCapacity, 0); errno != 0 {
		return fmt.Errorf("LOOP_SET_CAPACITY: %w", errno)
	}
	return nil
}
