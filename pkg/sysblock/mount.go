// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sysblock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MountOptions carries the subset of mount(2) knobs the Block Object's
// Mount operation exposes: a filesystem type, a mount(2) data string,
// flags and read-only. No fstab lookup happens at this layer.
type MountOptions struct {
	FSType  string
	Flags   uintptr
	Data    string
	ReadOnly bool
}

// Mount calls mount(2) directly, mirroring udisks's own libmount-free
// fallback path used when no fstab entry applies.
func Mount(source, target string, opts MountOptions) error {
	flags := opts.Flags
	if opts.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount(source, target, opts.FSType, flags, opts.Data); err != nil {
		return fmt.Errorf("mount(%q, %q, fstype=%q): %w", source, target, opts.FSType, err)
	}
	return nil
}

// Unmount calls umount2(2). force requests MNT_FORCE (spec §4.4 "Unmount
// accepts a force flag for lazily-detachable busy mounts"); lazy
// requests MNT_DETACH.
func Unmount(target string, force, lazy bool) error {
	var flags int
	if force {
		flags |= unix.MNT_FORCE
	}
	if lazy {
		flags |= unix.MNT_DETACH
	}
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("umount(%q): %w", target, err)
	}
	return nil
}

// Swapon activates a swap device (spec §4.4 "a device with the swap
// usage type may be activated instead of mounted").
func Swapon(device string, priority int) error {
	flags := 0
	if priority >= 0 {
		flags = (priority << unix.SWAP_FLAG_PRIO_SHIFT) & unix.SWAP_FLAG_PRIO_MASK
		flags |= unix.SWAP_FLAG_PREFER
	}
	if err := unix.Swapon(device, flags); err != nil {
		return fmt.Errorf("swapon(%q): %w", device, err)
	}
	return nil
}

// Swapoff deactivates a swap device.
func Swapoff(device string) error {
	if err := unix.Swapoff(device); err != nil {
		return fmt.Errorf("swapoff(%q): %w", device, err)
	}
	return nil
}
