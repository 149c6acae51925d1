// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package block implements the Block Object (spec §3 "Block Object",
// §4.4 "Block Object predicates"): per-block-device interface
// composition driven by a device's most recent Snapshot plus whatever
// the Mount Observer currently knows about it.
package block

import (
	"strings"

	"github.com/storaged-project/udisks-sub005/pkg/device"
	"github.com/storaged-project/udisks-sub005/pkg/mountinfo"
	"github.com/storaged-project/udisks-sub005/pkg/sysblock"
)

// Classification is the content classification spec §3 requires every
// Block Object to carry.
type Classification string

const (
	ClassEmpty          Classification = "empty"
	ClassFilesystem     Classification = "filesystem"
	ClassSwap           Classification = "swap"
	ClassCrypto         Classification = "crypto"
	ClassPartitionTable Classification = "partition-table"
	ClassPartition      Classification = "partition"
	ClassLoop           Classification = "loop"
	ClassLVMMember      Classification = "lvm-member"
	ClassMDMember       Classification = "md-member"
	ClassDMMapped       Classification = "dm-mapped"
)

// Interfaces is the set of sub-interfaces composed onto a Block Object,
// per spec §4.4's predicate table. The zero value has none set.
type Interfaces struct {
	Filesystem bool
	Swap       bool
	Encrypted  bool
	Loop       bool
}

// Hints are the override flags spec §4.4 describes: "hint flags derived
// from property overrides UDISKS_SYSTEM/UDISKS_IGNORE/UDISKS_AUTO/
// UDISKS_NAME/UDISKS_ICON_NAME over conservative defaults."
type Hints struct {
	System   bool
	Ignore   bool
	Auto     bool
	Name     string
	IconName string
}

// Object is the per-block-device exported object (spec §3 "Block
// Object"). It holds only what can be derived from a Snapshot plus
// mount state; links to Drive/MDRaid/iSCSI Session aggregates are not
// fields here but are kept in internal/coordinator's own tables.
type Object struct {
	Snapshot       device.Snapshot
	Classification Classification
	Interfaces     Interfaces
	Hints          Hints

	// PreferredPath is the display path described in spec §4.4:
	// "prefers /dev/vg_* symlink, then /dev/mapper/<DM_NAME>, else the
	// kernel device node".
	PreferredPath string

	// CryptoBacking is the resolved backing device's sysfs path when
	// this device is a dm-crypt cleartext mapping (spec §4.4
	// "crypto-backing reference"), else "".
	CryptoBacking string
}

// Classify computes a Block Object's classification, interface
// composition, hints, and derived paths from a Snapshot and the set of
// mount records currently known for its device number (spec §4.4).
//
// mounted is the subset of mountinfo.Record entries (filesystem or swap)
// whose Devnum matches this device, as currently known by the Mount
// Observer; snap.SysfsPath is used for the crypto-backing and dm/name
// sysfs reads (spec §4.4's "exactly one sysfs slaves/ entry" rule).
func Classify(snap device.Snapshot, mounted []mountinfo.Record) Object {
	obj := Object{Snapshot: snap}

	idUsage := snap.Prop("ID_FS_USAGE")
	idType := snap.Prop("ID_FS_TYPE")

	isMountedFilesystem := false
	isMountedSwap := false
	for _, m := range mounted {
		switch m.Type {
		case mountinfo.TypeFilesystem:
			isMountedFilesystem = true
		case mountinfo.TypeSwap:
			isMountedSwap = true
		}
	}

	obj.Interfaces.Filesystem = strings.EqualFold(idUsage, "filesystem") || isMountedFilesystem
	obj.Interfaces.Swap = (strings.EqualFold(idUsage, "other") && strings.EqualFold(idType, "swap")) || isMountedSwap
	obj.Interfaces.Encrypted = strings.EqualFold(idUsage, "crypto") && strings.EqualFold(idType, "crypto_LUKS")
	obj.Interfaces.Loop = strings.HasPrefix(snap.KernelName, "loop")

	obj.Classification = classify(snap, obj.Interfaces)
	obj.Hints = hintsFromProps(snap.Properties)
	obj.PreferredPath = preferredPath(snap)
	obj.CryptoBacking = cryptoBacking(snap.SysfsPath)

	return obj
}

func classify(snap device.Snapshot, ifaces Interfaces) Classification {
	switch {
	case ifaces.Encrypted:
		return ClassCrypto
	case ifaces.Loop:
		return ClassLoop
	case ifaces.Swap:
		return ClassSwap
	case ifaces.Filesystem:
		return ClassFilesystem
	case strings.EqualFold(snap.Prop("ID_FS_TYPE"), "LVM2_member"):
		return ClassLVMMember
	case strings.EqualFold(snap.Prop("ID_FS_TYPE"), "linux_raid_member"):
		return ClassMDMember
	case snap.Prop("DM_UUID") != "":
		return ClassDMMapped
	case snap.PropBool("ID_PART_TABLE"):
		return ClassPartitionTable
	case snap.Prop("ID_PART_ENTRY_TYPE") != "":
		return ClassPartition
	default:
		return ClassEmpty
	}
}

func hintsFromProps(props map[string]string) Hints {
	h := Hints{
		System: true, // conservative default per spec §4.4
		Auto:   true,
	}
	if v, ok := props["UDISKS_SYSTEM"]; ok {
		h.System = v == "1"
	}
	if v, ok := props["UDISKS_IGNORE"]; ok {
		h.Ignore = v == "1"
	}
	if v, ok := props["UDISKS_AUTO"]; ok {
		h.Auto = v == "1"
	}
	h.Name = props["UDISKS_NAME"]
	h.IconName = props["UDISKS_ICON_NAME"]
	return h
}

// preferredPath implements spec §4.4's display-path preference order:
// "prefers /dev/vg_* symlink, then /dev/mapper/<DM_NAME>, else the
// kernel device node". The /dev/vg_* form is the symlink LVM's udev
// rules create at /dev/<vgname>/<lvname> for VG names following the
// vg_ naming convention.
func preferredPath(snap device.Snapshot) string {
	for _, link := range snap.Symlinks {
		if strings.HasPrefix(link, "/dev/vg_") {
			return link
		}
	}
	if dmName := sysblock.ReadDMName(snap.SysfsPath); dmName != "" {
		return "/dev/mapper/" + dmName
	}
	return snap.DevicePath
}

// cryptoBacking resolves the single backing device for a dm-crypt
// cleartext mapping (spec §4.4: "resolved when a dm device's dm/uuid
// begins CRYPT-LUKS1 and the device has exactly one sysfs slaves/
// entry"). Besides the literal "CRYPT-LUKS1" prefix in the spec text,
// the "CRYPT-LUKS2" prefix of LUKS2 mappings is matched as well.
func cryptoBacking(sysfsPath string) string {
	uuid := sysblock.ReadDMUUID(sysfsPath)
	if !strings.HasPrefix(uuid, "CRYPT-LUKS1") && !strings.HasPrefix(uuid, "CRYPT-LUKS2") {
		return ""
	}
	slaves, err := sysblock.Slaves(sysfsPath)
	if err != nil || len(slaves) != 1 {
		return ""
	}
	return slaves[0]
}
