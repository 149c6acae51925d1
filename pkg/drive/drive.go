// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package drive implements the Drive Object (spec §3 "Drive Object"):
// the hardware-identity aggregator that pools the Block Objects
// belonging to the same whole-disk device.
package drive

import (
	"strings"

	"github.com/storaged-project/udisks-sub005/pkg/sysblock"
)

// Identity is the hardware identity a Drive Object is keyed by (spec
// §3: "vendor+model+serial, or WWN when present").
type Identity string

// IdentityFor derives a Drive's Identity from a whole-disk device's
// sysfs path, preferring WWN when present, adapted from the teacher's
// DiskInfoCollector attribute reads (vendor/model under device/, wwid
// under the block device's own directory).
func IdentityFor(sysfsPath string) Identity {
	if wwn := sysblock.ReadAttr(sysfsPath, "wwid"); wwn != "" {
		return Identity(normalizeWWN(wwn))
	}
	vendor := sysblock.ReadAttr(sysfsPath, "device/vendor")
	model := sysblock.ReadAttr(sysfsPath, "device/model")
	serial := sysblock.ReadAttr(sysfsPath, "device/serial")
	if vendor == "" && model == "" && serial == "" {
		return ""
	}
	return Identity(strings.Join([]string{vendor, model, serial}, "_"))
}

func normalizeWWN(wwn string) string {
	wwn = strings.TrimPrefix(wwn, "naa.")
	return strings.TrimSpace(wwn)
}

// Object is the Drive aggregator: "owns the set of Block Objects that
// are children of the same whole-disk" (spec §3), "created when the
// first child appears, destroyed when the last child disappears".
type Object struct {
	Identity Identity
	Vendor   string
	Model    string
	Serial   string
	WWN      string
	Size     uint64
	Rotational bool

	// Children is the set of sysfs paths of Block Objects currently
	// attributed to this Drive.
	Children map[string]struct{}
}

// New builds a Drive Object's hardware-identity attributes from the
// whole-disk's sysfs path (spec §3). It does not set Children; the
// caller (the Object Graph) adds/removes them as Block Objects for
// this whole-disk appear and disappear.
func New(sysfsPath string) Object {
	size, _ := sysblock.ReadSizeBytes(sysfsPath)
	return Object{
		Identity:   IdentityFor(sysfsPath),
		Vendor:     sysblock.ReadAttr(sysfsPath, "device/vendor"),
		Model:      sysblock.ReadAttr(sysfsPath, "device/model"),
		Serial:     sysblock.ReadAttr(sysfsPath, "device/serial"),
		WWN:        normalizeWWN(sysblock.ReadAttr(sysfsPath, "wwid")),
		Size:       size,
		Rotational: sysblock.ReadAttr(sysfsPath, "queue/rotational") == "1",
		Children:   make(map[string]struct{}),
	}
}

// AddChild attributes a Block Object (by its sysfs path) to this Drive.
func (o *Object) AddChild(sysfsPath string) {
	o.Children[sysfsPath] = struct{}{}
}

// RemoveChild removes a Block Object's attribution. It returns true if
// the Drive now has no children and should be destroyed (spec §3
// "destroyed when the last child disappears").
func (o *Object) RemoveChild(sysfsPath string) bool {
	delete(o.Children, sysfsPath)
	return len(o.Children) == 0
}
