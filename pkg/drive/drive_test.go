// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package drive

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAttr(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestIdentityForPrefersWWN(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, "wwid", "naa.5000c5001234abcd\n")
	writeAttr(t, dir, "device/vendor", "ATA\n")

	id := IdentityFor(dir)
	if id != "5000c5001234abcd" {
		t.Errorf("IdentityFor = %q", id)
	}
}

func TestIdentityForFallsBackToVendorModelSerial(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, "device/vendor", "ATA")
	writeAttr(t, dir, "device/model", "SuperDrive")
	writeAttr(t, dir, "device/serial", "SN123")

	id := IdentityFor(dir)
	if id != "ATA_SuperDrive_SN123" {
		t.Errorf("IdentityFor = %q", id)
	}
}

func TestAddRemoveChildDestroysWhenEmpty(t *testing.T) {
	obj := New(t.TempDir())
	obj.AddChild("/sys/block/sda/sda1")
	if obj.RemoveChild("/sys/block/sda/sda1") != true {
		t.Error("expected RemoveChild to report empty after last child removed")
	}
}

func TestAddRemoveChildKeepsAliveWithRemainingChildren(t *testing.T) {
	obj := New(t.TempDir())
	obj.AddChild("/sys/block/sda/sda1")
	obj.AddChild("/sys/block/sda/sda2")
	if obj.RemoveChild("/sys/block/sda/sda1") != false {
		t.Error("expected RemoveChild to report non-empty with one child remaining")
	}
}
