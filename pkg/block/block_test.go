// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package block

import (
	"testing"

	"github.com/storaged-project/udisks-sub005/pkg/device"
	"github.com/storaged-project/udisks-sub005/pkg/mountinfo"
)

func TestClassifyFilesystemByIDUsage(t *testing.T) {
	snap := device.Snapshot{
		KernelName: "sdb1",
		DevicePath: "/dev/sdb1",
		Properties: map[string]string{"ID_FS_USAGE": "filesystem", "ID_FS_TYPE": "ext4"},
	}
	obj := Classify(snap, nil)
	if !obj.Interfaces.Filesystem {
		t.Error("expected Filesystem interface")
	}
	if obj.Classification != ClassFilesystem {
		t.Errorf("Classification = %s, want %s", obj.Classification, ClassFilesystem)
	}
}

func TestClassifyFilesystemByActiveMount(t *testing.T) {
	snap := device.Snapshot{KernelName: "sdb1", DevicePath: "/dev/sdb1"}
	mounted := []mountinfo.Record{{Type: mountinfo.TypeFilesystem, Path: "/mnt"}}
	obj := Classify(snap, mounted)
	if !obj.Interfaces.Filesystem {
		t.Error("expected Filesystem interface from active mount even with no udev properties")
	}
}

func TestClassifySwap(t *testing.T) {
	snap := device.Snapshot{
		KernelName: "sdb2",
		Properties: map[string]string{"ID_FS_USAGE": "other", "ID_FS_TYPE": "swap"},
	}
	obj := Classify(snap, nil)
	if !obj.Interfaces.Swap {
		t.Error("expected Swap interface")
	}
	if obj.Classification != ClassSwap {
		t.Errorf("Classification = %s, want %s", obj.Classification, ClassSwap)
	}
}

func TestClassifyEncrypted(t *testing.T) {
	snap := device.Snapshot{
		KernelName: "sdb3",
		Properties: map[string]string{"ID_FS_USAGE": "crypto", "ID_FS_TYPE": "crypto_LUKS"},
	}
	obj := Classify(snap, nil)
	if !obj.Interfaces.Encrypted {
		t.Error("expected Encrypted interface")
	}
	if obj.Classification != ClassCrypto {
		t.Errorf("Classification = %s, want %s", obj.Classification, ClassCrypto)
	}
}

func TestClassifyLoopByKernelName(t *testing.T) {
	snap := device.Snapshot{KernelName: "loop3", DevicePath: "/dev/loop3"}
	obj := Classify(snap, nil)
	if !obj.Interfaces.Loop {
		t.Error("expected Loop interface for loopN kernel name")
	}
	if obj.Classification != ClassLoop {
		t.Errorf("Classification = %s, want %s", obj.Classification, ClassLoop)
	}
}

func TestHintsFromPropsDefaults(t *testing.T) {
	h := hintsFromProps(nil)
	if !h.System || !h.Auto || h.Ignore {
		t.Errorf("unexpected conservative defaults: %+v", h)
	}
}

func TestHintsFromPropsOverrides(t *testing.T) {
	h := hintsFromProps(map[string]string{
		"UDISKS_SYSTEM": "0",
		"UDISKS_IGNORE": "1",
		"UDISKS_AUTO":   "0",
		"UDISKS_NAME":   "my-disk",
	})
	if h.System || !h.Ignore || h.Auto {
		t.Errorf("overrides not applied: %+v", h)
	}
	if h.Name != "my-disk" {
		t.Errorf("Name = %q", h.Name)
	}
}

func TestPreferredPathFallsBackToDeviceNode(t *testing.T) {
	snap := device.Snapshot{DevicePath: "/dev/sdb1", SysfsPath: "/nonexistent"}
	if got := preferredPath(snap); got != "/dev/sdb1" {
		t.Errorf("preferredPath = %q, want /dev/sdb1", got)
	}
}

func TestCryptoBackingNoSysfs(t *testing.T) {
	if got := cryptoBacking("/nonexistent/path"); got != "" {
		t.Errorf("cryptoBacking = %q, want empty", got)
	}
}
