// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package busexport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	blockpkg "github.com/storaged-project/udisks-sub005/pkg/block"
	"github.com/storaged-project/udisks-sub005/pkg/device"
	"github.com/storaged-project/udisks-sub005/pkg/dispatch"
	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/ledger"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
	"github.com/storaged-project/udisks-sub005/pkg/sysblock"
)

// packDevnum folds a (major, minor) pair into the packed dev_t the
// ledger tables are keyed by (the kernel-internal MKDEV layout: 20 bits
// of minor in the low bits, major above it; this is not the userspace
// makedev(3) encoding unix.Mkdev produces).
func packDevnum(n device.Number) uint64 {
	return uint64(n.Major)<<20 | uint64(n.Minor)
}

const (
	ifaceFilesystem = "org.storaged.Storaged.Filesystem"
	ifaceEncrypted  = "org.storaged.Storaged.Encrypted"
	ifaceLoop       = "org.storaged.Storaged.Loop"
	ifaceBlock      = "org.storaged.Storaged.Block"
)

// Deps bundles the shared singletons every handler needs: the Object
// Graph to wait against, the worker pool jobs run on, the gateway
// mutexes, the policy oracle, and the cleanup ledger mutating methods
// must keep in sync with (spec §4.9's template reads from all of
// these).
type Deps struct {
	Graph   *objectgraph.Graph
	Pool    *jobs.Pool
	Gateway *gateway.Gateway
	Policy  policy.Oracle
	Ledger  *ledger.Store
}

// BlockHandler is the per-object handler exported at one Block
// Object's path (spec §4.3: each published Object gets its own
// connect/update/publish lifecycle, so each needs its own captured
// identity).
type BlockHandler struct {
	pub    *Publisher
	deps   Deps
	key    objectgraph.Key
	devnum device.Number
}

// PublishBlock exports the Filesystem/Encrypted/Loop sub-interfaces
// implied by obj.Interfaces (spec §4.4's predicate table) at path, and
// the common Block property set. Only interfaces currently true are
// exported; the caller is expected to call UnpublishBlock first on any
// transition that narrows the set (spec §4.3 "present -> absent:
// unpublish and drop").
func PublishBlock(pub *Publisher, deps Deps, key objectgraph.Key, devnum device.Number, path dbus.ObjectPath, obj blockpkg.Object) ([]string, error) {
	h := &BlockHandler{pub: pub, deps: deps, key: key, devnum: devnum}

	var exported []string

	blockProps := prop.Properties{
		ifaceBlock: {
			"Device":          {Value: obj.Snapshot.DevicePath, Writable: false, Emit: prop.EmitTrue},
			"PreferredDevice": {Value: obj.PreferredPath, Writable: false, Emit: prop.EmitTrue},
			"Symlinks":        {Value: obj.Snapshot.Symlinks, Writable: false, Emit: prop.EmitTrue},
			"IdUsage":         {Value: obj.Snapshot.Prop("ID_FS_USAGE"), Writable: false, Emit: prop.EmitTrue},
			"IdType":          {Value: obj.Snapshot.Prop("ID_FS_TYPE"), Writable: false, Emit: prop.EmitTrue},
			"HintSystem":      {Value: obj.Hints.System, Writable: false, Emit: prop.EmitTrue},
			"HintIgnore":      {Value: obj.Hints.Ignore, Writable: false, Emit: prop.EmitTrue},
			"CryptoBackingDevice": {Value: obj.CryptoBacking, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, blockProps); err != nil {
		return nil, err
	}
	exported = append(exported, ifaceBlock)

	if obj.Interfaces.Filesystem {
		if err := pub.ExportMethods(path, ifaceFilesystem, map[string]interface{}{
			"Mount":   h.Mount,
			"Unmount": h.Unmount,
		}); err != nil {
			return nil, err
		}
		exported = append(exported, ifaceFilesystem)
	}

	if obj.Interfaces.Encrypted {
		if err := pub.ExportMethods(path, ifaceEncrypted, map[string]interface{}{
			"Unlock": h.Unlock,
			"Lock":   h.Lock,
		}); err != nil {
			return nil, err
		}
		exported = append(exported, ifaceEncrypted)
	}

	if obj.Interfaces.Loop {
		if err := pub.ExportMethods(path, ifaceLoop, map[string]interface{}{
			"Delete": h.LoopDelete,
		}); err != nil {
			return nil, err
		}
		exported = append(exported, ifaceLoop)
	}

	return exported, nil
}

// UnpublishBlock reverses PublishBlock for the interfaces currently
// exported, per spec §4.3 "present -> absent: unpublish and drop".
func UnpublishBlock(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// Mount implements Filesystem.Mount (spec §4.9's template, §6
// "Recognized method options"). Only the "mount-point" option is read;
// without it the filesystem is mounted at /run/media/<uid>/<key>. No
// fstab entry is consulted, and fstype is passed to mount(2) as given.
func (h *BlockHandler) Mount(sender dbus.Sender, fstype string, options map[string]dbus.Variant) (string, *dbus.Error) {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return "", asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	mountPath := optionString(options, "mount-point")
	if mountPath == "" {
		mountPath = fmt.Sprintf("/run/media/%d/%s", uid, h.key)
	}

	obj, _ := h.deps.Graph.Get(h.key)
	path := dbus.ObjectPath("")
	if obj != nil {
		path = dbus.ObjectPath(obj.Path)
	}

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  h.key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{
			CallerUID:  uid,
			ObjectPath: string(path),
			Action:     policy.ActionFilesystemMount,
		},
		Pool:      h.deps.Pool,
		JobKind:   "filesystem-mount",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			if mkErr := os.MkdirAll(mountPath, 0755); mkErr != nil {
				return false, mkErr.Error()
			}
			if mErr := sysblock.Mount(h.devicePath(obj), mountPath, sysblock.MountOptions{FSType: fstype}); mErr != nil {
				return false, mErr.Error()
			}
			return true, ""
		},
	})
	if err != nil {
		return "", asDBusError(err)
	}

	if h.deps.Ledger != nil {
		_ = h.deps.Ledger.AddMountedFS(mountPath, ledger.MountedFS{Devnum: packDevnum(h.devnum), MounterUID: uid})
	}
	return mountPath, nil
}

// Unmount implements Filesystem.Unmount (spec §6 recognized options
// include no unmount-specific dictionary beyond the implicit
// force/lazy pair the original exposes).
func (h *BlockHandler) Unmount(sender dbus.Sender, options map[string]dbus.Variant) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	force := optionBool(options, "force")
	lazy := optionBool(options, "lazy")
	mountPath := optionString(options, "mount-point")

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  h.key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{
			CallerUID: uid,
			Action:    policy.ActionFilesystemUnmount,
		},
		Pool:      h.deps.Pool,
		JobKind:   "filesystem-unmount",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			if uErr := sysblock.Unmount(mountPath, force, lazy); uErr != nil {
				return false, uErr.Error()
			}
			return true, ""
		},
	})
	if err != nil {
		return asDBusError(err)
	}
	if h.deps.Ledger != nil {
		_ = h.deps.Ledger.RemoveMountedFS(mountPath)
	}
	return nil
}

// Unlock implements Encrypted.Unlock: runs cryptsetup luksOpen and
// waits for the cleartext Block Object to appear (spec §4.9 step 9
// "login waits for both to appear" generalizes here to a single
// cleartext device). cryptsetup is not one of the two gateway-
// serialized libraries (spec §4.7 names only iSCSI and LVM tooling),
// so it is invoked directly rather than through the Gateway's mutex.
func (h *BlockHandler) Unlock(sender dbus.Sender, passphrase string, options map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return "", asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}
	obj, _ := h.deps.Graph.Get(h.key)
	mapName := fmt.Sprintf("luks-%s", h.key)
	encSysfsPath := h.encryptedSysfsPath(obj)
	predicate := cryptoBackingPredicate(encSysfsPath)

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  h.key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionEncryptedUnlock},
		Pool:      h.deps.Pool,
		JobKind:   "encrypted-unlock",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			if rErr := runCryptsetup(ctx, passphrase, "luksOpen", h.devicePath(obj), mapName, "-"); rErr != nil {
				return false, rErr.Error()
			}
			return true, ""
		},
		WaitFor: func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
			_, err := g.WaitFor(ctx, predicate, ttl)
			return err
		},
	})
	if err != nil {
		return "", asDBusError(err)
	}

	// The wait above already satisfied the predicate; re-evaluate with a
	// zero timeout to fetch the matched Object (WaitFor checks once
	// before blocking, so this returns immediately).
	clear, _ := h.deps.Graph.WaitFor(ctx, predicate, 0)
	if h.deps.Ledger != nil && clear != nil {
		if b, ok := clear.Attrs.(blockpkg.Object); ok {
			_ = h.deps.Ledger.AddUnlockedLUKS(packDevnum(b.Snapshot.Devnum), ledger.UnlockedLUKS{
				CryptoDevnum: packDevnum(h.devnum),
				DMUUID:       sysblock.ReadDMUUID(b.Snapshot.SysfsPath),
				UnlockerUID:  uid,
			})
		}
	}
	if clear != nil {
		return dbus.ObjectPath(clear.Path), nil
	}
	return "", nil
}

// encryptedSysfsPath is the sysfs path a cleartext mapping's
// CryptoBacking field points back at once unlocked (pkg/block's
// Classify resolves CryptoBacking from the slaves/ entry, spec §4.4).
func (h *BlockHandler) encryptedSysfsPath(obj *objectgraph.Object) string {
	if obj == nil {
		return ""
	}
	if b, ok := obj.Attrs.(blockpkg.Object); ok {
		return b.Snapshot.SysfsPath
	}
	return ""
}

// cryptoBackingPredicate matches the Block Object whose resolved
// crypto-backing sysfs path is encSysfsPath — the cleartext mapping
// created by an Unlock, identified without guessing its kernel-assigned
// devnum in advance.
func cryptoBackingPredicate(encSysfsPath string) objectgraph.Predicate {
	return objectgraph.KindAttrPredicate(objectgraph.KindBlock, func(attrs any) bool {
		b, ok := attrs.(blockpkg.Object)
		return ok && encSysfsPath != "" && b.CryptoBacking == encSysfsPath
	})
}

// Lock implements Encrypted.Lock: closes the LUKS mapping and waits
// for the cleartext device to disappear.
func (h *BlockHandler) Lock(sender dbus.Sender, options map[string]dbus.Variant) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}
	obj, _ := h.deps.Graph.Get(h.key)
	encSysfsPath := h.encryptedSysfsPath(obj)
	predicate := cryptoBackingPredicate(encSysfsPath)

	var clearKey objectgraph.Key
	var clearDevnum uint64
	var clearDevicePath string
	if clear, werr := h.deps.Graph.WaitFor(ctx, predicate, 0); werr == nil && clear != nil {
		clearKey = clear.Key
		if b, ok := clear.Attrs.(blockpkg.Object); ok {
			clearDevnum = packDevnum(b.Snapshot.Devnum)
			clearDevicePath = b.Snapshot.DevicePath
		}
	}

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  h.key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionEncryptedUnlock},
		Pool:      h.deps.Pool,
		JobKind:   "encrypted-lock",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			if rErr := runCryptsetup(ctx, "", "luksClose", clearDevicePath); rErr != nil {
				return false, rErr.Error()
			}
			return true, ""
		},
		WaitFor: dispatch.WaitForDisappear(clearKey),
	})
	if err != nil {
		return asDBusError(err)
	}
	if h.deps.Ledger != nil && clearDevnum != 0 {
		_ = h.deps.Ledger.RemoveUnlockedLUKS(clearDevnum)
	}
	return nil
}

// runCryptsetup shells out to cryptsetup, feeding passphrase on stdin
// when non-empty (luksOpen reads the passphrase from stdin with "-" as
// the key file argument; luksClose takes none).
func runCryptsetup(ctx context.Context, passphrase string, args ...string) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", args...)
	if passphrase != "" {
		cmd.Stdin = bytes.NewBufferString(passphrase + "\n")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("cryptsetup %v: %s", args, stderr.String())
		}
		return fmt.Errorf("cryptsetup %v: %w", args, err)
	}
	return nil
}

// LoopDelete implements Loop.Delete (spec §4.9 step 9 "delete waits
// for the Object to disappear").
func (h *BlockHandler) LoopDelete(sender dbus.Sender, options map[string]dbus.Variant) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}
	obj, _ := h.deps.Graph.Get(h.key)
	loopPath := h.devicePath(obj)

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  h.key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionLoopDelete},
		Pool:      h.deps.Pool,
		JobKind:   "loop-delete",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			if dErr := sysblock.LoopDetach(loopPath); dErr != nil {
				return false, dErr.Error()
			}
			return true, ""
		},
		WaitFor: dispatch.WaitForDisappear(h.key),
	})
	if err != nil {
		return asDBusError(err)
	}
	if h.deps.Ledger != nil {
		_ = h.deps.Ledger.RemoveLoop(loopPath)
	}
	return nil
}

func (h *BlockHandler) devicePath(obj *objectgraph.Object) string {
	if obj == nil {
		return ""
	}
	if b, ok := obj.Attrs.(blockpkg.Object); ok {
		return b.Snapshot.DevicePath
	}
	return ""
}

func optionString(options map[string]dbus.Variant, key string) string {
	v, ok := options[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func optionBool(options map[string]dbus.Variant, key string) bool {
	v, ok := options[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// asDBusError translates a BusError into the *dbus.Error every exported
// method must return (spec §7 "fixed mapping", §9's taxonomy).
func asDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	if be, ok := storederrors.AsBusError(err); ok {
		return dbus.NewError("org.storaged.Storaged.Error."+string(be.Name), []interface{}{be.Message})
	}
	return dbus.NewError("org.storaged.Storaged.Error.Failed", []interface{}{err.Error()})
}
