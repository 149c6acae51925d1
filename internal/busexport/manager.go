// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package busexport

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	blockpkg "github.com/storaged-project/udisks-sub005/pkg/block"
	"github.com/storaged-project/udisks-sub005/pkg/dispatch"
	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/ledger"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
	"github.com/storaged-project/udisks-sub005/pkg/sysblock"
)

const ifaceManager = "org.storaged.Storaged.Manager"

// ManagerLoopHandler is the singleton handler for Manager.LoopSetup
// (spec §6 "Recognized method options": read-only, offset, size all
// apply to this call). Like ISCSI.Manager's methods, it acts before the
// object it creates exists, so it resolves against objectgraph.ManagerKey
// rather than a specific Block identity.
type ManagerLoopHandler struct {
	pub  *Publisher
	deps Deps
}

// PublishManager exports the daemon-level Manager interface at the
// object-bus root.
func PublishManager(pub *Publisher, deps Deps) error {
	h := &ManagerLoopHandler{pub: pub, deps: deps}
	return pub.ExportMethods(Root, ifaceManager, map[string]interface{}{
		"LoopSetup": h.LoopSetup,
	})
}

func optionUint64(options map[string]dbus.Variant, key string) uint64 {
	v, ok := options[key]
	if !ok {
		return 0
	}
	switch n := v.Value().(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	}
	return 0
}

// loopDevicePredicate matches the Block Object for a freshly attached
// loop device by its device node path, the identity LoopSetup's caller
// actually cares about (spec §4.9 step 9's "wait for the expected
// post-state").
func loopDevicePredicate(devicePath string) objectgraph.Predicate {
	return objectgraph.KindAttrPredicate(objectgraph.KindBlock, func(attrs any) bool {
		b, ok := attrs.(blockpkg.Object)
		return ok && b.Snapshot.DevicePath == devicePath
	})
}

// LoopSetup implements Manager.LoopSetup: allocate a free /dev/loopN,
// bind fd to it with the offset/size/read-only options (spec §6), wait
// for the resulting Block Object to appear, and record a Cleanup
// Ledger entry so an abnormal daemon restart can still find it (spec
// §4.10 "loop").
//
// Per spec §8 "Boundary behaviors": a loop setup on a fd whose fstat
// fails still succeeds, with backing device number 0 recorded. The
// wait for the new Block Object runs after dispatch.Run rather than as
// its WaitFor, since the reply needs the object's path and
// dispatch.Wait only reports success/failure.
func (h *ManagerLoopHandler) LoopSetup(sender dbus.Sender, fd dbus.UnixFD, options map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return "", asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	opts := sysblock.LoopSetupOptions{
		Offset:    optionUint64(options, "offset"),
		SizeLimit: optionUint64(options, "size"),
		ReadOnly:  optionBool(options, "read-only"),
		Autoclear: true,
	}

	var loopDevPath string
	var backingDevnum uint64
	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  objectgraph.ManagerKey,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{
			CallerUID: uid,
			Action:    policy.ActionLoopSetup,
		},
		Pool:      h.deps.Pool,
		JobKind:   "loop-setup",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			minor, nErr := sysblock.NextFreeLoop()
			if nErr != nil {
				return false, nErr.Error()
			}
			loopDevPath = fmt.Sprintf("/dev/loop%d", minor)

			backingPath := fmt.Sprintf("/proc/self/fd/%d", int(fd))
			if aErr := sysblock.LoopAttach(loopDevPath, backingPath, opts); aErr != nil {
				return false, aErr.Error()
			}

			var st unix.Stat_t
			if sErr := unix.Fstat(int(fd), &st); sErr == nil {
				backingDevnum = st.Rdev
			}
			return true, ""
		},
	})
	if err != nil {
		return "", asDBusError(err)
	}

	obj, waitErr := h.deps.Graph.WaitFor(ctx, loopDevicePredicate(loopDevPath), dispatch.DefaultWaitTimeout)
	if waitErr != nil {
		return "", asDBusError(waitErr)
	}

	if h.deps.Ledger != nil {
		backingFile, _ := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", int(fd)))
		if lErr := h.deps.Ledger.AddLoop(loopDevPath, ledger.Loop{
			BackingFile:   backingFile,
			BackingDevnum: backingDevnum,
			SetupUID:      uid,
		}); lErr != nil {
			h.pub.logger.Error(lErr, "record loop in cleanup ledger", "path", loopDevPath)
		}
	}

	return dbus.ObjectPath(obj.Path), nil
}
