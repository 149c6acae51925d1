// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package busexport

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/storaged-project/udisks-sub005/pkg/dispatch"
	"github.com/storaged-project/udisks-sub005/pkg/drive"
	storederrors "github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/mdraid"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
	"github.com/storaged-project/udisks-sub005/pkg/vg"
)

const (
	ifaceDrive  = "org.storaged.Storaged.Drive"
	ifaceMDRaid = "org.storaged.Storaged.MDRaid"
	ifaceVG     = "org.storaged.Storaged.VG"
	ifaceLV     = "org.storaged.Storaged.LV"
)

// PublishDrive exports a Drive Object's hardware-identity properties
// (spec §3 "Drive Object"). Drive Objects carry no methods of their
// own; they are a pure read-only aggregation view over their Block
// Object children.
func PublishDrive(pub *Publisher, path dbus.ObjectPath, d drive.Object) ([]string, error) {
	props := prop.Properties{
		ifaceDrive: {
			"Vendor":     {Value: d.Vendor, Writable: false, Emit: prop.EmitTrue},
			"Model":      {Value: d.Model, Writable: false, Emit: prop.EmitTrue},
			"Serial":     {Value: d.Serial, Writable: false, Emit: prop.EmitTrue},
			"WWN":        {Value: d.WWN, Writable: false, Emit: prop.EmitTrue},
			"Size":       {Value: d.Size, Writable: false, Emit: prop.EmitTrue},
			"Rotational": {Value: d.Rotational, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, props); err != nil {
		return nil, err
	}
	return []string{ifaceDrive}, nil
}

func UnpublishDrive(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// PublishMDRaid exports an MDRaid Object's state (spec §3 "MDRaid
// Object", §4.5). Sync/degraded attribute watches and the Sync Job
// handle live on the mdraid.Object itself; this only mirrors its
// current snapshot onto the bus.
func PublishMDRaid(pub *Publisher, path dbus.ObjectPath, m *mdraid.Object) ([]string, error) {
	var degraded bool
	if m.Array != nil {
		degraded = m.Array.PropBool("MD_DEGRADED")
	}
	props := prop.Properties{
		ifaceMDRaid: {
			"UUID":       {Value: m.UUID, Writable: false, Emit: prop.EmitTrue},
			"Level":      {Value: m.Level, Writable: false, Emit: prop.EmitTrue},
			"State":      {Value: string(m.State()), Writable: false, Emit: prop.EmitTrue},
			"NumDevices": {Value: int32(len(m.Members)), Writable: false, Emit: prop.EmitTrue},
			"Degraded":   {Value: degraded, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, props); err != nil {
		return nil, err
	}
	return []string{ifaceMDRaid}, nil
}

func UnpublishMDRaid(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// PublishVG exports a VG Object's metadata (spec §3 "VG Object"). LVs
// are published separately, one path per LV, under the VG's path.
func PublishVG(pub *Publisher, path dbus.ObjectPath, v *vg.VG) ([]string, error) {
	var pvPaths []string
	for _, pv := range v.PVs {
		pvPaths = append(pvPaths, pv.Path)
	}
	props := prop.Properties{
		ifaceVG: {
			"Name":       {Value: v.Metadata.Name, Writable: false, Emit: prop.EmitTrue},
			"UUID":       {Value: v.Metadata.UUID, Writable: false, Emit: prop.EmitTrue},
			"Size":       {Value: v.Metadata.Size, Writable: false, Emit: prop.EmitTrue},
			"FreeSize":   {Value: v.Metadata.Free, Writable: false, Emit: prop.EmitTrue},
			"ExtentSize": {Value: v.Metadata.ExtentSize, Writable: false, Emit: prop.EmitTrue},
			"PVs":        {Value: pvPaths, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, props); err != nil {
		return nil, err
	}
	return []string{ifaceVG}, nil
}

func UnpublishVG(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// LVHandler is the per-LV handler, needed only because LV is the one
// aggregation Object with a mutating method (spec §4.9's rename
// scenario: "rename waits for an LV Object at the new name to appear").
type LVHandler struct {
	pub    *Publisher
	deps   Deps
	vgName string
	lvName string
}

// PublishLV exports one LV Object's properties and its Rename method
// (spec §3 "LV Object").
func PublishLV(pub *Publisher, deps Deps, path dbus.ObjectPath, l vg.LV) ([]string, error) {
	h := &LVHandler{pub: pub, deps: deps, vgName: l.VGName, lvName: l.Name}

	props := prop.Properties{
		ifaceLV: {
			"Name":           {Value: l.Name, Writable: false, Emit: prop.EmitTrue},
			"Size":           {Value: l.Size, Writable: false, Emit: prop.EmitTrue},
			"Layout":         {Value: l.Layout, Writable: false, Emit: prop.EmitTrue},
			"Active":         {Value: l.Active, Writable: false, Emit: prop.EmitTrue},
			"SyncRatio":      {Value: l.SyncRatio, Writable: false, Emit: prop.EmitTrue},
			"ThinPool":       {Value: l.ThinPool, Writable: false, Emit: prop.EmitTrue},
			"Origin":         {Value: l.Origin, Writable: false, Emit: prop.EmitTrue},
			"Structure":      {Value: l.Structure, Writable: false, Emit: prop.EmitTrue},
			"BlockSysfsPath": {Value: l.BlockSysfsPath, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := pub.ExportProperties(path, props); err != nil {
		return nil, err
	}
	if err := pub.ExportMethods(path, ifaceLV, map[string]interface{}{
		"Rename": h.Rename,
	}); err != nil {
		return nil, err
	}
	return []string{ifaceLV}, nil
}

func UnpublishLV(pub *Publisher, path dbus.ObjectPath, exported []string) {
	pub.Unpublish(path, exported...)
}

// lvKey is the Object Graph identity for an LV Object (spec §3
// "Identified by (VG name, LV name)").
func lvKey(vgName, lvName string) objectgraph.Key {
	return objectgraph.Key(vgName + "/" + lvName)
}

// Rename implements LV.Rename via lvrename (spec §4.9's worked
// example: "gateway-lock -> policy check -> threaded lvrename call ->
// wait for LV Object at the new name to appear within 15s").
func (h *LVHandler) Rename(sender dbus.Sender, newName string) *dbus.Error {
	ctx := context.Background()
	uid, err := h.pub.CallerUID(sender)
	if err != nil {
		return asDBusError(storederrors.Wrap(storederrors.Failed, err))
	}

	key := lvKey(h.vgName, h.lvName)
	newKey := lvKey(h.vgName, newName)

	err = dispatch.Run(ctx, dispatch.Call{
		ObjectKey:  key,
		Graph:      h.deps.Graph,
		Policy:     h.deps.Policy,
		PublishJob: h.pub.PublishJob,
		PolicyRequest: policy.Request{CallerUID: uid, Action: policy.ActionLVMManage},
		Pool:      h.deps.Pool,
		JobKind:   "lvm-lv-rename",
		CallerUID: uid,
		Invoke: func(ctx context.Context) (bool, string) {
			_, stderr, rErr := h.deps.Gateway.Run(ctx, gateway.LibraryLVM, "lvrename", h.vgName, h.lvName, newName)
			if rErr != nil {
				return false, stderr
			}
			return true, ""
		},
		WaitFor: dispatch.WaitForAppear(newKey),
	})
	if err != nil {
		return asDBusError(err)
	}
	return nil
}
