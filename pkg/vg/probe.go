// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/storaged-project/udisks-sub005/pkg/gateway"
)

// lvmReport is the common envelope every lvm2 report command emits
// with --reportformat json (one "report" entry per command, holding
// one named array of row objects; every field comes back as a string
// regardless of its underlying type).
type lvmReport struct {
	Report []map[string]json.RawMessage `json:"report"`
}

// NewProbe builds the probe.Func[Snapshot] the LVM Probe Pipeline runs
// (spec §4.6 "LVM Probe Pipeline"): three lvm2 report commands run
// back to back under the Gateway's LVM mutex, combined into one
// Snapshot. No in-pack repo drives lvm2's CLI directly, so the report
// field selection here is grounded on lvm2's documented
// lvmreport(7)/vgs(8)/lvs(8)/pvs(8) field names (see DESIGN.md).
func NewProbe(gw *gateway.Gateway) func(ctx context.Context) (Snapshot, error) {
	return func(ctx context.Context) (Snapshot, error) {
		return probe(ctx, gw)
	}
}

func probe(ctx context.Context, gw *gateway.Gateway) (Snapshot, error) {
	vgRows, err := runReport(ctx, gw, "vgs", "vg", "vg_name,vg_uuid,vg_size,vg_free,vg_extent_size")
	if err != nil {
		return Snapshot{}, fmt.Errorf("vgs report: %w", err)
	}
	pvRows, err := runReport(ctx, gw, "pvs", "pv", "vg_name,pv_name,pv_size,pv_free")
	if err != nil {
		return Snapshot{}, fmt.Errorf("pvs report: %w", err)
	}
	lvRows, err := runReport(ctx, gw, "lvs", "lv",
		"vg_name,lv_name,lv_size,lv_layout,lv_attr,copy_percent,lv_path,pool_lv,origin,devices")
	if err != nil {
		return Snapshot{}, fmt.Errorf("lvs report: %w", err)
	}

	snap := Snapshot{VGs: make(map[string]VGSnapshot)}
	for _, row := range vgRows {
		name := row["vg_name"]
		snap.VGs[name] = VGSnapshot{Metadata: Metadata{
			Name:       name,
			UUID:       row["vg_uuid"],
			Size:       parseUint(row["vg_size"]),
			Free:       parseUint(row["vg_free"]),
			ExtentSize: parseUint(row["vg_extent_size"]),
		}}
	}
	for _, row := range pvRows {
		name := row["vg_name"]
		vgSnap, ok := snap.VGs[name]
		if !ok {
			continue // PV reported for a VG that vanished between the two commands
		}
		vgSnap.PVs = append(vgSnap.PVs, PV{
			Path: row["pv_name"],
			Size: parseUint(row["pv_size"]),
			Free: parseUint(row["pv_free"]),
		})
		snap.VGs[name] = vgSnap
	}
	for _, row := range lvRows {
		name := row["vg_name"]
		vgSnap, ok := snap.VGs[name]
		if !ok {
			continue
		}
		vgSnap.LVs = append(vgSnap.LVs, LV{
			VGName:         name,
			Name:           row["lv_name"],
			Size:           parseUint(row["lv_size"]),
			Layout:         row["lv_layout"],
			Active:         lvAttrActive(row["lv_attr"]),
			SyncRatio:      parsePercent(row["copy_percent"]),
			ThinPool:       row["pool_lv"],
			Origin:         row["origin"],
			Structure:      row["devices"],
			BlockSysfsPath: "", // lv_path is requested but not stored; left empty
		})
		snap.VGs[name] = vgSnap
	}
	return snap, nil
}

// runReport runs one lvm2 report command with --reportformat json
// through the Gateway's LVM mutex and returns its rows as string maps,
// keyed by field name.
func runReport(ctx context.Context, gw *gateway.Gateway, tool, arrayKey, fields string) ([]map[string]string, error) {
	stdout, _, err := gw.Run(ctx, gateway.LibraryLVM, tool,
		"--reportformat", "json", "--units", "b", "--nosuffix", "-o", fields)
	if err != nil {
		return nil, err
	}

	var report lvmReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return nil, fmt.Errorf("parse %s json report: %w", tool, err)
	}

	var rows []map[string]string
	for _, section := range report.Report {
		raw, ok := section[arrayKey]
		if !ok {
			continue
		}
		var entries []map[string]string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse %s %s rows: %w", tool, arrayKey, err)
		}
		rows = append(rows, entries...)
	}
	return rows, nil
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	return n
}

func parsePercent(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// lvAttr's 5th character (index 4) is the LV's state: 'a' means active,
// anything else (including '-' or a suspended/unknown marker) does not
// (lvm2's lvs(8) LV_ATTR bit layout).
func lvAttrActive(attr string) bool {
	return len(attr) >= 5 && attr[4] == 'a'
}
