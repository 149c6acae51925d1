// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pilebones/go-udev/netlink"
)

// Source exposes a cold-plug enumeration followed by a continuous
// hot-plug stream (spec §4.1). Run returns a channel that stays open
// for the lifetime of ctx; ColdPlug performs the one-shot enumeration
// that must run before the stream is consumed in steady state.
type Source interface {
	// ColdPlug synchronously enumerates every block device currently
	// present under sysPath and returns one synthetic "add" Event per
	// device, ordered by kernel name for determinism.
	ColdPlug(ctx context.Context) ([]Event, error)

	// Run starts the hot-plug stream and delivers events on the
	// returned channel until ctx is cancelled, at which point the
	// channel is closed.
	Run(ctx context.Context) (<-chan Event, error)
}

// UdevSource is a Source backed by the kernel uevent netlink socket,
// following the same subscribe-then-range-over-channel shape the
// teacher's collectors use for their own event sources.
type UdevSource struct {
	logger  logr.Logger
	sysPath string
	devPath string
	seq     atomic.Uint64
}

var _ Source = (*UdevSource)(nil)

func NewUdevSource(logger logr.Logger, sysPath, devPath string) *UdevSource {
	return &UdevSource{
		logger:  logger.WithName("device-source"),
		sysPath: sysPath,
		devPath: devPath,
	}
}

func (u *UdevSource) ColdPlug(ctx context.Context) ([]Event, error) {
	blockPath := filepath.Join(u.sysPath, "class", "block")
	entries, err := os.ReadDir(blockPath)
	if err != nil {
		return nil, fmt.Errorf("cold-plug enumeration: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	events := make([]Event, 0, len(names))
	for _, name := range names {
		snap, err := u.readSnapshot(name)
		if err != nil {
			u.logger.V(1).Info("skipping device during cold-plug", "device", name, "error", err)
			continue
		}
		events = append(events, Event{Action: ActionAdd, Snapshot: snap})
	}
	return events, nil
}

func (u *UdevSource) Run(ctx context.Context) (<-chan Event, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect to udev netlink socket: %w", err)
	}

	raw := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(raw, errs, &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "block"}},
		},
	})

	out := make(chan Event)
	go func() {
		defer close(out)
		defer close(quit)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				u.logger.Error(err, "udev monitor error")
			case ev, ok := <-raw:
				if !ok {
					return
				}
				action := Action(string(ev.Action))
				snap := u.snapshotFromEvent(ev)
				select {
				case out <- Event{Action: action, Snapshot: snap}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (u *UdevSource) snapshotFromEvent(ev netlink.UEvent) *Snapshot {
	props := make(map[string]string, len(ev.Env))
	for k, v := range ev.Env {
		props[k] = v
	}
	name := filepath.Base(ev.KObj)
	major, minor := parseDevnum(props["MAJOR"], props["MINOR"])
	return &Snapshot{
		KernelName: name,
		Devnum:     Number{Major: major, Minor: minor},
		SysfsPath:  filepath.Join(u.sysPath, strings.TrimPrefix(ev.KObj, "/")),
		DevicePath: filepath.Join(u.devPath, name),
		Symlinks:   symlinksFor(u.devPath, props),
		Properties: props,
		Seq:        u.seq.Add(1),
	}
}

func (u *UdevSource) readSnapshot(name string) (*Snapshot, error) {
	sysfsPath, err := filepath.EvalSymlinks(filepath.Join(u.sysPath, "class", "block", name))
	if err != nil {
		return nil, err
	}
	props, err := readUeventFile(filepath.Join(sysfsPath, "uevent"))
	if err != nil {
		return nil, err
	}
	major, minor := parseDevnum(props["MAJOR"], props["MINOR"])
	return &Snapshot{
		KernelName: name,
		Devnum:     Number{Major: major, Minor: minor},
		SysfsPath:  sysfsPath,
		DevicePath: filepath.Join(u.devPath, name),
		Symlinks:   symlinksFor(u.devPath, props),
		Properties: props,
		Seq:        u.seq.Add(1),
	}, nil
}

// readUeventFile parses sysfs's "KEY=VALUE\n" uevent file format. This is
// the synchronous equivalent of the fields delivered over netlink during
// steady-state monitoring, used only for cold-plug enumeration.
func readUeventFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[k] = v
	}
	return props, nil
}

func parseDevnum(major, minor string) (uint32, uint32) {
	maj, _ := strconv.ParseUint(major, 10, 32)
	min, _ := strconv.ParseUint(minor, 10, 32)
	return uint32(maj), uint32(min)
}

// symlinksFor derives the /dev/disk/by-* style preferred paths this
// package can compute without re-walking sysfs: DEVLINKS is the
// canonical source, space separated, already ordered by udev rule
// priority.
func symlinksFor(devPath string, props map[string]string) []string {
	links := props["DEVLINKS"]
	if links == "" {
		return nil
	}
	parts := strings.Fields(links)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if !filepath.IsAbs(p) {
			p = filepath.Join(devPath, p)
		}
		out = append(out, p)
	}
	return out
}
