// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mountinfo watches the kernel mount and swap tables and emits
// add/remove deltas (spec §4.2 "Mount Observer").
package mountinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// MountType distinguishes a filesystem mount from an active swap area.
type MountType string

const (
	TypeFilesystem MountType = "filesystem"
	TypeSwap       MountType = "swap"
)

// Record is one entry in the kernel's view of mounted/swapped devices,
// keyed by (device number, mount path) per spec §3 "Mount Record".
type Record struct {
	Devnum uint64 // packed major:minor, unix.Mkdev(major, minor)
	Path   string // mount point; "" for swap entries
	Type   MountType
	FSType string
	Source string
}

// EventKind is add or remove.
type EventKind string

const (
	EventAdded   EventKind = "mount-added"
	EventRemoved EventKind = "mount-removed"
)

// Event is one delta emitted by a reload (spec §4.2).
type Event struct {
	Kind   EventKind
	Record Record
}

// Observer watches /proc/self/mountinfo and /proc/swaps for
// modification and emits diffs against the previous snapshot.
type Observer struct {
	logger        logr.Logger
	mountInfoPath string
	swapsPath     string

	mu      sync.Mutex
	mounts  map[string]Record // keyed by Path
	swaps   map[string]Record // keyed by Source
	started bool
}

func New(logger logr.Logger, procPath string) *Observer {
	return &Observer{
		logger:        logger.WithName("mount-observer"),
		mountInfoPath: procPath + "/self/mountinfo",
		swapsPath:     procPath + "/swaps",
		mounts:        make(map[string]Record),
		swaps:         make(map[string]Record),
	}
}

// Reload re-reads both tables and returns the events needed to bring a
// consumer's view from the previous snapshot to the new one. Reload is
// atomic: no event references a record absent from the post-snapshot
// (spec §4.2 "Reload is atomic").
func (o *Observer) Reload() ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	newMounts, err := o.readMountInfo()
	if err != nil {
		if os.IsNotExist(err) {
			// Read errors while the file is briefly absent are
			// silently ignored (spec §4.2 "Failure semantics").
			return nil, nil
		}
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}
	newSwaps, err := o.readSwaps()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read swaps: %w", err)
	}

	events := diff(o.mounts, newMounts, TypeFilesystem)
	events = append(events, diff(o.swaps, newSwaps, TypeSwap)...)

	o.mounts = newMounts
	o.swaps = newSwaps
	return events, nil
}

func diff(old, new map[string]Record, _ MountType) []Event {
	events := make([]Event, 0)
	for key, rec := range old {
		if _, ok := new[key]; !ok {
			events = append(events, Event{Kind: EventRemoved, Record: rec})
		}
	}
	for key, rec := range new {
		if _, ok := old[key]; !ok {
			events = append(events, Event{Kind: EventAdded, Record: rec})
		}
	}
	return events
}

// Run blocks, watching for table modification via POLLERR on the
// mountinfo file descriptor the way libmount does (procfs special files
// do not support inotify), and calling Reload on every wake-up. It sends
// the resulting events on out until stop is closed.
func (o *Observer) Run(stop <-chan struct{}, out chan<- []Event) error {
	fd, err := unix.Open(o.mountInfoPath, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", o.mountInfoPath, err)
	}
	defer unix.Close(fd)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLERR | unix.POLLPRI}}
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll %s: %w", o.mountInfoPath, err)
		}
		if n == 0 {
			continue // timeout: re-check stop and loop
		}

		events, err := o.Reload()
		if err != nil {
			o.logger.Error(err, "reload failed")
			continue
		}
		if len(events) > 0 {
			select {
			case out <- events:
			case <-stop:
				return nil
			}
		}
	}
}

// readMountInfo parses /proc/self/mountinfo. Lines whose major is 0 are
// accepted only when fstype is "btrfs" and the source resolves via stat
// to an existing block device, in which case st_rdev is substituted —
// an out-of-tree quirk that must be preserved bit-for-bit (spec §4.2
// "Parsing policy"). All other zero-major entries are ignored.
func (o *Observer) readMountInfo() (map[string]Record, error) {
	f, err := os.Open(o.mountInfoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]Record)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec, ok := parseMountInfoLine(scanner.Text())
		if !ok {
			continue
		}
		out[rec.Path] = rec
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// parseMountInfoLine parses one /proc/pid/mountinfo line. Format (see
// proc(5)):
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//
// fields up to "-" are optional tag fields; after "-" come fstype,
// source, super options.
func parseMountInfoLine(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return Record{}, false
	}

	majMin := fields[2]
	mountPoint := fields[4]

	dashIdx := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			dashIdx = i
			break
		}
	}
	if dashIdx == -1 || dashIdx+2 >= len(fields) {
		return Record{}, false
	}
	fsType := fields[dashIdx+1]
	source := fields[dashIdx+2]

	majorStr, minorStr, ok := strings.Cut(majMin, ":")
	if !ok {
		return Record{}, false
	}
	major, err1 := strconv.ParseUint(majorStr, 10, 32)
	minor, err2 := strconv.ParseUint(minorStr, 10, 32)
	if err1 != nil || err2 != nil {
		return Record{}, false
	}

	if major == 0 {
		if fsType != "btrfs" {
			return Record{}, false
		}
		var st unix.Stat_t
		if err := unix.Stat(source, &st); err != nil {
			return Record{}, false
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			return Record{}, false
		}
		rdev := uint64(st.Rdev)
		return Record{
			Devnum: rdev,
			Path:   mountPoint,
			Type:   TypeFilesystem,
			FSType: fsType,
			Source: source,
		}, true
	}

	return Record{
		Devnum: unix.Mkdev(uint32(major), uint32(minor)),
		Path:   mountPoint,
		Type:   TypeFilesystem,
		FSType: fsType,
		Source: source,
	}, true
}

// readSwaps parses /proc/swaps:
//
//	Filename                                Type            Size    Used    Priority
//	/dev/sdb2                                partition       2097148 0       -2
func (o *Observer) readSwaps() (map[string]Record, error) {
	f, err := os.Open(o.swapsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]Record)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			continue
		}
		source := fields[0]
		var st unix.Stat_t
		if err := unix.Stat(source, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		out[source] = Record{
			Devnum: uint64(st.Rdev),
			Type:   TypeSwap,
			Source: source,
		}
	}
	return out, scanner.Err()
}
