// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ledger implements the Cleanup Ledger (spec §3 "Ownership",
// §4.10 "Cleanup Ledger"): three persisted record maps surviving daemon
// restart, and the two-pass reconciliation a dedicated worker runs
// against live device/mount state.
//
// Grounded on original_source/src/udiskspersistentstore.c (the
// get/set-by-key store with a path and a temp-path, mutex-guarded) and
// original_source/src/udiskscleanup.c's udisks_cleanup_check_in_thread,
// whose two-stage ("devs_to_clean" reconnaissance, then mounted-fs
// sweep, then real teardown) structure spec §4.10's Check algorithm
// reproduces.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MountedFS is a "mounted-fs" record, keyed by mount path (spec §3
// "Mount Record", §4.10).
type MountedFS struct {
	Devnum       uint64 `json:"devnum"`
	MounterUID   uint32 `json:"mounter_uid"`
	FstabMounted bool   `json:"fstab_mounted"`
}

// UnlockedLUKS is an "unlocked-luks" record, keyed by the cleartext
// device number (spec §3 "Unlocked LUKS Record").
type UnlockedLUKS struct {
	CryptoDevnum uint64 `json:"crypto_devnum"`
	DMUUID       string `json:"dm_uuid"`
	UnlockerUID  uint32 `json:"unlocker_uid"`
}

// Loop is a "loop" record, keyed by the loop device path (spec §3
// "Loop Record").
type Loop struct {
	BackingFile   string `json:"backing_file"`
	BackingDevnum uint64 `json:"backing_devnum"` // 0 if unknown
	SetupUID      uint32 `json:"setup_uid"`
}

// Store is the persisted ledger: three maps, each backed by its own
// JSON file in dir, written atomically (write-to-temp-then-rename with
// fsync, spec §5 "Resource acquisition"). One mutex serializes every
// mutation and reconciliation pass, the way the original's single
// store-wide g_mutex_lock does (spec §4.10 "A dedicated thread owns a
// lock over the ledger").
type Store struct {
	dir string

	mu           sync.Mutex
	mountedFS    map[string]MountedFS
	unlockedLUKS map[uint64]UnlockedLUKS
	loops        map[string]Loop
}

const (
	mountedFSFile    = "mounted-fs.json"
	unlockedLUKSFile = "unlocked-luks.json"
	loopFile         = "loop.json"
)

// Open loads (or initializes, if absent) the three record files under
// dir, creating dir with mode 0700 if it does not exist (spec §4.10
// "Persists records ... across restart"; original's path is created
// with mode 0700 per udiskspersistentstore.c's doc comment).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
	}
	s := &Store{
		dir:          dir,
		mountedFS:    make(map[string]MountedFS),
		unlockedLUKS: make(map[uint64]UnlockedLUKS),
		loops:        make(map[string]Loop),
	}
	if err := loadJSON(filepath.Join(dir, mountedFSFile), &s.mountedFS); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, unlockedLUKSFile), &s.unlockedLUKS); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, loopFile), &s.loops); err != nil {
		return nil, err
	}
	return s, nil
}

func loadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeAtomic implements spec §5's "write-to-temp-then-rename with an
// fsync on the temp before the rename" and the invariant in spec §8
// item 5 ("either the pre-image or the post-image is readable").
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// AddMountedFS records a mount. An existing entry at the same mount
// path is overwritten by the new one; no warning is logged.
func (s *Store) AddMountedFS(mountPath string, rec MountedFS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mountedFS[mountPath] = rec
	return writeAtomic(filepath.Join(s.dir, mountedFSFile), s.mountedFS)
}

// RemoveMountedFS drops the mounted-fs entry at mountPath, if any.
func (s *Store) RemoveMountedFS(mountPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mountedFS[mountPath]; !ok {
		return nil
	}
	delete(s.mountedFS, mountPath)
	return writeAtomic(filepath.Join(s.dir, mountedFSFile), s.mountedFS)
}

// MountedFS returns a snapshot of the current mounted-fs table.
func (s *Store) MountedFS() map[string]MountedFS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MountedFS, len(s.mountedFS))
	for k, v := range s.mountedFS {
		out[k] = v
	}
	return out
}

// AddUnlockedLUKS records a LUKS unlock, keyed by cleartext devnum.
func (s *Store) AddUnlockedLUKS(cleartextDevnum uint64, rec UnlockedLUKS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockedLUKS[cleartextDevnum] = rec
	return writeAtomic(filepath.Join(s.dir, unlockedLUKSFile), s.unlockedLUKS)
}

// RemoveUnlockedLUKS drops the unlocked-luks entry for cleartextDevnum.
func (s *Store) RemoveUnlockedLUKS(cleartextDevnum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unlockedLUKS[cleartextDevnum]; !ok {
		return nil
	}
	delete(s.unlockedLUKS, cleartextDevnum)
	return writeAtomic(filepath.Join(s.dir, unlockedLUKSFile), s.unlockedLUKS)
}

// UnlockedLUKS returns a snapshot of the current unlocked-luks table.
func (s *Store) UnlockedLUKS() map[uint64]UnlockedLUKS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]UnlockedLUKS, len(s.unlockedLUKS))
	for k, v := range s.unlockedLUKS {
		out[k] = v
	}
	return out
}

// AddLoop records a loop setup, keyed by loop device path.
func (s *Store) AddLoop(loopDevPath string, rec Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops[loopDevPath] = rec
	return writeAtomic(filepath.Join(s.dir, loopFile), s.loops)
}

// RemoveLoop drops the loop entry for loopDevPath.
func (s *Store) RemoveLoop(loopDevPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[loopDevPath]; !ok {
		return nil
	}
	delete(s.loops, loopDevPath)
	return writeAtomic(filepath.Join(s.dir, loopFile), s.loops)
}

// Loops returns a snapshot of the current loop table.
func (s *Store) Loops() map[string]Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Loop, len(s.loops))
	for k, v := range s.loops {
		out[k] = v
	}
	return out
}
