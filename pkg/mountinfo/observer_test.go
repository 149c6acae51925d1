// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mountinfo

import "testing"

func TestParseMountInfoLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantOK  bool
		wantMaj uint32
		wantMin uint32
		wantPt  string
	}{
		{
			name:    "ordinary ext4 mount",
			line:    "36 35 8:17 / /home rw,noatime master:1 - ext4 /dev/sdb1 rw,errors=continue",
			wantOK:  true,
			wantMaj: 8,
			wantMin: 17,
			wantPt:  "/home",
		},
		{
			name:   "zero major non-btrfs is ignored",
			line:   "36 35 0:17 / /run/fuse rw - fuse.gvfsd /dev nodefault",
			wantOK: false,
		},
		{
			name:   "too few fields",
			line:   "36 35 8:17",
			wantOK: false,
		},
		{
			name:   "missing separator dash",
			line:   "36 35 8:17 / /home rw,noatime master:1 ext4 /dev/sdb1 rw",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := parseMountInfoLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if rec.Path != tt.wantPt {
				t.Errorf("Path = %q, want %q", rec.Path, tt.wantPt)
			}
		})
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	old := map[string]Record{
		"/home": {Path: "/home", Type: TypeFilesystem},
	}
	new := map[string]Record{
		"/mnt": {Path: "/mnt", Type: TypeFilesystem},
	}

	events := diff(old, new, TypeFilesystem)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	var sawAdd, sawRemove bool
	for _, e := range events {
		switch e.Kind {
		case EventAdded:
			sawAdd = true
			if e.Record.Path != "/mnt" {
				t.Errorf("added record path = %q", e.Record.Path)
			}
		case EventRemoved:
			sawRemove = true
			if e.Record.Path != "/home" {
				t.Errorf("removed record path = %q", e.Record.Path)
			}
		}
	}
	if !sawAdd || !sawRemove {
		t.Errorf("expected both an add and a remove event")
	}
}
