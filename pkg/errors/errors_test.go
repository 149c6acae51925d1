// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import "testing"

func TestISCSIError(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Name
	}{
		{"login failed", 2, ISCSILoginFailed},
		{"auth failed", 4, ISCSILoginAuthFailed},
		{"unmapped falls back to Failed", 999, Failed},
		{"zero falls back to Failed", 0, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ISCSIError(tt.code, "boom")
			if got.Name != tt.want {
				t.Errorf("ISCSIError(%d).Name = %s, want %s", tt.code, got.Name, tt.want)
			}
			if got.Message != "boom" {
				t.Errorf("ISCSIError(%d).Message = %q, want %q", tt.code, got.Message, "boom")
			}
		})
	}
}

func TestBusErrorUnwrap(t *testing.T) {
	cause := New("disk on fire")
	be := Wrap(Timeout, cause)
	if !Is(be, cause) {
		t.Errorf("Wrap(%s, cause) should unwrap to cause", Timeout)
	}
	if be.Error() != "Timeout: disk on fire" {
		t.Errorf("Error() = %q", be.Error())
	}
}

func TestAsBusError(t *testing.T) {
	var err error = NewBusError(NotAuthorized, "denied")
	be, ok := AsBusError(err)
	if !ok || be.Name != NotAuthorized {
		t.Fatalf("AsBusError failed to extract BusError")
	}

	if _, ok := AsBusError(New("plain")); ok {
		t.Errorf("AsBusError should not match a plain error")
	}
}
