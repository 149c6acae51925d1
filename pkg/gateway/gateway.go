// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gateway implements the External-Library Gateway (spec §4.7):
// per-library mutex serialization for the non-reentrant iSCSI and LVM
// command-line tools the daemon shells out to, plus the iSCSI
// initiator-name text file's own mutex (spec §6, §5 "Shared resources").
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Library identifies one of the two serialized external libraries.
type Library string

const (
	LibraryISCSI Library = "iscsi"
	LibraryLVM   Library = "lvm"
)

// Runner abstracts process invocation so tests can substitute a fake
// without actually shelling out to iscsiadm/lvm.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// execRunner shells out via os/exec — the production Runner, since
// neither CLI tool's Go binding is in the example corpus (see
// DESIGN.md "pkg/gateway").
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Gateway owns one mutex per Library plus the initiator-name file's own
// mutex, and a Runner used by both (spec §4.7 "owns (a) a single
// initialized context and (b) a mutex").
type Gateway struct {
	logger logr.Logger
	runner Runner

	mu map[Library]*sync.Mutex

	initiatorNameMu   sync.Mutex
	initiatorNamePath string
}

// New builds a Gateway. initiatorNamePath is the path to
// /etc/iscsi/initiatorname.iscsi (spec §6).
func New(logger logr.Logger, initiatorNamePath string) *Gateway {
	return &Gateway{
		logger: logger.WithName("gateway"),
		runner: execRunner{},
		mu: map[Library]*sync.Mutex{
			LibraryISCSI: {},
			LibraryLVM:   {},
		},
		initiatorNamePath: initiatorNamePath,
	}
}

// WithRunner overrides the Runner, for tests.
func (g *Gateway) WithRunner(r Runner) *Gateway {
	g.runner = r
	return g
}

// Call executes fn while holding lib's mutex, the uniform entry point
// every method-dispatch gateway step uses (spec §4.9 step 5 "Acquire
// the relevant gateway mutex").
func (g *Gateway) Call(lib Library, fn func() error) error {
	mu := g.mu[lib]
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Run invokes an external tool under lib's mutex and returns its
// captured stdout/stderr, matching the Threaded Job contract of
// "returns an integer error code plus an optional captured error
// message" (spec §4.9 step 6) once wrapped by pkg/jobs.
func (g *Gateway) Run(ctx context.Context, lib Library, name string, args ...string) (stdout, stderr string, err error) {
	mu := g.mu[lib]
	mu.Lock()
	defer mu.Unlock()
	return g.runner.Run(ctx, name, args...)
}

// RunUnlocked invokes an external tool without acquiring lib's mutex.
// It exists solely for use from inside a Call(lib, ...) closure that
// already holds the mutex and needs to run more than one command as a
// single atomic hold (spec §4.7 step 3: the iSCSI CHAP-install/login/
// node-param sequence runs "under the iSCSI mutex" as one hold, not one
// hold per command). Calling it without an enclosing Call for the same
// lib acquires no exclusion at all.
func (g *Gateway) RunUnlocked(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	return g.runner.Run(ctx, name, args...)
}

// ReadInitiatorName reads the single InitiatorName= line from the
// initiator-name file (spec §6).
func (g *Gateway) ReadInitiatorName() (string, error) {
	g.initiatorNameMu.Lock()
	defer g.initiatorNameMu.Unlock()

	data, err := os.ReadFile(g.initiatorNamePath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if name, ok := strings.CutPrefix(line, "InitiatorName="); ok {
			return strings.TrimSpace(name), nil
		}
	}
	return "", fmt.Errorf("no InitiatorName= line in %s", g.initiatorNamePath)
}

// WriteInitiatorName atomically rewrites the initiator-name file (spec
// §6 "Setter rewrites the file atomically; empty names are rejected").
func (g *Gateway) WriteInitiatorName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("initiator name must not be empty")
	}

	g.initiatorNameMu.Lock()
	defer g.initiatorNameMu.Unlock()

	tmp := g.initiatorNamePath + ".tmp"
	content := "InitiatorName=" + name + "\n"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open temp initiator name file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write temp initiator name file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp initiator name file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp initiator name file: %w", err)
	}
	if err := os.Rename(tmp, g.initiatorNamePath); err != nil {
		return fmt.Errorf("rename initiator name file: %w", err)
	}
	return nil
}
