// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dispatch implements the Method Dispatch template (spec §4.9
// "the mutating-call template"): the ten-step pipeline every mutating
// bus method follows — resolve object, look up caller uid, validate
// options, consult the policy oracle, acquire the relevant gateway
// mutex, run a sync-wait Threaded Job, translate its result to a typed
// error, wait for the expected post-state, and complete.
//
// internal/busexport's method handlers are thin: they build a Call
// describing their specific action id, job kind, invocation closure,
// and post-state predicate, and hand it to Run. This keeps the
// pipeline itself — the part spec §4.9 says "implementers must
// reproduce every step" — written exactly once.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/storaged-project/udisks-sub005/pkg/errors"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
)

// DefaultWaitTimeout is the "default 15-second timeout" spec §4.9 step
// 9 assigns to every wait-for-graph call.
const DefaultWaitTimeout = 15 * time.Second

// Wait is the post-state predicate a Call waits on after its job
// completes (spec §4.9 step 9). Implementations close over the
// identity(ies) they expect to appear or disappear; WaitForAppear and
// WaitForDisappear below cover the common cases, and logins/logouts
// compose two Waits (spec §4.9: "logout waits for both Block and
// Session to disappear; login waits for both to appear").
type Wait func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error

// PublishJob exports a running Job as a bus Object and returns the func
// that retracts it; internal/busexport's Publisher binds this without
// dispatch needing to know anything about D-Bus.
type PublishJob func(job *jobs.Job) func()

// WaitForAppear waits until an object with key exists.
func WaitForAppear(key objectgraph.Key) Wait {
	return func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
		_, err := g.WaitFor(ctx, objectgraph.ByKeyPredicate(key), ttl)
		return err
	}
}

// WaitForDisappear waits until no object with key exists.
func WaitForDisappear(key objectgraph.Key) Wait {
	return func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
		return g.WaitForDisappear(ctx, key, ttl)
	}
}

// WaitAll composes multiple Waits, all of which must succeed within the
// shared ttl (spec §4.9 step 9's login/logout cases).
func WaitAll(waits ...Wait) Wait {
	return func(ctx context.Context, g *objectgraph.Graph, ttl time.Duration) error {
		deadline := time.Now().Add(ttl)
		for _, w := range waits {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			if err := w(ctx, g, remaining); err != nil {
				return err
			}
		}
		return nil
	}
}

// Call describes one mutating method invocation (spec §4.9 steps 1-10).
type Call struct {
	// ObjectKey is the enclosing Object's identity (step 1). Resolution
	// fails with Failed if the object was just unpublished.
	ObjectKey objectgraph.Key
	Graph     *objectgraph.Graph

	// Policy is consulted with PolicyRequest before anything mutates
	// (step 4).
	Policy        policy.Oracle
	PolicyRequest policy.Request

	// GatewayLib, if non-empty, is the External-Library Gateway mutex
	// acquired for the duration of Invoke (step 5/7). Empty means the
	// operation needs no gateway serialization.
	Gateway    *gateway.Gateway
	GatewayLib gateway.Library

	// Pool, JobKind, CallerUID, and Invoke launch the sync-wait
	// Threaded Job (step 6).
	Pool      *jobs.Pool
	JobKind   jobs.Kind
	CallerUID uint32
	Invoke    jobs.ThreadedFunc

	// PublishJob, if set, publishes the Job as a bus Object for the
	// duration of its run (spec §4.8 "Jobs are published as Objects on
	// the bus") and is called to unpublish it once Run returns.
	PublishJob PublishJob

	// TranslateError maps a failed Job outcome to a typed BusError
	// (step 8); if nil, a plain Failed error carrying the outcome
	// message is used.
	TranslateError func(outcome jobs.Outcome) error

	// WaitFor is the post-state predicate (step 9); nil means no wait
	// is required (e.g. a property-only update).
	WaitFor Wait
	// WaitTTL overrides DefaultWaitTimeout when non-zero.
	WaitTTL time.Duration
}

// Run executes Call's full pipeline and returns nil on success or the
// single typed error the method call completes with (spec §4.9 "Every
// mutating method completes exactly once with either the declared
// success completion or a single typed error; no partial replies").
func Run(ctx context.Context, call Call) error {
	// Step 1: resolve the enclosing object.
	if _, ok := call.Graph.Get(call.ObjectKey); !ok {
		return errors.NewBusError(errors.Failed, fmt.Sprintf("object %s no longer published", call.ObjectKey))
	}

	// Step 4: policy consultation.
	if call.Policy != nil {
		if err := policy.Authorize(ctx, call.Policy, call.PolicyRequest); err != nil {
			return err
		}
	}

	// Steps 5-7: gateway-locked sync-wait Threaded Job.
	job := jobs.New(ctx, call.JobKind, call.CallerUID)
	if call.PublishJob != nil {
		unpublish := call.PublishJob(job)
		defer unpublish()
	}
	var outcome jobs.Outcome
	var runErr error
	runJob := func() error {
		outcome, runErr = jobs.RunThreadedSync(ctx, call.Pool, job, call.Invoke)
		return runErr
	}
	if call.Gateway != nil && call.GatewayLib != "" {
		if err := call.Gateway.Call(call.GatewayLib, runJob); err != nil {
			return errors.Wrap(errors.Failed, err)
		}
	} else if err := runJob(); err != nil {
		return errors.Wrap(errors.Failed, err)
	}

	// Step 8: translate the job outcome to a typed error.
	if !outcome.Success {
		if call.TranslateError != nil {
			return call.TranslateError(outcome)
		}
		return errors.NewBusError(errors.Failed, outcome.Message)
	}

	// Step 9: wait for the expected post-state.
	if call.WaitFor != nil {
		ttl := call.WaitTTL
		if ttl == 0 {
			ttl = DefaultWaitTimeout
		}
		if err := call.WaitFor(ctx, call.Graph, ttl); err != nil {
			return fmt.Errorf("%s: %w", call.JobKind, err)
		}
	}

	return nil
}
