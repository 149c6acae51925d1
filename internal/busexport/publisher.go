// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package busexport

import (
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/go-logr/logr"

	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
)

const ifaceJob = "org.storaged.Storaged.Job"

// Publisher exports Object Graph entries onto conn and records the
// assigned path back into the graph (spec §4.3 interface composition
// "absent -> present: construct, call connect once, call update,
// publish").
type Publisher struct {
	conn   *dbus.Conn
	logger logr.Logger
	graph  *objectgraph.Graph
	jobSeq atomic.Uint64
}

// NewPublisher binds a Publisher to an established bus connection and
// the Object Graph whose Upsert/Remove calls drive what gets exported.
func NewPublisher(conn *dbus.Conn, logger logr.Logger, graph *objectgraph.Graph) *Publisher {
	return &Publisher{conn: conn, logger: logger.WithName("busexport"), graph: graph}
}

// ExportMethods exports a method table at path under iface, the
// uniform entry point every kind-specific publish function uses.
func (p *Publisher) ExportMethods(path dbus.ObjectPath, iface string, methods map[string]interface{}) error {
	if err := p.conn.ExportMethodTable(methods, path, iface); err != nil {
		return fmt.Errorf("export methods at %s/%s: %w", path, iface, err)
	}
	return nil
}

// ExportProperties exports a property set at path, returning the
// *prop.Properties handle used to push Set/Get notifications as the
// underlying Object's Update recomputes attributes (spec §4.3
// "present -> present: call update only").
func (p *Publisher) ExportProperties(path dbus.ObjectPath, props prop.Properties) (*prop.Properties, error) {
	exported, err := prop.Export(p.conn, path, props)
	if err != nil {
		return nil, fmt.Errorf("export properties at %s: %w", path, err)
	}
	return exported, nil
}

// MarkPublished records path on the graph entry for key, completing
// the absent->present transition (spec §4.3).
func (p *Publisher) MarkPublished(key objectgraph.Key, path dbus.ObjectPath) {
	p.graph.SetPath(key, string(path))
}

// Unpublish removes every interface this package may have exported at
// path. godbus has no bulk "unexport everything at path" call, so each
// kind-specific publish function is responsible for calling
// conn.Export(nil, path, iface) per interface it registered; Unpublish
// is the shared helper that does so.
func (p *Publisher) Unpublish(path dbus.ObjectPath, ifaces ...string) {
	for _, iface := range ifaces {
		if err := p.conn.Export(nil, path, iface); err != nil {
			p.logger.Error(err, "unexport failed", "path", path, "interface", iface)
		}
	}
}

// PublishJob exports job as a Job Object at a freshly assigned path for
// the duration of its run (spec §4.8 "Jobs are published as Objects on
// the bus"; spec §8 "Long operations publish a Job Object whose
// properties reflect progress and final status"). The returned func
// unpublishes it; dispatch.Run calls it once the job completes.
func (p *Publisher) PublishJob(job *jobs.Job) func() {
	path := JobPath(p.jobSeq.Add(1))
	progress, progressValid := job.Progress()
	props := prop.Properties{
		ifaceJob: {
			"Operation":     {Value: string(job.Kind), Writable: false, Emit: prop.EmitTrue},
			"CallerUID":     {Value: job.CallerUID, Writable: false, Emit: prop.EmitTrue},
			"ProgressValid": {Value: progressValid, Writable: false, Emit: prop.EmitTrue},
			"Progress":      {Value: progress, Writable: false, Emit: prop.EmitTrue},
		},
	}
	if _, err := p.ExportProperties(path, props); err != nil {
		p.logger.Error(err, "publish job object failed", "path", path)
		return func() {}
	}
	return func() { p.Unpublish(path, ifaceJob) }
}

// CallerUID resolves the uid of the process that owns sender on the
// bus (spec §4.9 step 2 "Look up the caller uid via the bus"), via the
// standard org.freedesktop.DBus.GetConnectionUnixUser call.
func (p *Publisher) CallerUID(sender dbus.Sender) (uint32, error) {
	var uid uint32
	obj := p.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	call := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender))
	if call.Err != nil {
		return 0, fmt.Errorf("resolve caller uid for %s: %w", sender, call.Err)
	}
	if err := call.Store(&uid); err != nil {
		return 0, fmt.Errorf("decode caller uid: %w", err)
	}
	return uid, nil
}
