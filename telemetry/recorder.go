// SPDX-License-Identifier: AGPL-3.0-or-later
package telemetry

import (
	"github.com/coppercut/pcbmill/grbl"
)

// Time series keys populated by Recorder.
const (
	KeyMachineX    = "machine.x"
	KeyMachineY    = "machine.y"
	KeyMachineZ    = "machine.z"
	KeyBufferUsed  = "buffer.used"
	KeyStatusTag   = "status" // PSDB tag for Status snapshots
	KeyOverrideTag = "overrides"
)

// Recorder mirrors a grbl.Driver's event stream into a TSDB (numeric
// series) and a PSDB (tagged snapshots), so the api package's /query-ts
// and diagnostics endpoints have something to read without the driver
// itself needing to know about telemetry storage.
type Recorder struct {
	ts   *TSDB
	ps   *PSDB[grbl.Status]
	ov   *PSDB[grbl.Overrides]
	sub  <-chan grbl.Event
	unsub func()
	done chan struct{}
}

// NewRecorder subscribes to driver and starts mirroring events in a
// background goroutine; call Stop to unsubscribe and exit the goroutine.
func NewRecorder(driver *grbl.Driver, ts *TSDB) *Recorder {
	sub, unsub := driver.Subscribe(64)
	r := &Recorder{
		ts:    ts,
		ps:    NewPSDB[grbl.Status](),
		ov:    NewPSDB[grbl.Overrides](),
		sub:   sub,
		unsub: unsub,
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	for {
		select {
		case ev := <-r.sub:
			switch ev.Kind {
			case grbl.EventPositionChanged:
				r.ts.Insert(KeyMachineX, ev.Time, ev.Position.X)
				r.ts.Insert(KeyMachineY, ev.Time, ev.Position.Y)
				r.ts.Insert(KeyMachineZ, ev.Time, ev.Position.Z)
			case grbl.EventBufferChanged:
				r.ts.Insert(KeyBufferUsed, ev.Time, ev.BufferUsed)
			case grbl.EventStatusChanged:
				r.ps.Add(KeyStatusTag, ev.Status, ev.Time)
			case grbl.EventOverridesChanged:
				r.ov.Add(KeyOverrideTag, ev.Overrides, ev.Time)
			}
		case <-r.done:
			return
		}
	}
}

// LatestStatus returns the n most recent status snapshots, latest-first.
func (r *Recorder) LatestStatus(n int) []Snapshot[grbl.Status] {
	return r.ps.Latest(KeyStatusTag, n)
}

// LatestOverrides returns the n most recent override snapshots, latest-first.
func (r *Recorder) LatestOverrides(n int) []Snapshot[grbl.Overrides] {
	return r.ov.Latest(KeyOverrideTag, n)
}

// Stop unsubscribes from the driver and exits the background goroutine.
func (r *Recorder) Stop() {
	r.unsub()
	close(r.done)
}
