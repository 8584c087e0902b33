// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"sync"
	"time"

	"github.com/coppercut/pcbmill/gcode"
)

// EventKind tags the coarse event stream. Per spec §9, the core favors one
// coarse Event per component over fine-grained multicast delegates; each
// subscriber keeps its own projection rather than reacting from inside a
// shared callback.
type EventKind int

const (
	EventPositionChanged EventKind = iota
	EventStatusChanged
	EventModeChanged
	EventBufferChanged
	EventPinsChanged
	EventOverridesChanged
	EventWorkOffsetChanged
	EventProbeFinished
	EventConnectionStateChanged
	EventError
	EventInfo
)

// Event is a tagged union of driver outcomes. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind
	Time time.Time

	Position   gcode.Vector3
	WorkOffset gcode.Vector3
	Status     Status
	Mode       OperatingMode
	BufferUsed int
	Pins       Pins
	Overrides  Overrides
	Probe      ProbeResult
	Connected  bool
	Err        error
	Info       string
}

// eventBus fans out events to subscribers outside any state lock, so a slow
// or reentrant subscriber can never deadlock the worker.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel of future events and a function to
// unsubscribe. The channel is never closed by the bus; callers stop reading
// after calling the returned cancel func.
func (b *eventBus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	chans := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the worker. Each
			// subscriber is expected to maintain its own projection and can
			// recover via a snapshot getter on the driver.
		}
	}
}
