// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coppercut/pcbmill/gcode"
)

// OperatingMode is the driver's current intent.
type OperatingMode int

const (
	ModeManual OperatingMode = iota
	ModeSendFile
	ModeProbe
	ModeSendMacro
	ModeDisconnected
)

func (m OperatingMode) String() string {
	switch m {
	case ModeManual:
		return "Manual"
	case ModeSendFile:
		return "SendFile"
	case ModeProbe:
		return "Probe"
	case ModeSendMacro:
		return "SendMacro"
	case ModeDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Realtime single-byte commands, per spec §6.
const (
	rtStatusQuery  = '?'
	rtFeedHold     = '!'
	rtCycleStart   = '~'
	rtSoftReset    = 0x18
	rtJogCancel    = 0x85
	rtFeedReset    = 0x90
	rtFeedInc10    = 0x91
	rtFeedDec10    = 0x92
	rtRapidReset   = 0x95
	rtRapidHalf    = 0x96
	rtRapidQuarter = 0x97
	rtSpindleReset = 0x99
	rtSpindleInc10 = 0x9A
	rtSpindleDec10 = 0x9B
)

// Config holds the driver's tunables, all with the defaults spec.md names.
type Config struct {
	ControllerBufferSize int           // default 128
	StatusPollInterval   time.Duration // default ~200ms
	MinFirmwareVersion   string        // default "1.1f"
	ProbeOffset          gcode.Vector2 // added to reported probe machine pos to derive work pos
	ParseErrorGrace      time.Duration // suppress "bad status" logging for this long after connect
}

func DefaultConfig() Config {
	return Config{
		ControllerBufferSize: 128,
		StatusPollInterval:   200 * time.Millisecond,
		MinFirmwareVersion:   "1.1f",
		ParseErrorGrace:      200 * time.Millisecond,
	}
}

// state is the observable driver state, guarded by mu. Fields are read via
// snapshot getters; writes only ever happen on the worker goroutine.
type state struct {
	mu sync.RWMutex

	machinePos gcode.Vector3
	workOffset gcode.Vector3
	status     Status
	mode       OperatingMode
	distance   DistanceMode
	unit       Unit
	plane      ArcPlane
	bufferUsed int
	pins       Pins
	overrides  Overrides
	file       *gcode.File
	filePos    int
	tlo        float64
	lastProbe  ProbeResult
	connected  bool
	homing     bool
	homed      bool
}

// LineRecorder receives every line written to or read from the link, for
// diagnostics. Satisfied structurally by *telemetry.LineDB; the driver
// only depends on this narrow interface so grbl never imports telemetry.
type LineRecorder interface {
	AddLine(lineNum int, dir string, content string) time.Time
}

// Driver is the GRBL protocol state machine: it parses responses, tracks
// buffer accounting, runs the RX/TX worker, and exposes commands and
// observable state to the rest of the control plane.
type Driver struct {
	cfg Config
	st  state
	bus *eventBus

	link Link

	priorityCh chan byte
	normalQ    *lineQueue
	macroQ     *lineQueue
	sent       sentQueue

	workerDone chan struct{}
	stopWorker chan struct{}
	stopOnce   sync.Once

	recorder  LineRecorder
	sentLines int
	recvLines int
}

// SetLineRecorder attaches a sink for the raw wire-level session log.
// Must be called before Connect; nil disables recording.
func (d *Driver) SetLineRecorder(r LineRecorder) { d.recorder = r }

func New(cfg Config) *Driver {
	if cfg.ControllerBufferSize <= 0 {
		cfg.ControllerBufferSize = 128
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 200 * time.Millisecond
	}
	if cfg.MinFirmwareVersion == "" {
		cfg.MinFirmwareVersion = "1.1f"
	}
	if cfg.ParseErrorGrace <= 0 {
		cfg.ParseErrorGrace = 200 * time.Millisecond
	}
	d := &Driver{
		cfg:        cfg,
		bus:        newEventBus(),
		priorityCh: make(chan byte, 16),
		normalQ:    &lineQueue{},
		macroQ:     &lineQueue{},
	}
	d.st.mode = ModeDisconnected
	d.st.status = Status{Variant: StatusDisconnected}
	return d
}

func (d *Driver) Subscribe(buffer int) (<-chan Event, func()) {
	return d.bus.Subscribe(buffer)
}

// Connect starts the worker goroutine over link. It is idempotent: calling
// it while already connected is a no-op error.
func (d *Driver) Connect(link Link) error {
	d.st.mu.Lock()
	if d.st.connected {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "already connected", nil)
	}
	d.st.connected = true
	d.st.mode = ModeManual
	d.st.status = Status{Variant: StatusIdle}
	d.st.homing = false
	d.st.homed = false
	d.st.mu.Unlock()

	d.link = link
	d.normalQ.clear()
	d.macroQ.clear()
	d.sent.clear()
	d.workerDone = make(chan struct{})
	d.stopWorker = make(chan struct{})
	d.stopOnce = sync.Once{}
	d.sentLines = 0
	d.recvLines = 0

	go d.runWorker()
	return nil
}

// Disconnect tears down the worker and releases the link. The wait for the
// worker to exit is bounded at 2 seconds, so a call from inside the worker
// goroutine itself returns after that timeout instead of deadlocking.
func (d *Driver) Disconnect() {
	d.stopOnce.Do(func() {
		if d.stopWorker != nil {
			close(d.stopWorker)
		}
	})
	if d.workerDone != nil {
		// If called from within the worker goroutine, workerDone will never
		// fire from outside; the worker's own defer handles its state.
		select {
		case <-d.workerDone:
		case <-time.After(2 * time.Second):
		}
	}
}

func (d *Driver) markDisconnected() {
	d.st.mu.Lock()
	wasConnected := d.st.connected
	d.st.connected = false
	d.st.mode = ModeDisconnected
	d.st.status = Status{Variant: StatusDisconnected}
	d.st.homing = false
	d.st.homed = false
	d.st.mu.Unlock()
	if wasConnected {
		if d.link != nil {
			d.link.Close()
		}
		d.bus.publish(Event{Kind: EventConnectionStateChanged, Time: time.Now(), Connected: false})
	}
}

// --- Command surface. All are idempotent and safe from any goroutine. ---

func (d *Driver) SendLine(line string) error {
	d.st.mu.RLock()
	mode := d.st.mode
	d.st.mu.RUnlock()
	if mode != ModeManual && mode != ModeProbe {
		return newErr(KindWorkflowPrecondition, "send_line only valid in Manual or Probe mode", nil)
	}
	d.normalQ.push(strings.TrimSpace(line))
	return nil
}

func (d *Driver) SendMacroLines(lines []string) error {
	d.st.mu.Lock()
	if d.st.mode != ModeManual {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "send_macro_lines only valid in Manual mode", nil)
	}
	d.st.mode = ModeSendMacro
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeSendMacro})

	d.macroQ.clear()
	for _, l := range lines {
		d.macroQ.push(strings.TrimSpace(l))
	}
	return nil
}

func (d *Driver) SetFile(file *gcode.File) error {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	if d.st.mode == ModeSendFile {
		return newErr(KindWorkflowPrecondition, "cannot set_file while SendFile in progress", nil)
	}
	d.st.file = file
	d.st.filePos = 0
	return nil
}

func (d *Driver) ClearFile() error {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	if d.st.mode == ModeSendFile {
		return newErr(KindWorkflowPrecondition, "cannot clear_file while SendFile in progress", nil)
	}
	d.st.file = nil
	d.st.filePos = 0
	return nil
}

func (d *Driver) FileStart() error {
	d.st.mu.Lock()
	if d.st.file == nil {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "no file loaded", nil)
	}
	if d.st.filePos >= len(d.st.file.Lines) {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "file already at end", nil)
	}
	d.st.mode = ModeSendFile
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeSendFile})
	return nil
}

func (d *Driver) FilePause() error {
	d.st.mu.Lock()
	if d.st.mode != ModeSendFile {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "not streaming a file", nil)
	}
	d.st.mode = ModeManual
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeManual})
	return nil
}

func (d *Driver) FileGoto(line int) error {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	if d.st.mode == ModeSendFile {
		return newErr(KindWorkflowPrecondition, "cannot seek while SendFile in progress", nil)
	}
	if d.st.file == nil || line < 0 || line > len(d.st.file.Lines) {
		return newErr(KindWorkflowPrecondition, fmt.Sprintf("invalid file line %d", line), nil)
	}
	d.st.filePos = line
	return nil
}

func (d *Driver) ProbeStart() error {
	d.st.mu.Lock()
	if d.st.mode != ModeManual {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "probe_start only valid in Manual mode", nil)
	}
	d.st.mode = ModeProbe
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeProbe})
	return nil
}

func (d *Driver) ProbeStop() error {
	d.st.mu.Lock()
	if d.st.mode != ModeProbe {
		d.st.mu.Unlock()
		return newErr(KindWorkflowPrecondition, "not in Probe mode", nil)
	}
	d.st.mode = ModeManual
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeManual})
	return nil
}

func (d *Driver) SoftReset() { d.sendPriority(rtSoftReset) }
func (d *Driver) FeedHold()  { d.sendPriority(rtFeedHold) }
func (d *Driver) CycleStart() { d.sendPriority(rtCycleStart) }
func (d *Driver) JogCancel() { d.sendPriority(rtJogCancel) }
func (d *Driver) StatusQuery() { d.sendPriority(rtStatusQuery) }

func (d *Driver) OverrideFeedIncrement() { d.sendPriority(rtFeedInc10) }
func (d *Driver) OverrideFeedDecrement() { d.sendPriority(rtFeedDec10) }
func (d *Driver) OverrideFeedReset()     { d.sendPriority(rtFeedReset) }
func (d *Driver) OverrideRapidFull()     { d.sendPriority(rtRapidReset) }
func (d *Driver) OverrideRapidHalf()     { d.sendPriority(rtRapidHalf) }
func (d *Driver) OverrideRapidQuarter()  { d.sendPriority(rtRapidQuarter) }
func (d *Driver) OverrideSpindleIncrement() { d.sendPriority(rtSpindleInc10) }
func (d *Driver) OverrideSpindleDecrement() { d.sendPriority(rtSpindleDec10) }
func (d *Driver) OverrideSpindleReset()     { d.sendPriority(rtSpindleReset) }

func (d *Driver) sendPriority(b byte) {
	select {
	case d.priorityCh <- b:
	default:
		slog.Warn("priority channel full, dropping realtime command", "byte", b)
	}
}

// Jog enqueues a $J incremental jog command on the normal queue.
func (d *Driver) Jog(axis byte, distance float64, feed float64) error {
	axis = byte(strings.ToUpper(string(axis))[0])
	line := fmt.Sprintf("$J=G91 F%g %c%g", feed, axis, distance)
	return d.SendLine(line)
}

// --- Snapshot getters ---

func (d *Driver) MachinePosition() gcode.Vector3 {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.machinePos
}

func (d *Driver) WorkOffset() gcode.Vector3 {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.workOffset
}

func (d *Driver) WorkPosition() gcode.Vector3 {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.machinePos.Sub(d.st.workOffset)
}

func (d *Driver) CurrentStatus() Status {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.status
}

func (d *Driver) Mode() OperatingMode {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.mode
}

func (d *Driver) BufferInUse() int {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.bufferUsed
}

func (d *Driver) PinStates() Pins {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.pins
}

func (d *Driver) OverrideStates() Overrides {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.overrides
}

func (d *Driver) FilePosition() int {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.filePos
}

func (d *Driver) File() *gcode.File {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.file
}

func (d *Driver) ToolLengthOffset() float64 {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.tlo
}

func (d *Driver) LastProbe() ProbeResult {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.lastProbe
}

func (d *Driver) Connected() bool {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.connected
}

// IsHoming reports whether a homing cycle ($H) is currently in flight.
func (d *Driver) IsHoming() bool {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.homing
}

// IsHomed reports whether the machine has completed a homing cycle since
// connecting. It is cleared on every Connect/Disconnect, since a fresh GRBL
// boot loses its position reference.
func (d *Driver) IsHomed() bool {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	return d.st.homed
}

// SetHoming marks a homing cycle as started or finished. Called by
// wait.Wait.Home around the $H command; exported so the homing sequencer
// (which owns the retry/timeout policy) can drive the observable state GRBL
// itself does not report.
func (d *Driver) SetHoming(homing bool) {
	d.st.mu.Lock()
	d.st.homing = homing
	d.st.mu.Unlock()
}

// SetHomed records the outcome of a homing cycle. Called by wait.Wait.Home
// once $H has settled.
func (d *Driver) SetHomed(homed bool) {
	d.st.mu.Lock()
	d.st.homed = homed
	d.st.homing = false
	d.st.mu.Unlock()
}

// --- Worker loop ---

func (d *Driver) runWorker() {
	defer close(d.workerDone)
	defer d.markDisconnected()

	connectedAt := time.Now()
	lastPoll := time.Now()
	statusSeenSinceLastMacro := false

	for {
		select {
		case <-d.stopWorker:
			return
		default:
		}

		// 1. Drain priority queue.
		drained := true
		for drained {
			select {
			case b := <-d.priorityCh:
				if err := d.link.WriteBytes([]byte{b}); err != nil {
					slog.Error("failed to write priority byte", "error", err)
				}
			default:
				drained = false
			}
		}

		// 2. Dispatch next line, chosen by mode.
		d.dispatchNext(&statusSeenSinceLastMacro)

		// 3. Poll status on interval.
		if time.Since(lastPoll) >= d.cfg.StatusPollInterval {
			d.sendPriority(rtStatusQuery)
			lastPoll = time.Now()
		}

		// 4. Read a response if available.
		line, ok, err := d.link.ReadLine(2 * time.Millisecond)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("link closed, disconnecting")
				return
			}
			slog.Error("link read error, disconnecting", "error", err)
			return
		}
		if ok {
			trimmed := strings.TrimSpace(line)
			if d.recorder != nil {
				d.recvLines++
				d.recorder.AddLine(d.recvLines, "down", trimmed)
			}
			d.handleLine(trimmed, connectedAt, &statusSeenSinceLastMacro)
		}

		// 5. Brief sleep.
		time.Sleep(500 * time.Microsecond)
	}
}

func (d *Driver) dispatchNext(statusSeenSinceLastMacro *bool) {
	d.st.mu.Lock()
	mode := d.st.mode
	bufferAvail := d.cfg.ControllerBufferSize - d.st.bufferUsed
	var candidate string
	var haveCandidate bool
	var isFileLine bool

	switch mode {
	case ModeSendFile:
		if d.st.file != nil && d.st.filePos < len(d.st.file.Lines) {
			candidate = d.st.file.Lines[d.st.filePos]
			haveCandidate = true
			isFileLine = true
		}
	case ModeSendMacro:
		idleAndEmpty := d.st.status.Variant == StatusIdle && d.st.bufferUsed == 0
		if idleAndEmpty && *statusSeenSinceLastMacro {
			if l, ok := d.macroQ.peek(); ok {
				candidate, haveCandidate = l, true
			}
		}
	default:
		if l, ok := d.normalQ.peek(); ok {
			candidate, haveCandidate = l, true
		}
	}

	if !haveCandidate {
		d.st.mu.Unlock()
		return
	}
	trimmed := strings.TrimSpace(candidate)
	if len(trimmed)+1 > bufferAvail {
		d.st.mu.Unlock()
		return
	}

	// Commit the dispatch under the lock so buffer accounting stays atomic
	// with the source-queue pop.
	switch mode {
	case ModeSendFile:
		d.st.filePos++
	case ModeSendMacro:
		d.macroQ.pop()
		*statusSeenSinceLastMacro = false
	default:
		d.normalQ.pop()
	}
	d.st.bufferUsed += len(trimmed) + 1
	d.sent.push(len(trimmed) + 1)

	pauseThisLine := false
	if isFileLine {
		pauseThisLine = d.st.file.PauseLines[d.st.filePos-1]
		if pauseThisLine {
			d.st.mode = ModeManual
		} else if d.st.filePos == len(d.st.file.Lines) {
			d.st.mode = ModeManual
		}
	}
	newMode := d.st.mode
	bufferUsed := d.st.bufferUsed
	d.st.mu.Unlock()

	if err := d.link.WriteBytes([]byte(trimmed + "\n")); err != nil {
		slog.Error("failed to write line", "line", trimmed, "error", err)
	}
	if d.recorder != nil {
		d.sentLines++
		d.recorder.AddLine(d.sentLines, "up", trimmed)
	}
	d.bus.publish(Event{Kind: EventBufferChanged, Time: time.Now(), BufferUsed: bufferUsed})
	if isFileLine && (pauseThisLine || newMode == ModeManual) {
		d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: newMode})
	}
}

func (d *Driver) handleLine(line string, connectedAt time.Time, statusSeenSinceLastMacro *bool) {
	if line == "" {
		return
	}
	switch {
	case line == "ok":
		d.creditOk(connectedAt)
	case strings.HasPrefix(line, "error:"):
		d.creditError(line, connectedAt)
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		d.applyStatusReport(line, connectedAt)
		*statusSeenSinceLastMacro = true
	case strings.HasPrefix(line, "[PRB:"):
		d.applyProbeReport(line, connectedAt)
	case strings.HasPrefix(line, "[TLO:"):
		if v, ok := ParseTLOReport(line); ok {
			d.st.mu.Lock()
			d.st.tlo = v
			d.st.mu.Unlock()
		}
	case strings.HasPrefix(line, "[GC:"):
		d.applyGCodeState(line, connectedAt)
	case strings.HasPrefix(line, "["):
		// Other bracketed line: informational.
		d.bus.publish(Event{Kind: EventInfo, Time: time.Now(), Info: line})
	case strings.HasPrefix(line, "ALARM:"):
		d.handleAlarm(line)
	case strings.HasPrefix(strings.ToLower(line), "grbl"):
		d.handleBanner(line)
	default:
		d.bus.publish(Event{Kind: EventInfo, Time: time.Now(), Info: line})
	}
}

func (d *Driver) creditOk(connectedAt time.Time) {
	n, ok := d.sent.pop()
	if !ok {
		d.handleUnsolicitedCredit(connectedAt)
		return
	}
	d.st.mu.Lock()
	d.st.bufferUsed -= n
	if d.st.bufferUsed < 0 {
		d.st.bufferUsed = 0
	}
	used := d.st.bufferUsed
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventBufferChanged, Time: time.Now(), BufferUsed: used})
}

func (d *Driver) creditError(line string, connectedAt time.Time) {
	n, ok := d.sent.pop()
	if ok {
		d.st.mu.Lock()
		d.st.bufferUsed -= n
		if d.st.bufferUsed < 0 {
			d.st.bufferUsed = 0
		}
		used := d.st.bufferUsed
		d.st.mode = ModeManual
		d.st.mu.Unlock()
		d.bus.publish(Event{Kind: EventBufferChanged, Time: time.Now(), BufferUsed: used})
		d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeManual})
		d.bus.publish(Event{Kind: EventError, Time: time.Now(), Err: newErr(KindControllerError, line, nil)})
		return
	}
	// Empty sent queue: within the post-connect grace window this is GRBL's
	// own startup noise (banner/reset acks), not a genuine desync, so it is
	// suppressed the same way logParseIssue suppresses parse failures.
	if time.Since(connectedAt) < d.cfg.ParseErrorGrace {
		return
	}
	d.handleUnsolicitedCredit(connectedAt)
	d.st.mu.Lock()
	d.st.mode = ModeManual
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeManual})
	d.bus.publish(Event{Kind: EventError, Time: time.Now(), Err: newErr(KindControllerError, line, nil)})
}

// handleUnsolicitedCredit implements the >200ms desync recovery: an ok/error
// with an empty sent queue forces bufferInUse to zero. Within
// ParseErrorGrace of connectedAt this is suppressed entirely, since GRBL's
// startup banner can emit acks before the sent queue has anything queued.
func (d *Driver) handleUnsolicitedCredit(connectedAt time.Time) {
	if time.Since(connectedAt) < d.cfg.ParseErrorGrace {
		return
	}
	d.st.mu.Lock()
	d.st.bufferUsed = 0
	d.st.mu.Unlock()
	slog.Warn("unsolicited ok/error with empty sent queue; resetting bufferInUse to 0")
}

func (d *Driver) applyStatusReport(line string, connectedAt time.Time) {
	report, err := ParseStatusReport(line)
	if err != nil {
		d.logParseIssue(connectedAt, "bad status report", line, err)
		return
	}

	d.st.mu.Lock()
	var events []Event
	now := time.Now()

	if report.Status != d.st.status {
		d.st.status = report.Status
		events = append(events, Event{Kind: EventStatusChanged, Time: now, Status: report.Status})
	}
	if report.HasWCO {
		d.st.workOffset = report.WCO
		events = append(events, Event{Kind: EventWorkOffsetChanged, Time: now, WorkOffset: report.WCO})
	}
	if report.HasMachinePos {
		d.st.machinePos = report.MachinePos
		events = append(events, Event{Kind: EventPositionChanged, Time: now, Position: d.st.machinePos})
	} else if report.HasWorkPos {
		d.st.machinePos = report.WorkPos.Add(d.st.workOffset)
		events = append(events, Event{Kind: EventPositionChanged, Time: now, Position: d.st.machinePos})
	}
	if report.HasOverrides && report.Overrides != d.st.overrides {
		d.st.overrides = report.Overrides
		events = append(events, Event{Kind: EventOverridesChanged, Time: now, Overrides: report.Overrides})
	}
	if report.HasBuffer {
		used := d.cfg.ControllerBufferSize - report.BufAvail
		if used != d.st.bufferUsed {
			d.st.bufferUsed = used
			events = append(events, Event{Kind: EventBufferChanged, Time: now, BufferUsed: used})
		}
	}
	if report.HasPins && report.Pins != d.st.pins {
		d.st.pins = report.Pins
		events = append(events, Event{Kind: EventPinsChanged, Time: now, Pins: report.Pins})
	}
	d.st.mu.Unlock()

	for _, ev := range events {
		d.bus.publish(ev)
	}
}

func (d *Driver) applyProbeReport(line string, connectedAt time.Time) {
	report, err := ParseProbeReport(line)
	if err != nil {
		d.logParseIssue(connectedAt, "bad probe report", line, err)
		return
	}

	d.st.mu.Lock()
	workPos := report.MachinePos.Sub(d.st.workOffset).Add(gcode.Vector3{X: d.cfg.ProbeOffset.X, Y: d.cfg.ProbeOffset.Y})
	result := ProbeResult{MachinePos: report.MachinePos, WorkPos: workPos, Success: report.Success}
	d.st.lastProbe = result
	d.st.mu.Unlock()

	d.bus.publish(Event{Kind: EventProbeFinished, Time: time.Now(), Probe: result})
}

func (d *Driver) applyGCodeState(line string, connectedAt time.Time) {
	state, err := ParseGCodeState(line)
	if err != nil {
		d.logParseIssue(connectedAt, "bad gcode state", line, err)
		return
	}
	d.st.mu.Lock()
	if state.HasDistanceMode {
		d.st.distance = state.DistanceMode
	}
	if state.HasUnit {
		d.st.unit = state.Unit
	}
	if state.HasPlane {
		d.st.plane = state.Plane
	}
	d.st.mu.Unlock()
}

func (d *Driver) handleAlarm(line string) {
	d.normalQ.clear()
	d.macroQ.clear()
	d.st.mu.Lock()
	d.st.mode = ModeManual
	d.st.mu.Unlock()
	d.bus.publish(Event{Kind: EventModeChanged, Time: time.Now(), Mode: ModeManual})
	d.bus.publish(Event{Kind: EventError, Time: time.Now(), Err: newErr(KindControllerAlarm, line, nil)})
}

func (d *Driver) handleBanner(line string) {
	ok := checkFirmwareVersion(line, d.cfg.MinFirmwareVersion)
	if !ok {
		d.bus.publish(Event{Kind: EventError, Time: time.Now(), Err: newErr(KindProtocol, "firmware banner below minimum version: "+line, nil)})
		return
	}
	d.bus.publish(Event{Kind: EventInfo, Time: time.Now(), Info: line})
}

func (d *Driver) logParseIssue(connectedAt time.Time, msg, line string, err error) {
	if time.Since(connectedAt) < d.cfg.ParseErrorGrace {
		return
	}
	slog.Warn(msg, "line", line, "error", err)
	d.bus.publish(Event{Kind: EventInfo, Time: time.Now(), Info: msg + ": " + line})
}

// checkFirmwareVersion does a lexical compare of the banner's version token
// against min (e.g. "1.1f" >= "1.1f"). Banners below this are rejected.
func checkFirmwareVersion(banner, min string) bool {
	fields := strings.Fields(banner)
	if len(fields) < 2 {
		return true // can't tell; don't block on an unparsable banner
	}
	version := fields[1]
	return version >= min
}
