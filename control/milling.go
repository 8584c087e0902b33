// SPDX-License-Identifier: AGPL-3.0-or-later
package control

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coppercut/pcbmill/gcode"
	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/wait"
)

const toolInfoSearchLines = 10

// MillingOptions configures a single MillingController run.
type MillingOptions struct {
	RequireHoming         bool
	MillStartSafetyZ      float64       // machine Z, typically -1
	MillCompleteZ         float64       // machine Z, after streaming ends
	ClearanceZ            float64       // machine Z, used by cleanup
	DepthAdjustment       float64       // WCS Z offset; positive = shallower
	SettleCount           int           // default 5
	SettleInterval        time.Duration // default 1s
	IdleSettle            time.Duration // default 1s
	HomingTimeout         time.Duration
	CuttingDepthThreshold float64 // default 0.1mm, work Z below this is "cutting"
}

func DefaultMillingOptions() MillingOptions {
	return MillingOptions{
		MillStartSafetyZ:      -1,
		MillCompleteZ:         -1,
		ClearanceZ:            -10,
		SettleCount:           5,
		SettleInterval:        time.Second,
		IdleSettle:            time.Second,
		HomingTimeout:         60 * time.Second,
		CuttingDepthThreshold: 0.1,
	}
}

// ToolChangeInfo is emitted when the milling controller detects an M6 line.
type ToolChangeInfo struct {
	ToolNumber    int
	ToolName      string
	ReturnPosWork gcode.Vector3
	LineNumber    int
}

// CuttingCell is a deduplicated (x,y) visited while the work Z is below the
// cutting-depth threshold, used for progress visualization.
type CuttingCell struct {
	X, Y float64
}

// MillingController streams a gcode.File to the driver, handling settling,
// homing, safety retract, depth adjustment, M6 handoff, and completion.
type MillingController struct {
	*Core

	driver *grbl.Driver
	waiter *wait.Wait
	opts   MillingOptions

	cuttingMu   sync.Mutex
	cuttingPath map[CuttingCell]struct{}

	onToolChange func(info ToolChangeInfo)
}

func NewMillingController(driver *grbl.Driver, waiter *wait.Wait, opts MillingOptions, onToolChange func(ToolChangeInfo)) *MillingController {
	return &MillingController{
		Core:         NewCore(),
		driver:       driver,
		waiter:       waiter,
		opts:         opts,
		cuttingPath:  make(map[CuttingCell]struct{}),
		onToolChange: onToolChange,
	}
}

// CuttingPath returns a snapshot of visited cutting cells.
func (m *MillingController) CuttingPath() []CuttingCell {
	m.cuttingMu.Lock()
	defer m.cuttingMu.Unlock()
	cells := make([]CuttingCell, 0, len(m.cuttingPath))
	for c := range m.cuttingPath {
		cells = append(cells, c)
	}
	return cells
}

func (m *MillingController) recordCuttingCell(x, y float64) {
	cell := CuttingCell{X: math.Round(x/0.1) * 0.1, Y: math.Round(y/0.1) * 0.1}
	m.cuttingMu.Lock()
	m.cuttingPath[cell] = struct{}{}
	m.cuttingMu.Unlock()
}

func (m *MillingController) clearCuttingPath() {
	m.cuttingMu.Lock()
	m.cuttingPath = make(map[CuttingCell]struct{})
	m.cuttingMu.Unlock()
}

// Start loads file and begins the milling workflow.
func (m *MillingController) Start(file *gcode.File) error {
	return m.Core.Start(func(ctx context.Context, core *Core) error {
		return m.run(ctx, file)
	}, m.cleanup)
}

func (m *MillingController) run(ctx context.Context, file *gcode.File) error {
	if err := m.settle(ctx); err != nil {
		return err
	}

	if m.opts.RequireHoming && !m.driver.IsHomed() {
		ok, completed := m.waiter.Home(ctx, m.opts.HomingTimeout)
		if !completed {
			return fmt.Errorf("user aborted during homing")
		}
		if !ok {
			return fmt.Errorf("homing failed to reach stable idle")
		}
	}

	ok, completed := m.waiter.SafetyRetractZ(ctx, m.opts.MillStartSafetyZ, m.opts.HomingTimeout)
	if !completed {
		return fmt.Errorf("user aborted during safety retract")
	}
	if !ok {
		return fmt.Errorf("safety retract to %v failed", m.opts.MillStartSafetyZ)
	}

	if err := m.driver.SendLine("G90 G17"); err != nil {
		return err
	}
	if !m.sleepCtx(ctx, m.opts.SettleInterval/4) {
		return fmt.Errorf("user aborted during initialization")
	}

	if m.opts.DepthAdjustment != 0 {
		if err := m.applyDepthAdjustment(ctx); err != nil {
			return err
		}
	}

	if err := m.driver.SetFile(file); err != nil {
		return err
	}
	if err := m.driver.FileGoto(0); err != nil {
		return err
	}
	if err := m.driver.FileStart(); err != nil {
		return err
	}

	return m.streamLoop(ctx, file)
}

func (m *MillingController) applyDepthAdjustment(ctx context.Context) error {
	current := m.driver.WorkOffset().Z
	// WCO stores machine-minus-work offset; the value sent via G10 L20 P1
	// is the current WCO Z plus adjustment.
	newZ := current + m.opts.DepthAdjustment
	line := fmt.Sprintf("G10 L20 P1 Z%.4f", newZ)
	if err := m.driver.SendLine(line); err != nil {
		return err
	}
	if !m.sleepCtx(ctx, m.opts.SettleInterval/4) {
		return fmt.Errorf("user aborted applying depth adjustment")
	}
	return nil
}

func (m *MillingController) settle(ctx context.Context) error {
	stable := 0
	for stable < m.opts.SettleCount {
		if !m.sleepCtx(ctx, m.opts.SettleInterval) {
			return fmt.Errorf("user aborted during settling")
		}
		if m.driver.CurrentStatus().Variant == grbl.StatusIdle {
			stable++
			continue
		}
		stable = 0
		if !m.waiter.EnsureMachineReady(ctx, m.opts.HomingTimeout) {
			return fmt.Errorf("machine not ready during settling")
		}
	}
	return nil
}

// streamLoop monitors the driver while the file streams, detecting M6/M0,
// tracking cutting cells, and declaring completion.
func (m *MillingController) streamLoop(ctx context.Context, file *gcode.File) error {
	lastFilePos := m.driver.FilePosition()
	var idleSince time.Time

	for {
		if !m.Core.WaitIfPaused(ctx) {
			return fmt.Errorf("user aborted")
		}
		if ctx.Err() != nil {
			return fmt.Errorf("user aborted")
		}

		mode := m.driver.Mode()
		pos := m.driver.FilePosition()
		status := m.driver.CurrentStatus()

		if status.Variant == grbl.StatusIdle {
			if pos > lastFilePos {
				m.inspectLines(file, lastFilePos, pos)
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
		} else {
			idleSince = time.Time{}
		}
		lastFilePos = pos

		workPos := m.driver.WorkPosition()
		if workPos.Z < m.opts.CuttingDepthThreshold {
			m.recordCuttingCell(workPos.X, workPos.Y)
		}

		m.Core.Progress(float64(pos)/float64(len(file.Lines)+1), fmt.Sprintf("line %d/%d", pos, len(file.Lines)))

		if mode != grbl.ModeSendFile && pos >= len(file.Lines) && !idleSince.IsZero() && time.Since(idleSince) >= m.opts.IdleSettle {
			return m.completeStreaming(ctx)
		}

		if !m.sleepCtx(ctx, 50*time.Millisecond) {
			return fmt.Errorf("user aborted")
		}
	}
}

// inspectLines scans every line dispatched since the last poll, file.Lines
// indices [from, to), for an M6 tool-change or bare M0 program pause. The
// driver's own SendFile streaming runs independently of this poll loop, so
// more than one line can be dispatched between polls; checking only the most
// recent line would let an M6 sandwiched between other no-motion lines slip
// past undetected.
func (m *MillingController) inspectLines(file *gcode.File, from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(file.Lines) {
		to = len(file.Lines)
	}
	for i := from; i < to; i++ {
		line := file.Lines[i]
		if _, ok := gcode.MatchM6(line); ok {
			toolNumber, toolName := gcode.ToolInfo(file.Lines, i, toolInfoSearchLines)
			info := ToolChangeInfo{
				ToolNumber:    toolNumber,
				ToolName:      toolName,
				ReturnPosWork: m.driver.WorkPosition(),
				LineNumber:    i,
			}
			if m.onToolChange != nil {
				m.onToolChange(info)
			}
			m.Core.Pause()
			return
		}
	}
	for i := from; i < to; i++ {
		if gcode.MatchM0(file.Lines[i]) {
			m.Core.Pause()
			return
		}
	}
}

// HandleToolChangeComplete is called by the external collaborator after the
// ToolChangeController succeeds, resuming file streaming.
func (m *MillingController) HandleToolChangeComplete(file *gcode.File) error {
	pos := m.driver.FilePosition()
	if pos > 0 && pos <= len(file.Lines) && gcode.MatchM0(file.Lines[pos-1]) {
		if err := m.driver.FileGoto(pos + 1); err != nil {
			return err
		}
	}
	if m.driver.CurrentStatus().Variant == grbl.StatusHold {
		m.driver.CycleStart()
	}
	if m.driver.Mode() == grbl.ModeManual {
		if err := m.driver.FileStart(); err != nil {
			return err
		}
	}
	return m.Core.Resume()
}

func (m *MillingController) completeStreaming(ctx context.Context) error {
	line := fmt.Sprintf("G53 G0 Z%.4f", m.opts.MillCompleteZ)
	if err := m.driver.SendLine(line); err != nil {
		return err
	}
	ok, completed := m.waiter.WaitForIdle(ctx, 30*time.Second)
	if !completed {
		return fmt.Errorf("user aborted during completion retract")
	}
	if !ok {
		return fmt.Errorf("timed out waiting for idle before safe completion")
	}
	ok, completed = m.waiter.SafeCompletion(ctx, true)
	if !completed {
		return fmt.Errorf("user aborted during safe completion")
	}
	if !ok {
		return fmt.Errorf("safe completion failed")
	}
	return nil
}

// cleanup always runs: stop_and_reset, spindle off, absolute mode, retract
// to clearance, clear the cutting path.
func (m *MillingController) cleanup() {
	ctx := context.Background()
	m.waiter.StopAndReset(ctx)
	m.driver.SendLine("M5")
	m.driver.SendLine("G90")
	m.driver.SendLine(fmt.Sprintf("G53 G0 Z%.4f", m.opts.ClearanceZ))
	m.clearCuttingPath()
}

func (m *MillingController) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
