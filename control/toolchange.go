// SPDX-License-Identifier: AGPL-3.0-or-later
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coppercut/pcbmill/gcode"
	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/wait"
	"github.com/google/uuid"
)

// ToolChangePhase enumerates the Mode A / Mode B tool-change phases; Phase
// is the single source of truth the UI renders from.
type ToolChangePhase int

const (
	TCIdle ToolChangePhase = iota
	TCRaisingZ
	TCMovingToToolSetter
	TCMeasuringReference
	TCMovingToWorkArea
	TCWaitingForToolChange
	TCMeasuringNewTool
	TCApplyingOffset
	TCWaitingForZeroZ
	TCReturning
	TCComplete
)

func (p ToolChangePhase) String() string {
	switch p {
	case TCIdle:
		return "Idle"
	case TCRaisingZ:
		return "RaisingZ"
	case TCMovingToToolSetter:
		return "MovingToToolSetter"
	case TCMeasuringReference:
		return "MeasuringReference"
	case TCMovingToWorkArea:
		return "MovingToWorkArea"
	case TCWaitingForToolChange:
		return "WaitingForToolChange"
	case TCMeasuringNewTool:
		return "MeasuringNewTool"
	case TCApplyingOffset:
		return "ApplyingOffset"
	case TCWaitingForZeroZ:
		return "WaitingForZeroZ"
	case TCReturning:
		return "Returning"
	case TCComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// ToolChangeOptions configures a ToolChangeController.
type ToolChangeOptions struct {
	HasToolSetter     bool
	ToolSetterX       float64
	ToolSetterY       float64
	ApproachClearance float64
	ProbeDepth        float64
	FastFeed          float64
	SlowFeed          float64
	Retract           float64
	ClearanceZ        float64 // machine Z
	WorkAreaCenter    *gcode.Vector2
	MoveTimeout       time.Duration
	ProbeTimeout      time.Duration
}

func DefaultToolChangeOptions() ToolChangeOptions {
	return ToolChangeOptions{
		ApproachClearance: 5,
		ProbeDepth:        15,
		FastFeed:          200,
		SlowFeed:          30,
		Retract:           2,
		ClearanceZ:        -10,
		MoveTimeout:       20 * time.Second,
		ProbeTimeout:      15 * time.Second,
	}
}

// ToolChangeController handles an M6 request, with or without a tool
// setter. Per the design note in spec §9, the reference tool-setter height
// is always re-measured rather than cached across tool changes, since the
// operator may have swapped the tool manually between runs.
type ToolChangeController struct {
	*Core

	driver *grbl.Driver
	waiter *wait.Wait
	opts   ToolChangeOptions

	phase ToolChangePhase

	returnX, returnY float64
	requestID        uuid.UUID
}

func NewToolChangeController(driver *grbl.Driver, waiter *wait.Wait, opts ToolChangeOptions) *ToolChangeController {
	return &ToolChangeController{Core: NewCore(), driver: driver, waiter: waiter, opts: opts}
}

func (t *ToolChangeController) Phase() ToolChangePhase { return t.phase }

func (t *ToolChangeController) setPhase(p ToolChangePhase) {
	t.phase = p
	t.Core.Progress(0, p.String())
}

// HandleToolChange runs the appropriate FSM for info, returning true on
// success and false if the user aborted.
func (t *ToolChangeController) HandleToolChange(info ToolChangeInfo) (bool, error) {
	var success bool
	var runErr error
	done := make(chan struct{})

	t.requestID = uuid.New()
	slog.Info("tool change requested", "request_id", t.requestID, "tool_number", info.ToolNumber, "tool_name", info.ToolName)
	runFn := func(ctx context.Context, core *Core) error {
		defer close(done)
		t.returnX, t.returnY = info.ReturnPosWork.X, info.ReturnPosWork.Y
		var err error
		if t.opts.HasToolSetter {
			success, err = t.runModeA(ctx)
		} else {
			success, err = t.runModeB(ctx)
		}
		runErr = err
		return err
	}

	if err := t.Core.Start(runFn, t.cleanup); err != nil {
		return false, err
	}
	<-done
	slog.Info("tool change finished", "request_id", t.requestID, "success", success)
	return success, runErr
}

func (t *ToolChangeController) runModeA(ctx context.Context) (bool, error) {
	t.setPhase(TCRaisingZ)
	if err := t.raiseToClearance(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCMovingToToolSetter)
	if err := t.moveToToolSetter(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCMeasuringReference)
	referenceZ, err := t.measureToolSetter(ctx)
	if err != nil {
		return false, err
	}

	t.setPhase(TCRaisingZ)
	if err := t.raiseToClearance(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCMovingToWorkArea)
	if err := t.moveToWorkArea(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCWaitingForToolChange)
	choice, ok := t.Core.RequestUserInput(ctx, "Tool change", "Change the tool, then continue.", []string{"Continue", "Abort"})
	if !ok || choice == "Abort" {
		return false, nil
	}

	t.setPhase(TCMovingToToolSetter)
	if err := t.moveToToolSetter(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCMeasuringNewTool)
	newZ, err := t.measureToolSetter(ctx)
	if err != nil {
		return false, err
	}

	t.setPhase(TCApplyingOffset)
	if err := t.applyOffset(referenceZ, newZ); err != nil {
		return false, err
	}

	t.setPhase(TCReturning)
	if err := t.returnToStart(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCComplete)
	return true, nil
}

func (t *ToolChangeController) runModeB(ctx context.Context) (bool, error) {
	t.setPhase(TCRaisingZ)
	if err := t.raiseToClearance(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCMovingToWorkArea)
	if err := t.moveToWorkArea(ctx); err != nil {
		return false, err
	}

	t.setPhase(TCWaitingForToolChange)
	choice, ok := t.Core.RequestUserInput(ctx, "Tool change", "Change the tool, then continue.", []string{"Continue", "Abort"})
	if !ok || choice == "Abort" {
		return false, nil
	}

	t.setPhase(TCWaitingForZeroZ)
	choice, ok = t.Core.RequestUserInput(ctx, "Re-zero Z", "Jog to the work surface and zero Z, then continue milling.", []string{"Continue Milling", "Abort"})
	if !ok || choice == "Abort" {
		return false, nil
	}

	t.setPhase(TCComplete)
	return true, nil
}

func (t *ToolChangeController) raiseToClearance(ctx context.Context) error {
	if err := t.driver.SendLine("G90"); err != nil {
		return err
	}
	if err := t.driver.SendLine(fmt.Sprintf("G53 G0 Z%.4f", t.opts.ClearanceZ)); err != nil {
		return err
	}
	ok, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("timed out raising to clearance")
	}
	return nil
}

func (t *ToolChangeController) moveToToolSetter(ctx context.Context) error {
	if err := t.driver.SendLine(fmt.Sprintf("G53 G0 X%.4f Y%.4f", t.opts.ToolSetterX, t.opts.ToolSetterY)); err != nil {
		return err
	}
	ok, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("timed out moving to tool setter")
	}
	return nil
}

func (t *ToolChangeController) moveToWorkArea(ctx context.Context) error {
	x, y := t.returnX, t.returnY
	if t.opts.WorkAreaCenter != nil {
		x, y = t.opts.WorkAreaCenter.X, t.opts.WorkAreaCenter.Y
	}
	if err := t.driver.SendLine(fmt.Sprintf("G0 X%.4f Y%.4f", x, y)); err != nil {
		return err
	}
	ok, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("timed out moving to work area")
	}
	return nil
}

// measureToolSetter always re-measures (spec §9's kept-safer-behavior open
// question): fast seek probe, retract, slow probe, retract, returning the
// measured machine-Z.
func (t *ToolChangeController) measureToolSetter(ctx context.Context) (float64, error) {
	if err := t.driver.SendLine(fmt.Sprintf("G38.3 Z-%.4f F%.4f", t.opts.ProbeDepth, t.opts.FastFeed)); err != nil {
		return 0, err
	}
	seekResult, ok := t.awaitProbe(ctx)
	if !ok {
		return 0, fmt.Errorf("user aborted during tool-setter seek probe")
	}
	if !seekResult.Success {
		return 0, fmt.Errorf("tool-setter seek probe failed to contact")
	}
	seekZ := seekResult.MachinePos.Z

	if err := t.driver.SendLine(fmt.Sprintf("G91 G0 Z%.4f", t.opts.Retract)); err != nil {
		return 0, err
	}
	if _, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout); !completed {
		return 0, fmt.Errorf("user aborted")
	}

	if err := t.driver.SendLine(fmt.Sprintf("G90 G0 Z%.4f", seekZ-1)); err != nil {
		return 0, err
	}
	if _, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout); !completed {
		return 0, fmt.Errorf("user aborted")
	}

	if err := t.driver.SendLine(fmt.Sprintf("G38.3 Z-%.4f F%.4f", t.opts.ProbeDepth, t.opts.SlowFeed)); err != nil {
		return 0, err
	}
	slowResult, ok := t.awaitProbe(ctx)
	if !ok {
		return 0, fmt.Errorf("user aborted during tool-setter slow probe")
	}
	if !slowResult.Success {
		return 0, fmt.Errorf("tool-setter slow probe failed to contact")
	}

	if err := t.driver.SendLine(fmt.Sprintf("G91 G0 Z%.4f", t.opts.Retract)); err != nil {
		return 0, err
	}
	if _, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout); !completed {
		return 0, fmt.Errorf("user aborted")
	}
	t.driver.SendLine("G90")

	return slowResult.MachinePos.Z, nil
}

func (t *ToolChangeController) awaitProbe(ctx context.Context) (grbl.ProbeResult, bool) {
	sub, unsub := t.driver.Subscribe(4)
	defer unsub()
	result, ok := awaitProbeFinished(ctx, sub, t.opts.ProbeTimeout)
	return result, ok
}

// applyOffset: offset = newZ - referenceZ; currentWco.z = machinePos.z -
// workPos.z; send G10 L20 P1 Z<currentWco.z + offset>.
func (t *ToolChangeController) applyOffset(referenceZ, newZ float64) error {
	offset := newZ - referenceZ
	currentWcoZ := t.driver.MachinePosition().Z - t.driver.WorkPosition().Z
	return t.driver.SendLine(fmt.Sprintf("G10 L20 P1 Z%.4f", currentWcoZ+offset))
}

func (t *ToolChangeController) returnToStart(ctx context.Context) error {
	if err := t.raiseToClearance(ctx); err != nil {
		return err
	}
	if err := t.driver.SendLine(fmt.Sprintf("G0 X%.4f Y%.4f", t.returnX, t.returnY)); err != nil {
		return err
	}
	ok, completed := t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("timed out returning to start")
	}
	return nil
}

func (t *ToolChangeController) cleanup() {
	ctx := context.Background()
	t.driver.SendLine("G90")
	t.driver.SendLine(fmt.Sprintf("G53 G0 Z%.4f", t.opts.ClearanceZ))
	_, _ = t.waiter.WaitForIdle(ctx, t.opts.MoveTimeout)
}
