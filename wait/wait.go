// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wait implements MachineWait: pure, cancellable, timeout-bounded
// polling primitives over a grbl.Driver. None of these hold any state of
// their own; they only read the driver and issue commands through it.
package wait

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coppercut/pcbmill/grbl"
)

const PositionTolerance = 0.1

// Config holds the polling/delay tunables used by the wait primitives.
type Config struct {
	StatusPollInterval time.Duration
	CommandDelay       time.Duration
	ResetWait          time.Duration
	MotionStartTimeout time.Duration
	HomingTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StatusPollInterval: 100 * time.Millisecond,
		CommandDelay:       250 * time.Millisecond,
		ResetWait:          1 * time.Second,
		MotionStartTimeout: 2 * time.Second,
		HomingTimeout:      60 * time.Second,
	}
}

// Axes selects which axes a work-offset zeroing targets.
type Axes struct {
	X, Y, Z bool
}

func (a Axes) gcodeSuffix() string {
	var b strings.Builder
	if a.X {
		b.WriteString(" X0")
	}
	if a.Y {
		b.WriteString(" Y0")
	}
	if a.Z {
		b.WriteString(" Z0")
	}
	return b.String()
}

// Wait bundles a driver and the config used to poll it.
type Wait struct {
	driver *grbl.Driver
	cfg    Config
}

func New(driver *grbl.Driver, cfg Config) *Wait {
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 100 * time.Millisecond
	}
	if cfg.CommandDelay <= 0 {
		cfg.CommandDelay = 250 * time.Millisecond
	}
	if cfg.ResetWait <= 0 {
		cfg.ResetWait = time.Second
	}
	if cfg.MotionStartTimeout <= 0 {
		cfg.MotionStartTimeout = 2 * time.Second
	}
	if cfg.HomingTimeout <= 0 {
		cfg.HomingTimeout = 60 * time.Second
	}
	return &Wait{driver: driver, cfg: cfg}
}

func (w *Wait) sleepCancellable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// pollUntil polls fn every StatusPollInterval until it returns true, the
// timeout elapses, or ctx is cancelled. Returns (true, true) on success,
// (false, true) on timeout, (false, false) on cancellation.
func (w *Wait) pollUntil(ctx context.Context, timeout time.Duration, fn func() bool) (bool, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return true, true
		}
		if time.Now().After(deadline) {
			return false, true
		}
		if !w.sleepCancellable(ctx, w.cfg.StatusPollInterval) {
			return false, false
		}
	}
}

// WaitForIdle returns when the driver status is Idle.
func (w *Wait) WaitForIdle(ctx context.Context, timeout time.Duration) (bool, bool) {
	return w.pollUntil(ctx, timeout, func() bool {
		return w.driver.CurrentStatus().Variant == grbl.StatusIdle
	})
}

// WaitForStableIdle requires Idle observed continuously for settle.
func (w *Wait) WaitForStableIdle(ctx context.Context, timeout, settle time.Duration) (bool, bool) {
	deadline := time.Now().Add(timeout)
	var idleSince time.Time
	for {
		if w.driver.CurrentStatus().Variant == grbl.StatusIdle {
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if time.Since(idleSince) >= settle {
				return true, true
			}
		} else {
			idleSince = time.Time{}
		}
		if time.Now().After(deadline) {
			return false, true
		}
		if !w.sleepCancellable(ctx, w.cfg.StatusPollInterval) {
			return false, false
		}
	}
}

// ZSource selects whether WaitForZ reads work or machine coordinates.
type ZSource int

const (
	ZWork ZSource = iota
	ZMachine
)

func (w *Wait) getZ(source ZSource) float64 {
	if source == ZWork {
		return w.driver.WorkPosition().Z
	}
	return w.driver.MachinePosition().Z
}

// WaitForZ waits until |getZ() - target| < PositionTolerance.
func (w *Wait) WaitForZ(ctx context.Context, target float64, timeout time.Duration, source ZSource) (bool, bool) {
	return w.pollUntil(ctx, timeout, func() bool {
		return math.Abs(w.getZ(source)-target) < PositionTolerance
	})
}

// WaitForMoveStart returns once position has diverged from startZ or status
// reports Run.
func (w *Wait) WaitForMoveStart(ctx context.Context, startZ float64, timeout time.Duration) (bool, bool) {
	return w.pollUntil(ctx, timeout, func() bool {
		if w.driver.CurrentStatus().Variant == grbl.StatusRun {
			return true
		}
		return math.Abs(w.driver.MachinePosition().Z-startZ) >= PositionTolerance
	})
}

// WaitForStatusChange returns the new status, or (Status{}, false) on
// timeout/cancellation.
func (w *Wait) WaitForStatusChange(ctx context.Context, prev grbl.Status, timeout time.Duration) (grbl.Status, bool) {
	deadline := time.Now().Add(timeout)
	for {
		cur := w.driver.CurrentStatus()
		if cur != prev {
			return cur, true
		}
		if time.Now().After(deadline) {
			return grbl.Status{}, false
		}
		if !w.sleepCancellable(ctx, w.cfg.StatusPollInterval) {
			return grbl.Status{}, false
		}
	}
}

// ClearDoor sends CycleStart if the status prefix is Door.
func (w *Wait) ClearDoor(ctx context.Context) {
	if w.driver.CurrentStatus().Variant == grbl.StatusDoor {
		w.driver.CycleStart()
		w.sleepCancellable(ctx, w.cfg.CommandDelay)
	}
}

// EnsureMachineReady clears a door hold and waits for idle; returns false if
// the machine is alarmed.
func (w *Wait) EnsureMachineReady(ctx context.Context, timeout time.Duration) bool {
	w.ClearDoor(ctx)
	ok, completed := w.WaitForIdle(ctx, timeout)
	if !completed {
		return false
	}
	if w.driver.CurrentStatus().Variant == grbl.StatusAlarm {
		return false
	}
	return ok
}

// StopAndReset issues a feed hold then a soft reset, unlocking any alarm.
func (w *Wait) StopAndReset(ctx context.Context) (bool, bool) {
	w.driver.FeedHold()
	if !w.sleepCancellable(ctx, w.cfg.CommandDelay) {
		return false, false
	}
	w.driver.SoftReset()
	if !w.sleepCancellable(ctx, w.cfg.ResetWait) {
		return false, false
	}
	if w.driver.CurrentStatus().Variant == grbl.StatusAlarm {
		w.driver.SendLine("$X")
		if !w.sleepCancellable(ctx, w.cfg.CommandDelay) {
			return false, false
		}
	}
	return w.WaitForIdle(ctx, w.cfg.ResetWait)
}

// ZeroWorkOffset sends G10 L20 P1 for the given axes and absorbs the
// non-state-changing command with a delay + idle wait.
func (w *Wait) ZeroWorkOffset(ctx context.Context, axes Axes) (bool, bool) {
	line := "G10 L20 P1" + axes.gcodeSuffix()
	if err := w.driver.SendLine(line); err != nil {
		return false, true
	}
	if !w.sleepCancellable(ctx, w.cfg.CommandDelay) {
		return false, false
	}
	return w.WaitForIdle(ctx, w.cfg.CommandDelay*4)
}

// Home executes $H and waits for the homing cycle to complete. It sets
// Driver.IsHoming for the duration of the cycle and, on success, leaves
// Driver.IsHomed set so callers can skip re-homing an already-homed machine.
func (w *Wait) Home(ctx context.Context, timeout time.Duration) (bool, bool) {
	w.driver.SetHoming(true)
	if err := w.driver.SendLine("$H"); err != nil {
		w.driver.SetHoming(false)
		return false, true
	}
	// Wait for the status to leave Idle (homing cycle engaging GRBL's Home
	// state) within MotionStartTimeout.
	startStatus := w.driver.CurrentStatus()
	_, completed := w.pollUntil(ctx, w.cfg.MotionStartTimeout, func() bool {
		cur := w.driver.CurrentStatus()
		return cur != startStatus
	})
	if !completed {
		w.driver.SetHoming(false)
		return false, false
	}
	ok, completed := w.WaitForStableIdle(ctx, timeout, 1*time.Second)
	if ok {
		w.driver.SetHomed(true)
	} else {
		w.driver.SetHoming(false)
	}
	return ok, completed
}

// SafeCompletion turns off the spindle, feed-holds, soft-resets, clears any
// alarm, waits idle, and optionally re-homes.
func (w *Wait) SafeCompletion(ctx context.Context, homeAfter bool) (bool, bool) {
	w.driver.SendLine("M5")
	ok, completed := w.StopAndReset(ctx)
	if !completed || !ok {
		return ok, completed
	}
	if homeAfter {
		return w.Home(ctx, w.cfg.HomingTimeout)
	}
	return true, true
}

// SafetyRetractZ moves to machine Z = target via G53 G0 Z<target>, waiting
// for the move to start and complete.
func (w *Wait) SafetyRetractZ(ctx context.Context, targetMachineZ float64, timeout time.Duration) (bool, bool) {
	if math.Abs(w.driver.MachinePosition().Z-targetMachineZ) < PositionTolerance {
		if !w.sleepCancellable(ctx, w.cfg.CommandDelay) {
			return false, false
		}
		return true, true
	}
	startZ := w.driver.MachinePosition().Z
	if err := w.driver.SendLine("G90"); err != nil {
		return false, true
	}
	if err := w.driver.SendLine("G53 G0 Z" + strconv.FormatFloat(targetMachineZ, 'f', 3, 64)); err != nil {
		return false, true
	}
	ok, completed := w.WaitForMoveStart(ctx, startZ, w.cfg.MotionStartTimeout)
	if !completed || !ok {
		return false, completed
	}
	return w.WaitForZ(ctx, targetMachineZ, timeout, ZMachine)
}
