// SPDX-License-Identifier: AGPL-3.0-or-later
package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coppercut/pcbmill/gcode"
	"github.com/coppercut/pcbmill/wait"
)

func fastMillingOptions() MillingOptions {
	opts := DefaultMillingOptions()
	opts.SettleCount = 1
	opts.SettleInterval = time.Millisecond
	opts.IdleSettle = 5 * time.Millisecond
	opts.HomingTimeout = time.Second
	opts.MillStartSafetyZ = 0
	opts.MillCompleteZ = 0
	opts.ClearanceZ = 0
	return opts
}

// TestInspectLinesDetectsM6AcrossBatchedDispatchRange is the regression test
// for the range-scan fix: the driver's own file-streaming worker can
// dispatch several lines within one poll window, so checking only the
// single most-recently-dispatched line would miss an M6 buried earlier in
// the batch.
func TestInspectLinesDetectsM6AcrossBatchedDispatchRange(t *testing.T) {
	driver, _ := newTestDriver(t)
	waiter := wait.New(driver, fastWaitConfig())

	var mu sync.Mutex
	var calls int
	var got ToolChangeInfo
	mc := NewMillingController(driver, waiter, DefaultMillingOptions(), func(info ToolChangeInfo) {
		mu.Lock()
		calls++
		got = info
		mu.Unlock()
	})

	file := &gcode.File{
		Lines:      []string{"(V-bit 60deg)", "T1", "M6", "G0 X0", "G0 Y0"},
		PauseLines: []bool{false, false, false, false, false},
	}

	if err := mc.Core.Start(func(ctx context.Context, core *Core) error {
		<-ctx.Done()
		return ctx.Err()
	}, func() {}); err != nil {
		t.Fatalf("Core.Start: %v", err)
	}
	defer mc.Core.Stop()

	// Five lines dispatched in a single poll window, as if the driver's
	// SendFile worker ran well ahead of streamLoop's 50ms cadence. The M6 at
	// index 2 is not the last line in the batch.
	mc.inspectLines(file, 0, 5)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected onToolChange called once, got %d", calls)
	}
	if got.ToolNumber != 1 || got.ToolName != "V-bit 60deg" || got.LineNumber != 2 {
		t.Fatalf("unexpected tool change info: %+v", got)
	}
	if mc.Phase() != Paused {
		t.Fatalf("expected Paused, got %s", mc.Phase())
	}
}

// TestMillingControllerM6ToolChangeViaFullRun implements scenario S3 end to
// end: streaming the file through the real run() workflow against a fake
// driver that errors on M6 (as real GRBL firmware does, since M6 isn't a
// supported command), which is what actually halts SendFile streaming.
func TestMillingControllerM6ToolChangeViaFullRun(t *testing.T) {
	d, fl := newTestDriver(t)
	fl.setRejected(func(line string) bool {
		_, ok := gcode.MatchM6(line)
		return ok
	})
	waiter := wait.New(d, fastWaitConfig())

	var mu sync.Mutex
	var got ToolChangeInfo
	var calls int
	mc := NewMillingController(d, waiter, fastMillingOptions(), func(info ToolChangeInfo) {
		mu.Lock()
		calls++
		got = info
		mu.Unlock()
	})

	file := &gcode.File{
		Lines:      []string{"(V-bit 60deg)", "T1", "M6", "G0 X0"},
		PauseLines: []bool{false, false, false, false},
	}

	if err := mc.Start(file); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mc.Stop()

	if !waitForCondition(t, 2*time.Second, func() bool {
		return mc.Phase() == Paused
	}) {
		t.Fatalf("controller never reached Paused, phase=%s", mc.Phase())
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected onToolChange called once, got %d", calls)
	}
	if got.ToolNumber != 1 || got.ToolName != "V-bit 60deg" || got.LineNumber != 2 {
		t.Fatalf("unexpected tool change info: %+v", got)
	}
	if d.FilePosition() != 3 {
		t.Fatalf("expected FilePosition 3 after M6 dispatch, got %d", d.FilePosition())
	}
}

// TestMillingControllerSkipsHomingWhenAlreadyHomed is the regression test
// for the IsHomed gate: run() must not issue $H when the driver already
// reports itself homed.
func TestMillingControllerSkipsHomingWhenAlreadyHomed(t *testing.T) {
	driver, link := newTestDriver(t)
	driver.SetHomed(true)
	waiter := wait.New(driver, fastWaitConfig())

	opts := fastMillingOptions()
	opts.RequireHoming = true

	mc := NewMillingController(driver, waiter, opts, nil)
	file := &gcode.File{Lines: []string{"G0 X0"}, PauseLines: []bool{false}}

	if err := mc.Start(file); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mc.Stop()

	if !waitForCondition(t, time.Second, func() bool {
		return driver.FilePosition() >= 1
	}) {
		t.Fatalf("file line was never dispatched")
	}

	for _, w := range link.writtenLines() {
		if strings.TrimSpace(w) == "$H" {
			t.Fatalf("expected $H to be skipped since driver was already homed")
		}
	}
	if !driver.IsHomed() {
		t.Fatalf("expected driver to remain homed")
	}
}
