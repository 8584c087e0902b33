// SPDX-License-Identifier: AGPL-3.0-or-later
package control

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coppercut/pcbmill/gcode"
	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/probegrid"
	"github.com/coppercut/pcbmill/wait"
)

// ProbeOptions configures a ProbeController run.
type ProbeOptions struct {
	MaxDepth           float64 // max Z travel during G38.3
	Feed               float64
	MinimumHeight      float64 // rapid Z after successful probe, work coords
	SafeHeight         float64 // rapid Z after failed probe or outline trace, work coords
	TraceHeight        float64
	MillStartSafetyZ   float64 // machine Z for initial retract
	XAxisWeight        float64 // ordering weight, ~1 for serpentine, large for row-major
	AbortOnFail        bool
	SlowProbeThreshold float64 // 0 disables the watchdog; default 1.2
	ProbeTimeout       time.Duration
	MoveTimeout        time.Duration
}

func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		MaxDepth:           5,
		Feed:               100,
		MinimumHeight:      2,
		SafeHeight:         5,
		TraceHeight:        5,
		MillStartSafetyZ:   -1,
		XAxisWeight:        1,
		AbortOnFail:        true,
		SlowProbeThreshold: 1.2,
		ProbeTimeout:       10 * time.Second,
		MoveTimeout:        10 * time.Second,
	}
}

// ProbeController produces a probegrid.Grid by sweeping it with a touch
// probe, ordering points by weighted nearest neighbor from the current
// position.
type ProbeController struct {
	*Core

	driver *grbl.Driver
	waiter *wait.Wait
	opts   ProbeOptions

	grid *probegrid.Grid

	probeSub    <-chan grbl.Event
	unsubscribe func()

	slowProbeDurations []time.Duration
}

func NewProbeController(driver *grbl.Driver, waiter *wait.Wait, opts ProbeOptions) *ProbeController {
	return &ProbeController{Core: NewCore(), driver: driver, waiter: waiter, opts: opts}
}

// SetupGrid constructs a new grid inflated by margin around the file bounds.
func (p *ProbeController) SetupGrid(fileMin, fileMax gcode.Vector3, margin, gridStep float64) error {
	g, err := probegrid.SetupGrid(fileMin.XY(), fileMax.XY(), margin, gridStep)
	if err != nil {
		return err
	}
	p.grid = g
	return nil
}

// LoadGrid adopts an externally-provided grid (session resumption).
func (p *ProbeController) LoadGrid(g *probegrid.Grid) { p.grid = g }

// GetGrid returns the current grid for display; callers must only read it
// between AddPoint calls (writer-exclusive during an active probe run).
func (p *ProbeController) GetGrid() *probegrid.Grid { return p.grid }

// TraceOutline moves rapid to each of the four corners of the grid at
// TraceHeight, waiting for motion between corners.
func (p *ProbeController) TraceOutline() error {
	return p.Core.Start(func(ctx context.Context, core *Core) error {
		corners := []gcode.Vector2{
			{X: p.grid.Min.X, Y: p.grid.Min.Y},
			{X: p.grid.Max.X, Y: p.grid.Min.Y},
			{X: p.grid.Max.X, Y: p.grid.Max.Y},
			{X: p.grid.Min.X, Y: p.grid.Max.Y},
		}
		for _, c := range corners {
			if err := p.rapidToWork(ctx, c.X, c.Y, p.opts.TraceHeight); err != nil {
				return err
			}
		}
		return nil
	}, p.cleanup)
}

// ProbeZSingle performs a single relative Z probe, returning the measured
// work-coordinate Z.
func (p *ProbeController) ProbeZSingle(ctx context.Context) (success bool, zWork float64, err error) {
	sub, unsub := p.driver.Subscribe(4)
	defer unsub()

	line := fmt.Sprintf("G38.3 Z-%.4f F%.4f", p.opts.MaxDepth, p.opts.Feed)
	if err := p.driver.SendLine(line); err != nil {
		return false, 0, err
	}
	result, ok := awaitProbeFinished(ctx, sub, p.opts.ProbeTimeout)
	if !ok {
		return false, 0, fmt.Errorf("probe timed out or was cancelled")
	}
	return result.Success, result.WorkPos.Z, nil
}

func awaitProbeFinished(ctx context.Context, sub <-chan grbl.Event, timeout time.Duration) (grbl.ProbeResult, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == grbl.EventProbeFinished {
				return ev.Probe, true
			}
		case <-deadline:
			return grbl.ProbeResult{}, false
		case <-ctx.Done():
			return grbl.ProbeResult{}, false
		}
	}
}

// Start begins the full grid sweep.
func (p *ProbeController) Start() error {
	return p.Core.Start(func(ctx context.Context, core *Core) error {
		return p.run(ctx)
	}, p.cleanup)
}

func (p *ProbeController) run(ctx context.Context) error {
	if p.grid == nil {
		return fmt.Errorf("no grid set up")
	}

	ok, completed := p.waiter.SafetyRetractZ(ctx, p.opts.MillStartSafetyZ, p.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("initial safety retract failed")
	}

	total := p.grid.SizeX * p.grid.SizeY
	for {
		if !p.Core.WaitIfPaused(ctx) {
			return fmt.Errorf("user aborted")
		}
		pending := p.grid.NotProbed()
		if len(pending) == 0 {
			break
		}

		target := p.nextTarget(pending)
		if err := p.probeOnePoint(ctx, target); err != nil {
			return err
		}
		p.Core.Progress(float64(p.grid.Progress())/float64(total), fmt.Sprintf("%d/%d probed", p.grid.Progress(), total))
	}

	return p.rapidToWork(ctx, p.driver.WorkPosition().X, p.driver.WorkPosition().Y, p.opts.SafeHeight)
}

func (p *ProbeController) nextTarget(pending []struct{ IX, IY int }) struct{ IX, IY int } {
	workXY := p.driver.WorkPosition().XY()
	sort.SliceStable(pending, func(i, j int) bool {
		return weightedDist(p.grid, pending[i], workXY, p.opts.XAxisWeight) < weightedDist(p.grid, pending[j], workXY, p.opts.XAxisWeight)
	})
	return pending[0]
}

func weightedDist(g *probegrid.Grid, cell struct{ IX, IY int }, from gcode.Vector2, xWeight float64) float64 {
	c := g.Coords(cell.IX, cell.IY)
	dx := (c.X - from.X) * xWeight
	dy := c.Y - from.Y
	return math.Hypot(dx, dy)
}

func (p *ProbeController) probeOnePoint(ctx context.Context, target struct{ IX, IY int }) error {
	coords := p.grid.Coords(target.IX, target.IY)
	if err := p.driver.SendLine(fmt.Sprintf("G0 X%.4f Y%.4f", coords.X, coords.Y)); err != nil {
		return err
	}

	start := time.Now()
	success, zWork, err := p.ProbeZSingle(ctx)
	if err != nil {
		return err
	}
	duration := time.Since(start)

	if !success {
		if p.opts.AbortOnFail {
			return fmt.Errorf("probe no-contact at (%.3f,%.3f)", coords.X, coords.Y)
		}
		p.grid.RemovePoint(target.IX, target.IY)
		return p.rapidToWork(ctx, coords.X, coords.Y, p.opts.SafeHeight)
	}

	if err := p.grid.AddPoint(target.IX, target.IY, zWork); err != nil {
		return err
	}
	if p.watchdogTriggered(duration) {
		p.Core.publish(Event{Kind: EventErrorOccurred, Time: time.Now(), Err: fmt.Errorf("slow probe detected at (%.3f,%.3f): %v", coords.X, coords.Y, duration)})
		if err := p.Core.Pause(); err != nil {
			return err
		}
	}

	retractTo := math.Max(zWork+p.opts.MinimumHeight, p.opts.MinimumHeight)
	return p.rapidToWork(ctx, coords.X, coords.Y, retractTo)
}

// watchdogTriggered maintains a sliding window of the last 10 successful
// probe durations (excluding the very first, which includes initial
// travel) and reports whether duration exceeds avg * SlowProbeThreshold.
func (p *ProbeController) watchdogTriggered(duration time.Duration) bool {
	if p.opts.SlowProbeThreshold == 0 {
		return false
	}
	if p.slowProbeDurations == nil {
		// first probe includes initial travel time: excluded from the window
		p.slowProbeDurations = []time.Duration{}
		return false
	}
	defer func() {
		p.slowProbeDurations = append(p.slowProbeDurations, duration)
		if len(p.slowProbeDurations) > 10 {
			p.slowProbeDurations = p.slowProbeDurations[1:]
		}
	}()
	if len(p.slowProbeDurations) == 0 {
		return false // no earlier sample to average against yet
	}
	var sum time.Duration
	for _, d := range p.slowProbeDurations {
		sum += d
	}
	avg := sum / time.Duration(len(p.slowProbeDurations))
	return float64(duration) > float64(avg)*p.opts.SlowProbeThreshold
}

func (p *ProbeController) rapidToWork(ctx context.Context, x, y, zWork float64) error {
	if err := p.driver.SendLine(fmt.Sprintf("G0 X%.4f Y%.4f Z%.4f", x, y, zWork)); err != nil {
		return err
	}
	ok, completed := p.waiter.WaitForIdle(ctx, p.opts.MoveTimeout)
	if !completed {
		return fmt.Errorf("user aborted")
	}
	if !ok {
		return fmt.Errorf("timed out waiting for move to %.3f,%.3f,%.3f", x, y, zWork)
	}
	return nil
}

func (p *ProbeController) cleanup() {
	ctx := context.Background()
	p.waiter.StopAndReset(ctx)
	p.driver.SendLine(fmt.Sprintf("G0 Z%.4f", p.opts.SafeHeight))
}
