// SPDX-License-Identifier: AGPL-3.0-or-later
package probegrid

import (
	"fmt"
	"math"
	"testing"

	"github.com/coppercut/pcbmill/gcode"
	"pgregory.net/rapid"
)

func buildLinearFile(points [][2]float64) *gcode.File {
	lines := make([]string, len(points))
	for i, p := range points {
		lines[i] = fmt.Sprintf("G1 X%.4f Y%.4f Z0.0000 F300", p[0], p[1])
	}
	return gcode.New("test.nc", lines, gcode.Vector3{}, gcode.Vector3{}, 0, 0, 0, 0)
}

func approxEqualLines(a, b []string, eps float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ma, oka := parseMotionLine(a[i])
		mb, okb := parseMotionLine(b[i])
		if oka != okb {
			return false
		}
		if !oka {
			if a[i] != b[i] {
				return false
			}
			continue
		}
		if math.Abs(ma.x-mb.x) > eps || math.Abs(ma.y-mb.y) > eps || math.Abs(ma.z-mb.z) > eps {
			return false
		}
	}
	return true
}

// TestApplyToToolpathIdempotent checks that applying the same grid twice in
// a row produces the same result as applying it once, since every split
// point's Z is recomputed from X/Y rather than compounded.
func TestApplyToToolpathIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		step := rapid.Float64Range(0.5, 5).Draw(t, "step")
		n := rapid.IntRange(2, 6).Draw(t, "n")
		points := make([][2]float64, n)
		for i := range points {
			points[i] = [2]float64{
				rapid.Float64Range(0, 50).Draw(t, "x"),
				rapid.Float64Range(0, 50).Draw(t, "y"),
			}
		}
		file := buildLinearFile(points)

		g, err := SetupGrid(gcode.Vector2{}, gcode.Vector2{X: 60, Y: 60}, 0, step)
		if err != nil {
			t.Fatalf("SetupGrid: %v", err)
		}
		for iy := 0; iy < g.SizeY; iy++ {
			for ix := 0; ix < g.SizeX; ix++ {
				g.AddPoint(ix, iy, rapid.Float64Range(-2, 2).Draw(t, "z"))
			}
		}

		once := ApplyToToolpath(file, g)
		twice := ApplyToToolpath(once, g)

		if !approxEqualLines(once.Lines, twice.Lines, 1e-6) {
			t.Fatalf("ApplyToToolpath is not idempotent:\nonce:  %v\ntwice: %v", once.Lines, twice.Lines)
		}
	})
}

func TestApplyToToolpathSplitsLongMoves(t *testing.T) {
	file := buildLinearFile([][2]float64{{0, 0}, {100, 0}})
	g, err := SetupGrid(gcode.Vector2{}, gcode.Vector2{X: 100, Y: 10}, 0, 10)
	if err != nil {
		t.Fatalf("SetupGrid: %v", err)
	}
	out := ApplyToToolpath(file, g)
	if len(out.Lines) <= len(file.Lines) {
		t.Fatalf("expected the 100-unit move to be split across grid boundaries, got %d lines", len(out.Lines))
	}
}
