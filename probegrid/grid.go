// SPDX-License-Identifier: AGPL-3.0-or-later

// Package probegrid implements ProbeGrid: the 2D height-sample lattice used
// to compensate a toolpath for surface non-planarity, its bilinear
// interpolation, and its binary codec.
package probegrid

import (
	"fmt"
	"math"

	"github.com/coppercut/pcbmill/gcode"
)

// cell is a single grid sample; Present distinguishes an unprobed cell from
// a probed height of exactly 0.
type cell struct {
	Present bool
	Z       float64
}

// Grid is a 2D array of optional Z heights over a rectangular XY region.
type Grid struct {
	Min, Max gcode.Vector2
	GridStep float64
	SizeX    int
	SizeY    int

	cells     []cell // row-major, index = iy*SizeX + ix
	notProbed []cellIndex
}

type cellIndex struct {
	IX, IY int
}

// SetupGrid constructs a grid inflated by margin around [fileMin, fileMax].
func SetupGrid(fileMin, fileMax gcode.Vector2, margin, gridStep float64) (*Grid, error) {
	if gridStep <= 0 {
		return nil, fmt.Errorf("gridStep must be positive")
	}
	min := gcode.Vector2{X: fileMin.X - margin, Y: fileMin.Y - margin}
	max := gcode.Vector2{X: fileMax.X + margin, Y: fileMax.Y + margin}
	sizeX := int(math.Ceil((max.X-min.X)/gridStep)) + 1
	sizeY := int(math.Ceil((max.Y-min.Y)/gridStep)) + 1
	g := &Grid{Min: min, Max: max, GridStep: gridStep, SizeX: sizeX, SizeY: sizeY}
	g.cells = make([]cell, sizeX*sizeY)
	g.notProbed = make([]cellIndex, 0, sizeX*sizeY)
	for iy := 0; iy < sizeY; iy++ {
		for ix := 0; ix < sizeX; ix++ {
			g.notProbed = append(g.notProbed, cellIndex{IX: ix, IY: iy})
		}
	}
	return g, nil
}

func (g *Grid) index(ix, iy int) int { return iy*g.SizeX + ix }

// Coords returns the XY position of cell (ix, iy).
func (g *Grid) Coords(ix, iy int) gcode.Vector2 {
	return gcode.Vector2{X: g.Min.X + float64(ix)*g.GridStep, Y: g.Min.Y + float64(iy)*g.GridStep}
}

// AddPoint records a probed height and removes (ix, iy) from NotProbed.
func (g *Grid) AddPoint(ix, iy int, z float64) error {
	if ix < 0 || ix >= g.SizeX || iy < 0 || iy >= g.SizeY {
		return fmt.Errorf("cell (%d,%d) out of bounds for %dx%d grid", ix, iy, g.SizeX, g.SizeY)
	}
	idx := g.index(ix, iy)
	wasPresent := g.cells[idx].Present
	g.cells[idx] = cell{Present: true, Z: z}
	if !wasPresent {
		for i, c := range g.notProbed {
			if c.IX == ix && c.IY == iy {
				g.notProbed = append(g.notProbed[:i], g.notProbed[i+1:]...)
				break
			}
		}
	}
	return nil
}

// RemovePoint drops (ix, iy) from NotProbed without recording a height, so
// an unprobed cell leaves consideration (AbortOnFail=false after a probe
// that made no contact). The cell stays not present.
func (g *Grid) RemovePoint(ix, iy int) {
	for i, c := range g.notProbed {
		if c.IX == ix && c.IY == iy {
			g.notProbed = append(g.notProbed[:i], g.notProbed[i+1:]...)
			return
		}
	}
}

// NotProbed returns the ordered sequence of unprobed cells.
func (g *Grid) NotProbed() []struct{ IX, IY int } {
	out := make([]struct{ IX, IY int }, len(g.notProbed))
	for i, c := range g.notProbed {
		out[i] = struct{ IX, IY int }{c.IX, c.IY}
	}
	return out
}

// Progress is the count of probed cells.
func (g *Grid) Progress() int {
	n := 0
	for _, c := range g.cells {
		if c.Present {
			n++
		}
	}
	return n
}

// HeightRange returns the min/max height over present cells only; returns
// (0, 0, false) when Progress() == 0.
func (g *Grid) HeightRange() (min, max float64, ok bool) {
	first := true
	for _, c := range g.cells {
		if !c.Present {
			continue
		}
		if first {
			min, max = c.Z, c.Z
			first = false
			continue
		}
		if c.Z < min {
			min = c.Z
		}
		if c.Z > max {
			max = c.Z
		}
	}
	return min, max, !first
}

// At returns the height at (ix, iy) and whether it has been probed.
func (g *Grid) At(ix, iy int) (float64, bool) {
	if ix < 0 || ix >= g.SizeX || iy < 0 || iy >= g.SizeY {
		return 0, false
	}
	c := g.cells[g.index(ix, iy)]
	return c.Z, c.Present
}

// BilinearInterpolate samples the height surface at an arbitrary (x, y),
// clamping to the grid bounds and falling back to 0 for any corner that has
// not yet been probed.
func BilinearInterpolate(g *Grid, x, y float64) float64 {
	fx := (x - g.Min.X) / g.GridStep
	fy := (y - g.Min.Y) / g.GridStep
	if fx < 0 {
		fx = 0
	}
	if fy < 0 {
		fy = 0
	}
	maxFx := float64(g.SizeX - 1)
	maxFy := float64(g.SizeY - 1)
	if fx > maxFx {
		fx = maxFx
	}
	if fy > maxFy {
		fy = maxFy
	}

	ix0 := int(math.Floor(fx))
	iy0 := int(math.Floor(fy))
	ix1 := ix0 + 1
	iy1 := iy0 + 1
	if ix1 > g.SizeX-1 {
		ix1 = ix0
	}
	if iy1 > g.SizeY-1 {
		iy1 = iy0
	}

	tx := fx - float64(ix0)
	ty := fy - float64(iy0)

	z00, _ := g.At(ix0, iy0)
	z10, _ := g.At(ix1, iy0)
	z01, _ := g.At(ix0, iy1)
	z11, _ := g.At(ix1, iy1)

	z0 := z00*(1-tx) + z10*tx
	z1 := z01*(1-tx) + z11*tx
	return z0*(1-ty) + z1*ty
}
