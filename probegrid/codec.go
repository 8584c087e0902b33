// SPDX-License-Identifier: AGPL-3.0-or-later
package probegrid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/coppercut/pcbmill/gcode"
)

const formatVersion uint32 = 1

// Save writes the grid in a stable binary encoding: version, gridStep, Min,
// Max, sizeX, sizeY, then sizeX*sizeY (present byte + float64) cells in
// row-major order.
func Save(w io.Writer, g *Grid) error {
	bw := bufio.NewWriter(w)
	fields := []float64{g.GridStep, g.Min.X, g.Min.Y, g.Max.X, g.Max.Y}

	if err := binary.Write(bw, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	for _, f := range fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(g.SizeX)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(g.SizeY)); err != nil {
		return err
	}
	for iy := 0; iy < g.SizeY; iy++ {
		for ix := 0; ix < g.SizeX; ix++ {
			c := g.cells[g.index(ix, iy)]
			present := byte(0)
			if c.Present {
				present = 1
			}
			if err := bw.WriteByte(present); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.LittleEndian, c.Z); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Load reads a grid previously written by Save, validating every invariant
// from SetupGrid before returning it.
func Load(r io.Reader) (*Grid, error) {
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading grid version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported grid format version %d", version)
	}

	var gridStep, minX, minY, maxX, maxY float64
	for _, f := range []*float64{&gridStep, &minX, &minY, &maxX, &maxY} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("reading grid bounds: %w", err)
		}
	}
	var sizeX, sizeY int32
	if err := binary.Read(r, binary.LittleEndian, &sizeX); err != nil {
		return nil, fmt.Errorf("reading grid sizeX: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &sizeY); err != nil {
		return nil, fmt.Errorf("reading grid sizeY: %w", err)
	}
	if gridStep <= 0 || sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("invalid grid dimensions: step=%v size=%dx%d", gridStep, sizeX, sizeY)
	}
	expectedX := int(math.Ceil((maxX-minX)/gridStep)) + 1
	expectedY := int(math.Ceil((maxY-minY)/gridStep)) + 1
	if int(sizeX) < expectedX || int(sizeY) < expectedY {
		return nil, fmt.Errorf("grid size %dx%d inconsistent with bounds/step", sizeX, sizeY)
	}

	g := &Grid{
		Min:      gcode.Vector2{X: minX, Y: minY},
		Max:      gcode.Vector2{X: maxX, Y: maxY},
		GridStep: gridStep,
		SizeX:    int(sizeX),
		SizeY:    int(sizeY),
	}
	g.cells = make([]cell, int(sizeX)*int(sizeY))
	g.notProbed = make([]cellIndex, 0, int(sizeX)*int(sizeY))

	for iy := 0; iy < g.SizeY; iy++ {
		for ix := 0; ix < g.SizeX; ix++ {
			var present byte
			buf := make([]byte, 1)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("reading cell (%d,%d) presence: %w", ix, iy, err)
			}
			present = buf[0]
			var z float64
			if err := binary.Read(r, binary.LittleEndian, &z); err != nil {
				return nil, fmt.Errorf("reading cell (%d,%d) height: %w", ix, iy, err)
			}
			idx := g.index(ix, iy)
			if present == 1 {
				g.cells[idx] = cell{Present: true, Z: z}
			} else {
				g.notProbed = append(g.notProbed, cellIndex{IX: ix, IY: iy})
			}
		}
	}
	return g, nil
}
