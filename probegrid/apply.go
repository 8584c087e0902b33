// SPDX-License-Identifier: AGPL-3.0-or-later
package probegrid

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/coppercut/pcbmill/gcode"
)

var motionWordPattern = regexp.MustCompile(`(?i)^\s*(G0*[0123])\b`)

type motion struct {
	code   string // "G0", "G1", "G2", "G3"
	hasX   bool
	x      float64
	hasY   bool
	y      float64
	hasZ   bool
	z      float64
	rest   string // remaining tokens (feed, arc offsets, comments) preserved verbatim
}

// ApplyToToolpath returns a new gcode.File in which every linear motion (G0
// or G1) longer than grid.GridStep is split into equal pieces no longer than
// grid.GridStep, and every
// endpoint's Z is offset by BilinearInterpolate(grid, x, y). Arcs (G2/G3)
// are passed through unchanged aside from Z adjustment at their nominal
// endpoint; applying the same grid twice is idempotent up to floating point
// equality because each split point's Z is always recomputed from the
// original file's X/Y, never compounded.
func ApplyToToolpath(file *gcode.File, grid *Grid) *gcode.File {
	var outLines []string
	var curX, curY float64
	haveCur := false

	for _, line := range file.Lines {
		m, ok := parseMotionLine(line)
		if !ok {
			outLines = append(outLines, line)
			continue
		}

		targetX, targetY := curX, curY
		if m.hasX {
			targetX = m.x
		}
		if m.hasY {
			targetY = m.y
		}

		if m.code == "G2" || m.code == "G3" || !haveCur {
			z := m.z
			if m.hasZ {
				z += BilinearInterpolate(grid, targetX, targetY)
			}
			outLines = append(outLines, rebuildLine(m, targetX, targetY, z))
			curX, curY, haveCur = targetX, targetY, true
			continue
		}

		segments := splitAtGridBoundaries(curX, curY, targetX, targetY, grid.GridStep)
		for i, seg := range segments {
			isLast := i == len(segments)-1
			segM := m
			if i > 0 {
				// Only the first emitted segment keeps the original feed/
				// comment tail; subsequent ones are bare motion.
				segM.rest = ""
			}
			baseZ := 0.0
			if isLast && m.hasZ {
				baseZ = m.z
			}
			adjusted := baseZ + BilinearInterpolate(grid, seg.x, seg.y)
			outLines = append(outLines, rebuildLine(segM, seg.x, seg.y, adjusted))
		}
		curX, curY, haveCur = targetX, targetY, true
	}

	return gcode.New(file.Filename, outLines, file.Min, file.Max, file.MinFeed, file.MaxFeed, file.TravelDistance, file.TotalTimeEstimate)
}

type point struct{ x, y float64 }

// splitAtGridBoundaries returns the sequence of points from (x0,y0) to
// (x1,y1) inclusive of the endpoint, inserting intermediate points no more
// than gridStep apart.
func splitAtGridBoundaries(x0, y0, x1, y1, gridStep float64) []point {
	dx, dy := x1-x0, y1-y0
	dist := math.Hypot(dx, dy)
	if dist <= gridStep || dist == 0 {
		return []point{{x1, y1}}
	}
	n := int(math.Ceil(dist / gridStep))
	out := make([]point, 0, n)
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		out = append(out, point{x0 + dx*t, y0 + dy*t})
	}
	return out
}

func parseMotionLine(line string) (motion, bool) {
	m := motionWordPattern.FindStringSubmatch(line)
	if m == nil {
		return motion{}, false
	}
	code := normalizeGCode(m[1])
	rest := strings.TrimSpace(line[len(m[0]):])

	mo := motion{code: code}
	for _, tok := range strings.Fields(rest) {
		if len(tok) < 2 {
			continue
		}
		letter := tok[0] | 0x20
		val, err := strconv.ParseFloat(tok[1:], 64)
		if err != nil {
			continue
		}
		switch letter {
		case 'x':
			mo.hasX, mo.x = true, val
		case 'y':
			mo.hasY, mo.y = true, val
		case 'z':
			mo.hasZ, mo.z = true, val
		}
	}
	mo.rest = rest
	return mo, true
}

func normalizeGCode(word string) string {
	upper := strings.ToUpper(word)
	n, err := strconv.Atoi(strings.TrimLeft(upper[1:], "0"))
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("G%d", n)
}

func rebuildLine(m motion, x, y, z float64) string {
	var b strings.Builder
	b.WriteString(m.code)
	fmt.Fprintf(&b, " X%.4f Y%.4f Z%.4f", x, y, z)
	if m.rest != "" {
		stripped := stripXYZ(m.rest)
		if stripped != "" {
			b.WriteString(" ")
			b.WriteString(stripped)
		}
	}
	return b.String()
}

func stripXYZ(rest string) string {
	var kept []string
	for _, tok := range strings.Fields(rest) {
		if len(tok) == 0 {
			continue
		}
		letter := tok[0] | 0x20
		if letter == 'x' || letter == 'y' || letter == 'z' {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}
