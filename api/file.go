// SPDX-License-Identifier: AGPL-3.0-or-later
package api

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coppercut/pcbmill/gcode"
)

var motionWord = regexp.MustCompile(`(?i)^\s*G0*[01]\b`)

// scanBounds does a best-effort linear-move bounds scan over raw lines,
// assuming absolute (G90) coordinates and no arcs; a full parser
// (including arc bounds and feed/time estimation) is an external
// collaborator's job.
func scanBounds(lines []string) (min, max gcode.Vector3) {
	first := true
	var curX, curY, curZ float64
	for _, line := range lines {
		if !motionWord.MatchString(line) {
			continue
		}
		rest := motionWord.ReplaceAllString(line, "")
		for _, tok := range strings.Fields(rest) {
			if len(tok) < 2 {
				continue
			}
			val, err := strconv.ParseFloat(tok[1:], 64)
			if err != nil {
				continue
			}
			switch tok[0] | 0x20 {
			case 'x':
				curX = val
			case 'y':
				curY = val
			case 'z':
				curZ = val
			}
		}
		if first {
			min = gcode.Vector3{X: curX, Y: curY, Z: curZ}
			max = min
			first = false
			continue
		}
		min = gcode.Vector3{X: minF(min.X, curX), Y: minF(min.Y, curY), Z: minF(min.Z, curZ)}
		max = gcode.Vector3{X: maxF(max.X, curX), Y: maxF(max.Y, curY), Z: maxF(max.Z, curZ)}
	}
	return min, max
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
