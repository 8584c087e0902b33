// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gcode holds the toolpath value type the controllers stream to the
// driver. Parsing G-code text into a File, arc-to-line conversion, and bound
// computation are an external collaborator's job; this package only carries
// the already-normalized result and the small amount of line inspection the
// controllers need (pause-line detection, M6/M0 recognition, tool-name
// extraction).
package gcode

import (
	"regexp"
	"strconv"
	"strings"
)

// File is an immutable, ordered sequence of normalized toolpath lines.
type File struct {
	Filename string
	Lines    []string

	Min, Max                 Vector3
	MinFeed, MaxFeed         float64
	TravelDistance           float64
	TotalTimeEstimate        float64
	PauseLines               []bool // parallel to Lines; true if the M-code requests a pause
}

// NumLines returns the number of toolpath lines.
func (f *File) NumLines() int {
	return len(f.Lines)
}

var (
	m6Pattern = regexp.MustCompile(`(?i)^\s*M0*6\s*T?(\d*)`)
	m0Pattern = regexp.MustCompile(`(?i)^\s*M0*0\b`)
	toolName  = regexp.MustCompile(`\(([^)]*)\)`)
	toolNum   = regexp.MustCompile(`(?i)\bT(\d+)\b`)
)

// MatchM6 reports whether line is an M6 tool-change request, returning the
// tool number if one was embedded directly in the M6 line (e.g. "M6 T3").
func MatchM6(line string) (toolNumber string, ok bool) {
	m := m6Pattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchM0 reports whether line is a plain program-pause (M0), which is NOT
// the same as M00...6 (tool change) or M01 (optional stop, not matched).
func MatchM0(line string) bool {
	return m0Pattern.MatchString(line)
}

// computePauseLine reports whether line's M-code requests a pause:
// M0 (pause), M1 (optional stop), M2/M30 (program end).
func computePauseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)
	switch {
	case m0Pattern.MatchString(trimmed):
		return true
	case matchesMCode(upper, "M1"), matchesMCode(upper, "M01"):
		return true
	case matchesMCode(upper, "M2"), matchesMCode(upper, "M02"):
		return true
	case matchesMCode(upper, "M30"):
		return true
	}
	return false
}

func matchesMCode(upperLine, code string) bool {
	idx := strings.Index(upperLine, code)
	if idx < 0 {
		return false
	}
	end := idx + len(code)
	if end < len(upperLine) {
		if c := upperLine[end]; c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}

// New builds a File from normalized lines and precomputed bounds, deriving
// PauseLines from each line's M-code.
func New(filename string, lines []string, min, max Vector3, minFeed, maxFeed, travel, timeEstimate float64) *File {
	pause := make([]bool, len(lines))
	for i, l := range lines {
		pause[i] = computePauseLine(l)
	}
	return &File{
		Filename:          filename,
		Lines:             lines,
		Min:               min,
		Max:               max,
		MinFeed:           minFeed,
		MaxFeed:           maxFeed,
		TravelDistance:    travel,
		TotalTimeEstimate: timeEstimate,
		PauseLines:        pause,
	}
}

// ToolInfo searched backward from an M6 line for a T<n> token and a
// parenthesized tool-name comment, within the preceding searchLines lines
// (inclusive of the M6 line itself for the T token).
func ToolInfo(lines []string, m6Index int, searchLines int) (toolNumber int, toolNameStr string) {
	start := m6Index - searchLines
	if start < 0 {
		start = 0
	}
	for i := m6Index; i >= start; i-- {
		if m := toolNum.FindStringSubmatch(lines[i]); m != nil && toolNumber == 0 {
			if n, err := strconv.Atoi(m[1]); err == nil {
				toolNumber = n
			}
		}
		if m := toolName.FindStringSubmatch(lines[i]); m != nil && toolNameStr == "" {
			toolNameStr = strings.TrimSpace(m[1])
		}
	}
	return toolNumber, toolNameStr
}
