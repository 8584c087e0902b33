// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coppercut/pcbmill/gcode"
)

// GCodeTokenPattern matches a single G-code word, e.g. "G1", "X-12.5".
var GCodeTokenPattern = regexp.MustCompile(`[A-Z]-?\d+\.?\d*`)

// StatusVariant is the tagged label derived from a <...> report. Only the
// variant prefix is semantically meaningful to the core; Sub is an opaque
// string (e.g. the hold/door/alarm sub-code).
type StatusVariant int

const (
	StatusIdle StatusVariant = iota
	StatusRun
	StatusHold
	StatusDoor
	StatusAlarm
	StatusHome
	StatusJog
	StatusCheck
	StatusSleep
	StatusDisconnected
)

func (v StatusVariant) String() string {
	switch v {
	case StatusIdle:
		return "Idle"
	case StatusRun:
		return "Run"
	case StatusHold:
		return "Hold"
	case StatusDoor:
		return "Door"
	case StatusAlarm:
		return "Alarm"
	case StatusHome:
		return "Home"
	case StatusJog:
		return "Jog"
	case StatusCheck:
		return "Check"
	case StatusSleep:
		return "Sleep"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Status is the full report tag: a variant plus its opaque sub-field.
type Status struct {
	Variant StatusVariant
	Sub     string
}

func parseStatusVariant(tag string) (Status, bool) {
	name, sub, _ := strings.Cut(tag, ":")
	switch strings.ToLower(name) {
	case "idle":
		return Status{Variant: StatusIdle}, true
	case "run":
		return Status{Variant: StatusRun}, true
	case "hold":
		return Status{Variant: StatusHold, Sub: sub}, true
	case "door":
		return Status{Variant: StatusDoor, Sub: sub}, true
	case "alarm":
		return Status{Variant: StatusAlarm, Sub: sub}, true
	case "home":
		return Status{Variant: StatusHome}, true
	case "jog":
		return Status{Variant: StatusJog}, true
	case "check":
		return Status{Variant: StatusCheck}, true
	case "sleep":
		return Status{Variant: StatusSleep, Sub: sub}, true
	}
	return Status{}, false
}

// DistanceMode is G90 (Absolute) vs G91 (Incremental).
type DistanceMode int

const (
	Absolute DistanceMode = iota
	Incremental
)

// Unit is G21 (Metric) vs G20 (Imperial).
type Unit int

const (
	Metric Unit = iota
	Imperial
)

// ArcPlane is G17/G18/G19.
type ArcPlane int

const (
	PlaneXY ArcPlane = iota
	PlaneYZ
	PlaneZX
)

// Overrides are the three realtime override percentages.
type Overrides struct {
	Feed, Rapid, Spindle int
}

// Pins mirrors GRBL's Pn: field.
type Pins struct {
	ProbeTouched bool
	LimitX       bool
	LimitY       bool
	LimitZ       bool
}

// ProbeResult is the last completed probe cycle.
type ProbeResult struct {
	MachinePos gcode.Vector3
	WorkPos    gcode.Vector3
	Success    bool
}

// StatusReport is a fully parsed <...> line. Only fields actually present in
// the report are filled in; callers check the Has* flags before applying.
type StatusReport struct {
	Status Status

	HasMachinePos bool
	MachinePos    gcode.Vector3
	HasWorkPos    bool
	WorkPos       gcode.Vector3
	HasWCO        bool
	WCO           gcode.Vector3

	HasOverrides bool
	Overrides    Overrides

	HasBuffer  bool
	BufAvail   int

	HasPins bool
	Pins    Pins

	HasFeed    bool
	Feed       float64
	HasSpindle bool
	Spindle    float64
}

// ParseStatusReport parses a GRBL 1.1 `<...>` status line, e.g.
// `<Idle|MPos:0.000,0.000,0.000|FS:0,0|Bf:15,128|Ov:100,100,100|Pn:PXYZ>`.
func ParseStatusReport(line string) (*StatusReport, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return nil, fmt.Errorf("not a status report: %q", line)
	}
	body := line[1 : len(line)-1]
	fields := strings.Split(body, "|")
	if len(fields) < 1 {
		return nil, fmt.Errorf("empty status report")
	}

	variant, ok := parseStatusVariant(fields[0])
	if !ok {
		return nil, fmt.Errorf("unrecognized status variant %q", fields[0])
	}
	report := &StatusReport{Status: variant}

	for _, f := range fields[1:] {
		key, val, found := strings.Cut(f, ":")
		if !found {
			continue
		}
		switch key {
		case "MPos":
			v, err := gcode.ParseVector3(val)
			if err == nil {
				report.HasMachinePos = true
				report.MachinePos = v
			}
		case "WPos":
			v, err := gcode.ParseVector3(val)
			if err == nil {
				report.HasWorkPos = true
				report.WorkPos = v
			}
		case "WCO":
			v, err := gcode.ParseVector3(val)
			if err == nil {
				report.HasWCO = true
				report.WCO = v
			}
		case "Ov":
			parts := strings.Split(val, ",")
			if len(parts) >= 3 {
				feed, e1 := strconv.Atoi(parts[0])
				rapid, e2 := strconv.Atoi(parts[1])
				spindle, e3 := strconv.Atoi(parts[2])
				if e1 == nil && e2 == nil && e3 == nil {
					report.HasOverrides = true
					report.Overrides = Overrides{Feed: feed, Rapid: rapid, Spindle: spindle}
				}
			}
		case "Bf":
			parts := strings.Split(val, ",")
			if len(parts) >= 1 {
				avail, err := strconv.Atoi(parts[0])
				if err == nil {
					report.HasBuffer = true
					report.BufAvail = avail
				}
			}
		case "Pn":
			report.HasPins = true
			report.Pins = Pins{
				ProbeTouched: strings.ContainsRune(val, 'P'),
				LimitX:       strings.ContainsRune(val, 'X'),
				LimitY:       strings.ContainsRune(val, 'Y'),
				LimitZ:       strings.ContainsRune(val, 'Z'),
			}
		case "F":
			feed, err := strconv.ParseFloat(val, 64)
			if err == nil {
				report.HasFeed = true
				report.Feed = feed
			}
		case "FS":
			parts := strings.Split(val, ",")
			if len(parts) >= 2 {
				feed, e1 := strconv.ParseFloat(parts[0], 64)
				spindle, e2 := strconv.ParseFloat(parts[1], 64)
				if e1 == nil {
					report.HasFeed = true
					report.Feed = feed
				}
				if e2 == nil {
					report.HasSpindle = true
					report.Spindle = spindle
				}
			}
		}
		// Additional axes beyond 3 (e.g. a 4th A field folded into MPos/WPos)
		// and unrecognized keys are silently ignored, per spec's truncation
		// allowance.
	}
	return report, nil
}

// ProbeReport is a parsed `[PRB:x,y,z:b]` line.
type ProbeReport struct {
	MachinePos gcode.Vector3
	Success    bool
}

func ParseProbeReport(line string) (*ProbeReport, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[PRB:") || !strings.HasSuffix(line, "]") {
		return nil, fmt.Errorf("not a probe report: %q", line)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, "[PRB:"), "]")
	idx := strings.LastIndex(body, ":")
	if idx < 0 {
		return nil, fmt.Errorf("malformed probe report: %q", line)
	}
	coords, successStr := body[:idx], body[idx+1:]
	pos, err := gcode.ParseVector3(coords)
	if err != nil {
		return nil, fmt.Errorf("malformed probe coords: %w", err)
	}
	return &ProbeReport{MachinePos: pos, Success: successStr == "1"}, nil
}

// GCodeState is a parsed `[GC:...]` modal-state snippet.
type GCodeState struct {
	HasDistanceMode bool
	DistanceMode    DistanceMode
	HasUnit         bool
	Unit            Unit
	HasPlane        bool
	Plane           ArcPlane
}

// ParseGCodeState parses a `[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]`
// snippet, extracting only the tokens the driver tracks.
func ParseGCodeState(line string) (*GCodeState, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[GC:") || !strings.HasSuffix(line, "]") {
		return nil, fmt.Errorf("not a gcode-state snippet: %q", line)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, "[GC:"), "]")
	state := &GCodeState{}
	for _, tok := range GCodeTokenPattern.FindAllString(strings.ToUpper(body), -1) {
		switch strings.ToUpper(tok) {
		case "G90":
			state.HasDistanceMode, state.DistanceMode = true, Absolute
		case "G91":
			state.HasDistanceMode, state.DistanceMode = true, Incremental
		case "G20":
			state.HasUnit, state.Unit = true, Imperial
		case "G21":
			state.HasUnit, state.Unit = true, Metric
		case "G17":
			state.HasPlane, state.Plane = true, PlaneXY
		case "G18":
			state.HasPlane, state.Plane = true, PlaneYZ
		case "G19":
			state.HasPlane, state.Plane = true, PlaneZX
		}
	}
	return state, nil
}

// ParseTLOReport parses a `[TLO:5.200]` tool-length-offset report.
func ParseTLOReport(line string) (float64, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[TLO:") || !strings.HasSuffix(line, "]") {
		return 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, "[TLO:"), "]")
	v, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
