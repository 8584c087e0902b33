// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api is the HTTP JSON command surface the UI drives the machine
// through, grounded on the teacher's server.go registerJsonHandler generic
// and SpoolerAPI interface.
package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MachineAPI is the model of the HTTP surface. Since the request passed to
// each method has already been validated, an error return here means
// internal server error.
type MachineAPI interface {
	Jog(req *JogRequest) (*JogResponse, error)
	WriteLine(req *WriteLineRequest) (*WriteLineResponse, error)
	SetFile(req *SetFileRequest) (*SetFileResponse, error)
	FileStart(req *FileStartRequest) (*FileStartResponse, error)
	FilePause(req *FilePauseRequest) (*FilePauseResponse, error)
	Status(req *StatusRequest) (*StatusResponse, error)
	QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error)

	MillStart(req *MillStartRequest) (*MillStartResponse, error)
	MillPause(req *MillPauseRequest) (*MillPauseResponse, error)
	MillResume(req *MillResumeRequest) (*MillResumeResponse, error)
	MillStop(req *MillStopRequest) (*MillStopResponse, error)

	ProbeStart(req *ProbeStartRequest) (*ProbeStartResponse, error)
	ProbeTraceOutline(req *ProbeTraceOutlineRequest) (*ProbeTraceOutlineResponse, error)
	ProbeZ(req *ProbeZRequest) (*ProbeZResponse, error)

	ToolChangeRespond(req *ToolChangeRespondRequest) (*ToolChangeRespondResponse, error)

	QueryTS(req *QueryTSRequest) (*QueryTSResponse, error)
}

// --- /jog ---

type JogRequest struct {
	Axis     string  `json:"axis"` // "X", "Y", or "Z"
	Distance float64 `json:"distance"`
	Feed     float64 `json:"feed"`
}

type JogResponse struct {
	OK bool `json:"ok"`
}

func validateJog(req *JogRequest) error {
	axis := strings.ToUpper(req.Axis)
	if axis != "X" && axis != "Y" && axis != "Z" {
		return errors.New("axis: must be X, Y, or Z")
	}
	if req.Feed <= 0 {
		return errors.New("feed: must be > 0")
	}
	return nil
}

// --- /write-line ---

type WriteLineRequest struct {
	Line string `json:"line"`
}

type WriteLineResponse struct {
	OK bool `json:"ok"`
}

func validateWriteLine(req *WriteLineRequest) error {
	if strings.Contains(req.Line, "\n") {
		return errors.New("line: cannot contain newline")
	}
	if req.Line == "" {
		return errors.New("line: cannot be empty")
	}
	if len(req.Line) > 256 {
		return errors.New("line: must be <= 256 bytes")
	}
	return nil
}

// --- /set-file ---

type SetFileRequest struct {
	Filename string   `json:"filename"`
	Lines    []string `json:"lines"`
}

type SetFileResponse struct {
	OK bool `json:"ok"`
}

func validateSetFile(req *SetFileRequest) error {
	if len(req.Lines) == 0 {
		return errors.New("lines: cannot be empty")
	}
	for _, l := range req.Lines {
		if strings.Contains(l, "\n") {
			return errors.New("lines: must not contain newline")
		}
	}
	return nil
}

// --- /file-start, /file-pause ---

type FileStartRequest struct{}
type FileStartResponse struct {
	OK bool `json:"ok"`
}

func validateFileStart(req *FileStartRequest) error { return nil }

type FilePauseRequest struct{}
type FilePauseResponse struct {
	OK bool `json:"ok"`
}

func validateFilePause(req *FilePauseRequest) error { return nil }

// --- /status ---

type StatusRequest struct{}

type StatusResponse struct {
	Connected      bool    `json:"connected"`
	Mode           string  `json:"mode"`
	StatusVariant  string  `json:"status_variant"`
	MachineX       float64 `json:"machine_x"`
	MachineY       float64 `json:"machine_y"`
	MachineZ       float64 `json:"machine_z"`
	WorkX          float64 `json:"work_x"`
	WorkY          float64 `json:"work_y"`
	WorkZ          float64 `json:"work_z"`
	BufferUsed     int     `json:"buffer_used"`
	FilePosition   int     `json:"file_position"`
	FileLineCount  int     `json:"file_line_count"`
	ControllerPhase string `json:"controller_phase"`
}

func validateStatus(req *StatusRequest) error { return nil }

// --- /query-lines ---

type QueryLinesRequest struct {
	FromLine    *int   `json:"from_line,omitempty"`
	ToLine      *int   `json:"to_line,omitempty"`
	Tail        *int   `json:"tail,omitempty"`
	FilterDir   string `json:"filter_dir,omitempty"`
	FilterRegex string `json:"filter_regex,omitempty"`
}

type LineInfo struct {
	LineNum int     `json:"line_num"`
	Dir     string  `json:"dir"`
	Content string  `json:"content"`
	Time    float64 `json:"time"`
}

type QueryLinesResponse struct {
	Count int        `json:"count"`
	Lines []LineInfo `json:"lines"`
}

func validateQueryLines(req *QueryLinesRequest) error {
	tailExists := req.Tail != nil
	rangeExists := req.FromLine != nil || req.ToLine != nil
	if tailExists && rangeExists {
		return errors.New("tail cannot be used together with from_line/to_line")
	}
	if req.FromLine != nil && *req.FromLine < 1 {
		return errors.New("from_line: must be >= 1")
	}
	if req.ToLine != nil && *req.ToLine < 1 {
		return errors.New("to_line: must be >= 1")
	}
	if req.FromLine != nil && req.ToLine != nil && *req.ToLine < *req.FromLine {
		return errors.New("to_line must be >= from_line")
	}
	if tailExists && *req.Tail < 1 {
		return errors.New("tail: must be >= 1")
	}
	if req.FilterDir != "" && req.FilterDir != "up" && req.FilterDir != "down" {
		return errors.New("filter_dir: must be 'up' or 'down'")
	}
	if req.FilterRegex != "" {
		if _, err := regexp.Compile(req.FilterRegex); err != nil {
			return fmt.Errorf("filter_regex: invalid regex: %w", err)
		}
	}
	return nil
}

// --- /mill/start, /mill/pause, /mill/resume, /mill/stop ---

type MillStartRequest struct {
	Filename string   `json:"filename"`
	Lines    []string `json:"lines"`
}
type MillStartResponse struct {
	OK bool `json:"ok"`
}

func validateMillStart(req *MillStartRequest) error {
	if len(req.Lines) == 0 {
		return errors.New("lines: cannot be empty")
	}
	return nil
}

type MillPauseRequest struct{}
type MillPauseResponse struct {
	OK bool `json:"ok"`
}

func validateMillPause(req *MillPauseRequest) error { return nil }

type MillResumeRequest struct{}
type MillResumeResponse struct {
	OK bool `json:"ok"`
}

func validateMillResume(req *MillResumeRequest) error { return nil }

type MillStopRequest struct{}
type MillStopResponse struct {
	OK bool `json:"ok"`
}

func validateMillStop(req *MillStopRequest) error { return nil }

// --- /probe/start, /probe/trace-outline, /probe/z ---

type ProbeStartRequest struct {
	MinX     float64 `json:"min_x"`
	MinY     float64 `json:"min_y"`
	MinZ     float64 `json:"min_z"`
	MaxX     float64 `json:"max_x"`
	MaxY     float64 `json:"max_y"`
	MaxZ     float64 `json:"max_z"`
	Margin   float64 `json:"margin"`
	GridStep float64 `json:"grid_step"`
}
type ProbeStartResponse struct {
	OK bool `json:"ok"`
}

func validateProbeStart(req *ProbeStartRequest) error {
	if req.GridStep <= 0 {
		return errors.New("grid_step: must be > 0")
	}
	if req.MaxX <= req.MinX || req.MaxY <= req.MinY {
		return errors.New("max must be > min on each axis")
	}
	return nil
}

type ProbeTraceOutlineRequest struct{}
type ProbeTraceOutlineResponse struct {
	OK bool `json:"ok"`
}

func validateProbeTraceOutline(req *ProbeTraceOutlineRequest) error { return nil }

type ProbeZRequest struct{}
type ProbeZResponse struct {
	Success bool    `json:"success"`
	WorkZ   float64 `json:"work_z"`
}

func validateProbeZ(req *ProbeZRequest) error { return nil }

// --- /tool-change/respond ---

type ToolChangeRespondRequest struct {
	Choice string `json:"choice"`
}
type ToolChangeRespondResponse struct {
	OK bool `json:"ok"`
}

func validateToolChangeRespond(req *ToolChangeRespondRequest) error {
	if req.Choice == "" {
		return errors.New("choice: cannot be empty")
	}
	return nil
}

// --- /query-ts ---

type QueryTSRequest struct {
	Start float64  `json:"start"`
	End   float64  `json:"end"`
	Step  float64  `json:"step"`
	Query []string `json:"query"`
}

type QueryTSResponse struct {
	Times  []float64                `json:"times"`
	Values map[string][]interface{} `json:"values"`
}

func validateQueryTS(req *QueryTSRequest) error {
	if len(req.Query) == 0 {
		return errors.New("query: cannot be empty")
	}
	if req.End < req.Start {
		return errors.New("end: must be >= start")
	}
	if req.Step <= 0 {
		return errors.New("step: must be > 0")
	}
	if (req.End-req.Start)/req.Step > 10000 {
		return errors.New("too many steps")
	}
	return nil
}
