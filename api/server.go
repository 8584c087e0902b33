// SPDX-License-Identifier: AGPL-3.0-or-later
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coppercut/pcbmill/control"
	"github.com/coppercut/pcbmill/gcode"
	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/telemetry"
	"github.com/coppercut/pcbmill/wait"
)

// Server implements MachineAPI over a wired-up driver and set of workflow
// controllers. It is the composition root's one HTTP-facing object.
type Server struct {
	driver *grbl.Driver
	waiter *wait.Wait

	mill       *control.MillingController
	probe      *control.ProbeController
	toolchange *control.ToolChangeController

	lines *telemetry.LineDB
	ts    *telemetry.TSDB

	mu          sync.Mutex
	pendingResp func(string)
}

// NewServer wires the API surface to an already-constructed set of
// controllers; the caller (cmd/pcbmilld) owns their lifetimes.
func NewServer(
	driver *grbl.Driver,
	waiter *wait.Wait,
	mill *control.MillingController,
	probe *control.ProbeController,
	toolchange *control.ToolChangeController,
	lines *telemetry.LineDB,
	ts *telemetry.TSDB,
) *Server {
	s := &Server{
		driver: driver, waiter: waiter,
		mill: mill, probe: probe, toolchange: toolchange,
		lines: lines, ts: ts,
	}
	go s.watchToolChangeUserInput()
	return s
}

// watchToolChangeUserInput keeps the most recent pending user-input
// rendezvous's Respond closure available to the /tool-change/respond
// endpoint, for the lifetime of the server.
func (s *Server) watchToolChangeUserInput() {
	sub, _ := s.toolchange.Subscribe(16)
	for ev := range sub {
		if ev.Kind == control.EventUserInputRequired {
			s.mu.Lock()
			s.pendingResp = ev.UserInput.Respond
			s.mu.Unlock()
		}
	}
}

func (s *Server) Jog(req *JogRequest) (*JogResponse, error) {
	axis := strings.ToUpper(req.Axis)[0]
	if err := s.driver.Jog(axis, req.Distance, req.Feed); err != nil {
		return nil, err
	}
	return &JogResponse{OK: true}, nil
}

func (s *Server) WriteLine(req *WriteLineRequest) (*WriteLineResponse, error) {
	if err := s.driver.SendLine(req.Line); err != nil {
		return nil, err
	}
	return &WriteLineResponse{OK: true}, nil
}

func (s *Server) SetFile(req *SetFileRequest) (*SetFileResponse, error) {
	file := buildFile(req.Filename, req.Lines)
	if err := s.driver.SetFile(file); err != nil {
		return nil, err
	}
	return &SetFileResponse{OK: true}, nil
}

func (s *Server) FileStart(req *FileStartRequest) (*FileStartResponse, error) {
	if err := s.driver.FileStart(); err != nil {
		return nil, err
	}
	return &FileStartResponse{OK: true}, nil
}

func (s *Server) FilePause(req *FilePauseRequest) (*FilePauseResponse, error) {
	if err := s.driver.FilePause(); err != nil {
		return nil, err
	}
	return &FilePauseResponse{OK: true}, nil
}

func (s *Server) Status(req *StatusRequest) (*StatusResponse, error) {
	machinePos := s.driver.MachinePosition()
	workPos := s.driver.WorkPosition()
	file := s.driver.File()
	lineCount := 0
	if file != nil {
		lineCount = file.NumLines()
	}
	return &StatusResponse{
		Connected:       s.driver.Connected(),
		Mode:            s.driver.Mode().String(),
		StatusVariant:   s.driver.CurrentStatus().Variant.String(),
		MachineX:        machinePos.X,
		MachineY:        machinePos.Y,
		MachineZ:        machinePos.Z,
		WorkX:           workPos.X,
		WorkY:           workPos.Y,
		WorkZ:           workPos.Z,
		BufferUsed:      s.driver.BufferInUse(),
		FilePosition:    s.driver.FilePosition(),
		FileLineCount:   lineCount,
		ControllerPhase: s.mill.Phase().String(),
	}, nil
}

func (s *Server) QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error) {
	opts := telemetry.QueryOptions{FilterDir: req.FilterDir}
	switch {
	case req.Tail != nil:
		opts.Scan = telemetry.TailScan{N: *req.Tail}
	case req.FromLine != nil || req.ToLine != nil:
		opts.Scan = telemetry.RangeScan{FromLine: req.FromLine, ToLine: req.ToLine}
	}
	if req.FilterRegex != "" {
		re, err := regexp.Compile(req.FilterRegex)
		if err != nil {
			return nil, err
		}
		opts.FilterRegex = re
	}

	lines := s.lines.Query(opts)
	out := make([]LineInfo, len(lines))
	for i, l := range lines {
		out[i] = LineInfo{
			LineNum: l.Num,
			Dir:     l.Dir,
			Content: l.Content,
			Time:    float64(l.Time.UnixNano()) / 1e9,
		}
	}
	return &QueryLinesResponse{Count: len(out), Lines: out}, nil
}

func (s *Server) MillStart(req *MillStartRequest) (*MillStartResponse, error) {
	file := buildFile(req.Filename, req.Lines)
	if err := s.mill.Start(file); err != nil {
		return nil, err
	}
	return &MillStartResponse{OK: true}, nil
}

func (s *Server) MillPause(req *MillPauseRequest) (*MillPauseResponse, error) {
	if err := s.mill.Pause(); err != nil {
		return nil, err
	}
	return &MillPauseResponse{OK: true}, nil
}

func (s *Server) MillResume(req *MillResumeRequest) (*MillResumeResponse, error) {
	if err := s.mill.Resume(); err != nil {
		return nil, err
	}
	return &MillResumeResponse{OK: true}, nil
}

func (s *Server) MillStop(req *MillStopRequest) (*MillStopResponse, error) {
	s.mill.Stop()
	return &MillStopResponse{OK: true}, nil
}

func (s *Server) ProbeStart(req *ProbeStartRequest) (*ProbeStartResponse, error) {
	min := gcode.Vector3{X: req.MinX, Y: req.MinY, Z: req.MinZ}
	max := gcode.Vector3{X: req.MaxX, Y: req.MaxY, Z: req.MaxZ}
	if err := s.probe.SetupGrid(min, max, req.Margin, req.GridStep); err != nil {
		return nil, err
	}
	if err := s.probe.Start(); err != nil {
		return nil, err
	}
	return &ProbeStartResponse{OK: true}, nil
}

func (s *Server) ProbeTraceOutline(req *ProbeTraceOutlineRequest) (*ProbeTraceOutlineResponse, error) {
	if err := s.probe.TraceOutline(); err != nil {
		return nil, err
	}
	return &ProbeTraceOutlineResponse{OK: true}, nil
}

func (s *Server) ProbeZ(req *ProbeZRequest) (*ProbeZResponse, error) {
	success, zWork, err := s.probe.ProbeZSingle(context.Background())
	if err != nil {
		return nil, err
	}
	return &ProbeZResponse{Success: success, WorkZ: zWork}, nil
}

func (s *Server) ToolChangeRespond(req *ToolChangeRespondRequest) (*ToolChangeRespondResponse, error) {
	s.mu.Lock()
	respond := s.pendingResp
	s.pendingResp = nil
	s.mu.Unlock()
	if respond == nil {
		return nil, fmt.Errorf("no tool change awaiting a response")
	}
	respond(req.Choice)
	return &ToolChangeRespondResponse{OK: true}, nil
}

func (s *Server) QueryTS(req *QueryTSRequest) (*QueryTSResponse, error) {
	start := time.Unix(0, int64(req.Start*1e9))
	end := time.Unix(0, int64(req.End*1e9))
	step := time.Duration(req.Step * float64(time.Second))
	tms, vals := s.ts.QueryRanges(req.Query, start, end, step)

	times := make([]float64, len(tms))
	for i, t := range tms {
		times[i] = float64(t.UnixNano()) / 1e9
	}
	values := make(map[string][]interface{}, len(vals))
	for k, vs := range vals {
		conv := make([]interface{}, len(vs))
		for i, v := range vs {
			conv[i] = v
		}
		values[k] = conv
	}
	return &QueryTSResponse{Times: times, Values: values}, nil
}

// buildFile wraps raw lines into a gcode.File with best-effort bounds;
// full toolpath parsing (arcs, feed/time estimation) is the external
// collaborator's job per spec, so bounds here only track linear moves.
func buildFile(filename string, lines []string) *gcode.File {
	min, max := scanBounds(lines)
	return gcode.New(filename, lines, min, max, 0, 0, 0, 0)
}

func registerJsonHandler[ReqT any, RespT any](mux *http.ServeMux, path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ReqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid JSON: %v", err)
			return
		}
		if err := validate(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid request: %v", err)
			return
		}

		slowTimer := time.AfterFunc(time.Second, func() {
			slog.Warn("api exec taking more than 1 second", "path", path)
		})
		resp, err := exec(&req)
		slowTimer.Stop()
		if err != nil {
			slog.Error("api exec failed", "path", path, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

// Mux builds the HTTP handler wiring every endpoint in SPEC_FULL.md §6.1
// to s.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	registerJsonHandler(mux, "/jog", validateJog, s.Jog)
	registerJsonHandler(mux, "/write-line", validateWriteLine, s.WriteLine)
	registerJsonHandler(mux, "/set-file", validateSetFile, s.SetFile)
	registerJsonHandler(mux, "/file-start", validateFileStart, s.FileStart)
	registerJsonHandler(mux, "/file-pause", validateFilePause, s.FilePause)
	registerJsonHandler(mux, "/status", validateStatus, s.Status)
	registerJsonHandler(mux, "/query-lines", validateQueryLines, s.QueryLines)
	registerJsonHandler(mux, "/mill/start", validateMillStart, s.MillStart)
	registerJsonHandler(mux, "/mill/pause", validateMillPause, s.MillPause)
	registerJsonHandler(mux, "/mill/resume", validateMillResume, s.MillResume)
	registerJsonHandler(mux, "/mill/stop", validateMillStop, s.MillStop)
	registerJsonHandler(mux, "/probe/start", validateProbeStart, s.ProbeStart)
	registerJsonHandler(mux, "/probe/trace-outline", validateProbeTraceOutline, s.ProbeTraceOutline)
	registerJsonHandler(mux, "/probe/z", validateProbeZ, s.ProbeZ)
	registerJsonHandler(mux, "/tool-change/respond", validateToolChangeRespond, s.ToolChangeRespond)
	registerJsonHandler(mux, "/query-ts", validateQueryTS, s.QueryTS)
	return mux
}

// StartHTTPServer blocks serving the API on addr.
func StartHTTPServer(addr string, s *Server) error {
	return http.ListenAndServe(addr, s.Mux())
}
