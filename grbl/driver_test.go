// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coppercut/pcbmill/gcode"
)

// fakeLink is an in-memory Link for driver tests: writes are recorded,
// and test code injects response lines via feed.
type fakeLink struct {
	mu      sync.Mutex
	written []string
	queue   []string
	closed  bool
}

func (f *fakeLink) WriteBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(b))
	return nil
}

func (f *fakeLink) ReadLine(timeout time.Duration) (string, bool, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", false, io.EOF
	}
	if len(f.queue) > 0 {
		line := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return line, true, nil
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return "", false, nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) feed(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, line)
}

func (f *fakeLink) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type recordingLineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLineRecorder) AddLine(lineNum int, dir string, content string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, dir+":"+content)
	return time.Now()
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDriverSendLineDispatchedAndCreditedOnOk(t *testing.T) {
	link := &fakeLink{}
	d := New(DefaultConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	if err := d.SendLine("G1 X1"); err != nil {
		t.Fatalf("SendLine: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		for _, w := range link.writtenLines() {
			if w == "G1 X1\n" {
				return true
			}
		}
		return false
	})

	waitForCondition(t, time.Second, func() bool {
		return d.BufferInUse() > 0
	})

	link.feed("ok")

	waitForCondition(t, time.Second, func() bool {
		return d.BufferInUse() == 0
	})
}

func TestDriverStatusReportUpdatesPosition(t *testing.T) {
	link := &fakeLink{}
	d := New(DefaultConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	link.feed("<Idle|MPos:10.000,20.000,-5.000|Bf:15,128>")

	waitForCondition(t, time.Second, func() bool {
		pos := d.MachinePosition()
		return pos.X == 10 && pos.Y == 20 && pos.Z == -5
	})
	if d.CurrentStatus().Variant != StatusIdle {
		t.Fatalf("expected Idle status, got %v", d.CurrentStatus().Variant)
	}
}

func TestDriverLineRecorderSeesUpAndDown(t *testing.T) {
	link := &fakeLink{}
	rec := &recordingLineRecorder{}
	d := New(DefaultConfig())
	d.SetLineRecorder(rec)
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	if err := d.SendLine("G1 X1"); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	link.feed("ok")

	waitForCondition(t, time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		hasUp, hasDown := false, false
		for _, l := range rec.lines {
			if l == "up:G1 X1" {
				hasUp = true
			}
			if l == "down:ok" {
				hasDown = true
			}
		}
		return hasUp && hasDown
	})
}

func TestDriverConnectTwiceFails(t *testing.T) {
	link := &fakeLink{}
	d := New(DefaultConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	if err := d.Connect(link); err == nil {
		t.Fatalf("expected second Connect to fail while already connected")
	}
}

func TestDriverSendLineRejectedInSendMacroMode(t *testing.T) {
	link := &fakeLink{}
	d := New(DefaultConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	if err := d.SendMacroLines([]string{"G1 X1"}); err != nil {
		t.Fatalf("SendMacroLines: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return d.Mode() == ModeSendMacro
	})

	if err := d.SendLine("G1 X2"); err == nil {
		t.Fatalf("expected SendLine to be rejected while in ModeSendMacro")
	}
}

// autoAck feeds "ok" for every full line (one ending in "\n", as opposed to
// a single realtime byte like "?") written to link, until done is closed.
func autoAck(link *fakeLink, done <-chan struct{}) {
	acked := 0
	for {
		select {
		case <-done:
			return
		default:
		}
		full := 0
		for _, w := range link.writtenLines() {
			if strings.HasSuffix(w, "\n") {
				full++
			}
		}
		for acked < full {
			link.feed("ok")
			acked++
		}
		time.Sleep(time.Millisecond)
	}
}

// TestDriverFileStreamPausesOnM0 implements scenario S1: a pause-line (M0)
// dispatch reverts Mode to Manual immediately, without waiting for an ok/
// error reply, and a subsequent FileStart resumes from the next line.
func TestDriverFileStreamPausesOnM0(t *testing.T) {
	link := &fakeLink{}
	d := New(DefaultConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	done := make(chan struct{})
	defer close(done)
	go autoAck(link, done)

	file := &gcode.File{
		Lines:      []string{"G90", "G0 X0", "M0", "G0 X10"},
		PauseLines: []bool{false, false, true, false},
	}
	if err := d.SetFile(file); err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	if err := d.FileStart(); err != nil {
		t.Fatalf("FileStart: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return d.Mode() == ModeManual && d.FilePosition() == 3
	})

	if err := d.FileStart(); err != nil {
		t.Fatalf("resume FileStart: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return d.Mode() == ModeManual && d.FilePosition() == 4
	})
}

func linesContain(lines []string, target string) bool {
	for _, l := range lines {
		if l == target {
			return true
		}
	}
	return false
}

// TestDriverBufferAccountingS2 implements scenario S2: with a 16-byte
// controller buffer, two 7-byte lines (6 chars + newline) fit but a third is
// held until the first is credited by an ok.
func TestDriverBufferAccountingS2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControllerBufferSize = 16
	link := &fakeLink{}
	d := New(cfg)
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()

	for _, l := range []string{"G0 X10", "G0 Y10", "G0 Z10"} {
		if err := d.SendLine(l); err != nil {
			t.Fatalf("SendLine(%q): %v", l, err)
		}
	}

	waitForCondition(t, time.Second, func() bool {
		return d.BufferInUse() == 14
	})

	// Give the worker a few iterations to (wrongly) dispatch the third line
	// if buffer accounting were broken.
	time.Sleep(20 * time.Millisecond)
	if linesContain(link.writtenLines(), "G0 Z10\n") {
		t.Fatalf("third line dispatched before buffer had room")
	}

	link.feed("ok")

	waitForCondition(t, time.Second, func() bool {
		return linesContain(link.writtenLines(), "G0 Z10\n")
	})
	waitForCondition(t, time.Second, func() bool {
		return d.BufferInUse() == 14
	})
}
