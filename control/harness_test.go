// SPDX-License-Identifier: AGPL-3.0-or-later
package control

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/wait"
)

// fakeLink is an in-memory grbl.Link for control-package workflow tests. It
// behaves like a cooperative GRBL: every full line is acknowledged with
// "ok", except for lines matching a caller-installed rejection (used to
// model M6, which real firmware errors on as an unsupported command); every
// '?' status poll gets back a canned, constant status report. Test code can
// also queue out-of-band responses (probe reports) via feed.
type fakeLink struct {
	mu       sync.Mutex
	written  []string
	queue    []string
	closed   bool
	status   string
	rejected func(line string) bool
	onLine   func(line string) []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{status: "<Idle|MPos:0.000,0.000,0.000|FS:0,0|Bf:15,128>"}
}

func (f *fakeLink) WriteBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := string(b)
	f.written = append(f.written, s)
	switch {
	case s == "?":
		f.queue = append(f.queue, f.status)
	case strings.HasSuffix(s, "\n"):
		trimmed := strings.TrimSpace(s)
		if f.onLine != nil {
			if extra := f.onLine(trimmed); extra != nil {
				f.queue = append(f.queue, extra...)
				break
			}
		}
		if f.rejected != nil && f.rejected(trimmed) {
			f.queue = append(f.queue, "error:20")
		} else {
			f.queue = append(f.queue, "ok")
		}
	}
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

// feed queues an out-of-band response line ahead of any auto-generated ones.
func (f *fakeLink) feed(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, line)
}

func (f *fakeLink) setStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeLink) setRejected(fn func(line string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = fn
}

// setOnLine installs a hook that can replace the default ok/error response
// for a given outbound line with a custom sequence (e.g. an unsolicited
// "[PRB:...]" probe report followed by "ok"). Returning nil falls back to
// the default rejected/ok behavior.
func (f *fakeLink) setOnLine(fn func(line string) []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLine = fn
}

func (f *fakeLink) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// fastDriverConfig keeps the driver's own status-poll cadence tight so
// status reports, credit accounting, and mode transitions settle within a
// test's wait budget.
func fastDriverConfig() grbl.Config {
	cfg := grbl.DefaultConfig()
	cfg.StatusPollInterval = 2 * time.Millisecond
	cfg.ParseErrorGrace = 0
	return cfg
}

// fastWaitConfig shrinks every wait.Wait polling/delay tunable so workflow
// controllers settle in milliseconds against fakeLink's instant auto-ack,
// instead of the production hardware-paced defaults.
func fastWaitConfig() wait.Config {
	return wait.Config{
		StatusPollInterval: time.Millisecond,
		CommandDelay:       time.Millisecond,
		ResetWait:          time.Millisecond,
		MotionStartTimeout: 50 * time.Millisecond,
		HomingTimeout:      time.Second,
	}
}

func newTestDriver(t *testing.T) (*grbl.Driver, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	d := grbl.New(fastDriverConfig())
	if err := d.Connect(link); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(d.Disconnect)
	return d, link
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
