// SPDX-License-Identifier: AGPL-3.0-or-later

// Package control implements ControllerCore, the FSM chassis shared by
// MillingController, ProbeController, and ToolChangeController, plus those
// three workflow controllers themselves.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a ControllerCore phase.
type State int

const (
	Idle State = iota
	Initializing
	Running
	Paused
	WaitingForUserInput
	Completing
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case WaitingForUserInput:
		return "WaitingForUserInput"
	case Completing:
		return "Completing"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// transitions is the table every state change is checked against.
var transitions = map[State][]State{
	Idle:                 {Initializing},
	Initializing:         {Running, Failed, Cancelled},
	Running:              {Paused, WaitingForUserInput, Completing, Failed, Cancelled},
	Paused:               {Running, Cancelled},
	WaitingForUserInput:  {Running, Cancelled},
	Completing:           {Completed, Failed},
	Completed:            {Idle},
	Failed:               {Idle},
	Cancelled:            {Idle},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventKind tags the coarse controller event stream (spec §9: one coarse
// Event stream per component instead of fine multicast delegates).
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventProgress
	EventUserInputRequired
	EventErrorOccurred
)

// UserInputRequest is the one-shot rendezvous offered to the external
// collaborator while a controller is WaitingForUserInput.
type UserInputRequest struct {
	Title   string
	Message string
	Options []string
	Respond func(choice string)
}

type Event struct {
	Kind EventKind
	Time time.Time

	OldState State
	NewState State

	ProgressFraction float64
	ProgressMessage  string

	UserInput UserInputRequest

	Err error
}

// Core is the embeddable FSM chassis. Workflow controllers embed *Core and
// supply a run function plus a cleanup function.
type Core struct {
	mu    sync.Mutex
	state State

	bus struct {
		mu   sync.Mutex
		subs map[int]chan Event
		next int
	}

	cancel      context.CancelFunc
	cleanupFn   func()
	cleanupOnce sync.Once

	paused    bool
	pauseCond *sync.Cond
}

func NewCore() *Core {
	c := &Core{state: Idle}
	c.bus.subs = make(map[int]chan Event)
	c.pauseCond = sync.NewCond(&c.mu)
	return c
}

func (c *Core) Subscribe(buffer int) (<-chan Event, func()) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	id := c.bus.next
	c.bus.next++
	ch := make(chan Event, buffer)
	c.bus.subs[id] = ch
	return ch, func() {
		c.bus.mu.Lock()
		defer c.bus.mu.Unlock()
		delete(c.bus.subs, id)
	}
}

func (c *Core) publish(ev Event) {
	c.bus.mu.Lock()
	chans := make([]chan Event, 0, len(c.bus.subs))
	for _, ch := range c.bus.subs {
		chans = append(chans, ch)
	}
	c.bus.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Core) Phase() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the FSM to to, publishing EventStateChanged. Panics (a
// programming-bug assertion, per the teacher's style) if the transition
// isn't in the table.
func (c *Core) transition(to State) {
	c.mu.Lock()
	from := c.state
	if !allowed(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("illegal controller transition %s -> %s", from, to))
	}
	c.state = to
	c.mu.Unlock()
	c.publish(Event{Kind: EventStateChanged, Time: time.Now(), OldState: from, NewState: to})
}

// RunFunc is the workflow body. It must poll ctx.Done() at every suspension
// point and use Core's Pause/UserInput helpers for FSM-visible suspension.
type RunFunc func(ctx context.Context, core *Core) error

// Start transitions Idle -> Initializing -> Running and runs run in a new
// goroutine. Exceptions (panics) and returned errors both become a Failed
// terminal state plus an EventErrorOccurred; ctx cancellation becomes
// Cancelled. cleanup always runs exactly once before the terminal state is
// published.
func (c *Core) Start(run RunFunc, cleanup func()) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return fmt.Errorf("workflow precondition violated: Start called in state %s", c.state)
	}
	c.mu.Unlock()

	c.cleanupOnce = sync.Once{}
	c.cleanupFn = cleanup
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.transition(Initializing)
	c.transition(Running)

	go func() {
		var runErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = fmt.Errorf("controller panic: %v", r)
				}
			}()
			runErr = run(ctx, c)
		}()

		c.runCleanup()

		c.mu.Lock()
		cur := c.state
		c.mu.Unlock()
		if cur == Cancelled || cur == Failed {
			return
		}

		if runErr != nil {
			if ctx.Err() != nil {
				c.transition(Cancelled)
				return
			}
			c.publish(Event{Kind: EventErrorOccurred, Time: time.Now(), Err: runErr})
			c.transition(Completing)
			c.transition(Failed)
			return
		}
		c.transition(Completing)
		c.transition(Completed)
	}()
	return nil
}

func (c *Core) runCleanup() {
	c.cleanupOnce.Do(func() {
		if c.cleanupFn != nil {
			c.cleanupFn()
		}
	})
}

// Pause transitions Running -> Paused. RunFunc bodies observe this via
// WaitIfPaused.
func (c *Core) Pause() error {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return fmt.Errorf("workflow precondition violated: Pause called in state %s", c.state)
	}
	from := c.state
	c.state = Paused
	c.paused = true
	c.mu.Unlock()
	c.publish(Event{Kind: EventStateChanged, Time: time.Now(), OldState: from, NewState: Paused})
	return nil
}

// Resume transitions Paused -> Running.
func (c *Core) Resume() error {
	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()
		return fmt.Errorf("workflow precondition violated: Resume called in state %s", c.state)
	}
	c.state = Running
	c.paused = false
	c.mu.Unlock()
	c.pauseCond.Broadcast()
	c.publish(Event{Kind: EventStateChanged, Time: time.Now(), OldState: Paused, NewState: Running})
	return nil
}

// WaitIfPaused blocks the calling RunFunc while the controller is Paused.
// It returns false if ctx is cancelled while waiting.
func (c *Core) WaitIfPaused(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.pauseCond.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused {
		if ctx.Err() != nil {
			return false
		}
		c.pauseCond.Wait()
	}
	return ctx.Err() == nil
}

// RequestUserInput transitions Running -> WaitingForUserInput, publishes the
// request, and blocks until respond is invoked or ctx is cancelled.
func (c *Core) RequestUserInput(ctx context.Context, title, message string, options []string) (string, bool) {
	respCh := make(chan string, 1)

	respond := func(choice string) {
		select {
		case respCh <- choice:
		default:
		}
	}

	c.transition(WaitingForUserInput)
	c.publish(Event{
		Kind: EventUserInputRequired,
		Time: time.Now(),
		UserInput: UserInputRequest{
			Title: title, Message: message, Options: options, Respond: respond,
		},
	})

	select {
	case choice := <-respCh:
		c.transition(Running)
		return choice, true
	case <-ctx.Done():
		return "", false
	}
}

// Progress emits a progress event without any state transition.
func (c *Core) Progress(fraction float64, message string) {
	c.publish(Event{Kind: EventProgress, Time: time.Now(), ProgressFraction: fraction, ProgressMessage: message})
}

// Stop cancels the running workflow and runs cleanup; the terminal state is
// set by whichever of Stop or the run goroutine's own completion arrives
// first (both go through runCleanup's sync.Once).
func (c *Core) Stop() {
	c.mu.Lock()
	state := c.state
	if c.cancel != nil {
		c.cancel()
	}
	c.paused = false
	c.mu.Unlock()
	c.pauseCond.Broadcast()

	if state == Idle || state == Completed || state == Failed || state == Cancelled {
		return
	}
	c.runCleanup()
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	if cur != Completed && cur != Failed && cur != Cancelled {
		c.transition(Cancelled)
	}
}

// Reset returns a terminal controller to Idle so it can Start again.
func (c *Core) Reset() error {
	c.mu.Lock()
	if c.state != Completed && c.state != Failed && c.state != Cancelled {
		c.mu.Unlock()
		return fmt.Errorf("workflow precondition violated: Reset called in state %s", c.state)
	}
	from := c.state
	c.state = Idle
	c.mu.Unlock()
	c.publish(Event{Kind: EventStateChanged, Time: time.Now(), OldState: from, NewState: Idle})
	return nil
}
