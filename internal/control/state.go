// Package control holds the shared run-state machine that coordinates the
// pipeline stages, and the wrap signal between capture and record.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

var (
	// ErrExit is returned by waits once the state is Exit.
	ErrExit = errors.New("control: exit requested")
	// ErrInvalidTransition reports a command that does not apply to the current state.
	ErrInvalidTransition = errors.New("control: invalid transition")
	// ErrUnknownCommand reports an unparseable command name.
	ErrUnknownCommand = errors.New("control: unknown command")
)

// State is the pipeline run state.
type State int32

const (
	Stopped State = iota
	Running
	Exit
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Command is a request to change the run state.
type Command int

const (
	CommandNone Command = iota
	CommandStart
	CommandStop
	CommandReset
	CommandQuit
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandReset:
		return "reset"
	case CommandQuit:
		return "quit"
	default:
		return "none"
	}
}

// ParseCommand maps a command name to a Command.
func ParseCommand(name string) (Command, error) {
	switch strings.ToLower(name) {
	case "start":
		return CommandStart, nil
	case "stop":
		return CommandStop, nil
	case "reset":
		return CommandReset, nil
	case "quit", "exit":
		return CommandQuit, nil
	default:
		return CommandNone, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Slot identifies a stream whose position is reset by CommandReset.
type Slot int

const (
	SlotInput Slot = iota
	SlotOutput
	numSlots
)

func (s Slot) String() string {
	if s == SlotInput {
		return "input"
	}
	return "output"
}

// Rewinder seeks a stream back to offset 0.
type Rewinder interface {
	Rewind() error
}

// Control is the shared run-state machine. It starts Stopped; Exit is
// terminal. Every transition happens under one mutex and is followed by a
// broadcast. Entering Exit also cancels Context(), which every blocking wait
// in the pipeline observes.
type Control struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State

	ctx    context.Context
	cancel context.CancelFunc

	rewinders [numSlots]Rewinder

	subs    map[int]chan State
	nextSub int
}

// New creates a Control in the Stopped state. Cancelling parent has the same
// effect on waiters as Quit.
func New(parent context.Context) *Control {
	ctx, cancel := context.WithCancel(parent)
	c := &Control{
		state:  Stopped,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan State),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Context is cancelled when the state becomes Exit.
func (c *Control) Context() context.Context {
	return c.ctx
}

// State returns the current state.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRewinder registers the reset callback for a stream slot.
func (c *Control) SetRewinder(slot Slot, r Rewinder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot >= 0 && slot < numSlots {
		c.rewinders[slot] = r
	}
}

// setLocked changes state, wakes every waiter and notifies subscribers.
// Caller holds c.mu.
func (c *Control) setLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.cond.Broadcast()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
	logger.WithComponent("control").Debug().
		Stringer("from", prev).
		Stringer("to", s).
		Msg("State changed")
}

// Start moves Stopped to Running.
func (c *Control) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Stopped:
		c.setLocked(Running)
		return nil
	case Exit:
		return ErrExit
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
}

// Stop moves Running to Stopped.
func (c *Control) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Running:
		c.setLocked(Stopped)
		return nil
	case Exit:
		return ErrExit
	default:
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, c.state)
	}
}

// Reset stops the pipeline, rewinds the input and output streams to offset 0
// and resumes Running. The state lock is held throughout, so stages never
// observe the intermediate Stopped state. Rewind failures are reported but
// the pipeline still resumes.
func (c *Control) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Exit {
		return ErrExit
	}

	c.state = Stopped

	var result *multierror.Error
	for slot, r := range c.rewinders {
		if r == nil {
			continue
		}
		if err := r.Rewind(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rewind %s: %w", Slot(slot), err))
		}
	}

	c.state = Running
	c.cond.Broadcast()
	for _, ch := range c.subs {
		select {
		case ch <- Running:
		default:
		}
	}

	logger.WithComponent("control").Info().Msg("Streams reset to offset 0")
	return result.ErrorOrNil()
}

// Quit moves any state to Exit, wakes every waiter and cancels Context().
func (c *Control) Quit() {
	c.mu.Lock()
	c.setLocked(Exit)
	c.mu.Unlock()
	c.cancel()
}

// Apply dispatches a command to the matching transition.
func (c *Control) Apply(cmd Command) error {
	switch cmd {
	case CommandStart:
		return c.Start()
	case CommandStop:
		return c.Stop()
	case CommandReset:
		return c.Reset()
	case CommandQuit:
		c.Quit()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// WaitRunning blocks while the state is Stopped. It returns nil once
// Running, ErrExit once Exit, or ctx.Err() if ctx is cancelled first.
func (c *Control) WaitRunning(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.state == Stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	if c.state == Exit {
		return ErrExit
	}
	return nil
}

// Subscribe returns a channel receiving every new state. Slow subscribers
// miss intermediate states. The returned func unsubscribes.
func (c *Control) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// IsTerminal reports whether err ends a stage normally: Exit or cancellation.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrExit) ||
		errors.Is(err, context.Canceled)
}
