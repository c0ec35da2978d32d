// Package session wraps one Writer bound to one destination and enforces its
// lifecycle: pending -> writing -> verifying -> succeeded|failed. Events that
// break the contract (progress after a terminal event, a second terminal
// event) are dropped, and a writer that returns or panics without a terminal
// event is reported as failed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/writer"
)

// State is the lifecycle state of a session.
type State string

const (
	StatePending   State = "pending"
	StateWriting   State = "writing"
	StateVerifying State = "verifying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further events follow this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrNoResult is reported when a writer returns without a terminal event.
var ErrNoResult = errors.New("writer exited without a result")

// Event is a writer event tagged with the device it came from.
type Event struct {
	Device string
	writer.Event
}

// Session is the lifecycle of writing one image to one destination.
type Session struct {
	device string
	w      writer.Writer
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	progress writer.State
	result   writer.Result
	err      error
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger for dropped events and writer panics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New binds w to device.
func New(device string, w writer.Writer, opts ...Option) *Session {
	s := &Session{device: device, w: w, logger: slog.Default(), state: StatePending}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Device returns the destination path.
func (s *Session) Device() string {
	return s.device
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the last accepted progress snapshot.
func (s *Session) Progress() writer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Outcome returns the terminal result or error. Both are zero before the
// session is terminal.
func (s *Session) Outcome() (writer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Run flashes the destination and delivers accepted events to sink. It
// returns once the session is terminal; sink sees exactly one terminal event.
func (s *Session) Run(ctx context.Context, sink func(Event)) {
	emit := func(e writer.Event) {
		if s.accept(e) {
			sink(Event{Device: s.device, Event: e})
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session_writer_panic", "device", s.device, "panic", r)
				emit(writer.Event{Kind: writer.EventError, Err: fmt.Errorf("writer panic: %v", r)})
			}
		}()
		s.w.Flash(ctx, emit)
	}()

	if !s.State().Terminal() {
		err := ErrNoResult
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		emit(writer.Event{Kind: writer.EventError, Err: err})
	}
}

// accept applies e to the state machine and reports whether it is delivered.
func (s *Session) accept(e writer.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		s.logger.Warn("session_event_after_terminal", "device", s.device, "event", e.Kind.String(), "state", s.state)
		return false
	}

	switch e.Kind {
	case writer.EventProgress:
		if e.State.Type == writer.PhaseVerify {
			s.state = StateVerifying
		} else {
			s.state = StateWriting
		}
		s.progress = e.State
	case writer.EventError:
		s.state = StateFailed
		s.err = e.Err
		if s.err == nil {
			s.err = fmt.Errorf("unknown error")
		}
	case writer.EventFinish:
		s.state = StateSucceeded
		s.result = e.Result
	default:
		s.logger.Warn("session_unknown_event", "device", s.device, "event", e.Kind.String())
		return false
	}
	return true
}
