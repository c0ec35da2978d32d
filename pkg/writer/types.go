// Package writer defines the single-device writer contract consumed by the
// flash orchestrator, and a reference implementation that streams an image
// file onto a destination.
package writer

import (
	"context"
	"fmt"
	"log/slog"
)

// Phase is the stage a writer is in.
type Phase string

const (
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
)

// State is a progress snapshot for one device. Durations are seconds and
// speed is bytes per second.
type State struct {
	Type             Phase   `json:"type"`
	Delta            float64 `json:"delta"`
	BytesTransferred float64 `json:"bytesTransferred"`
	TotalBytes       float64 `json:"totalBytes"`
	Percentage       float64 `json:"percentage"`
	Remaining        float64 `json:"remaining"`
	Runtime          float64 `json:"runtime"`
	Speed            float64 `json:"speed"`
	ETA              float64 `json:"eta"`
}

// Result is the payload of a successful flash.
type Result struct {
	Device       string            `json:"device"`
	Checksums    map[string]string `json:"checksums,omitempty"`
	BytesWritten int64             `json:"bytesWritten"`
}

// EventKind tags a writer event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventError
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	case EventFinish:
		return "finish"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted by a Writer. State is set for progress, Result for finish
// and Err for error.
type Event struct {
	Kind   EventKind
	State  State
	Result Result
	Err    error
}

// Terminal reports whether the event ends the writer's lifecycle.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventFinish
}

// Options configures a writer for one destination.
type Options struct {
	Device             string
	ImagePath          string
	Verify             bool
	UnmountOnSuccess   bool
	ChecksumAlgorithms []string
	// Logger receives the writer's log lines; nil means slog.Default().
	Logger *slog.Logger
}

// Writer flashes one image onto one device. Flash blocks until the write is
// done and reports through emit: any number of progress events followed by
// one error or finish event.
type Writer interface {
	Flash(ctx context.Context, emit func(Event))
}

// Factory builds a Writer for a destination.
type Factory func(Options) Writer

// WriterFunc adapts a function into a Writer.
type WriterFunc func(ctx context.Context, emit func(Event))

// Flash executes f(ctx, emit).
func (f WriterFunc) Flash(ctx context.Context, emit func(Event)) {
	f(ctx, emit)
}
