package orchestrator

import (
	"log/slog"

	"github.com/fly-io/multiflash/pkg/progress"
)

// Request describes one flash job.
type Request struct {
	ImagePath          string
	Destinations       []string
	Verify             bool
	UnmountOnSuccess   bool
	ChecksumAlgorithms []string
}

// Entry is the outcome of one destination.
type Entry struct {
	Device       string            `json:"device" yaml:"device"`
	Success      bool              `json:"success" yaml:"success"`
	Checksums    map[string]string `json:"checksums,omitempty" yaml:"checksums,omitempty"`
	BytesWritten int64             `json:"bytesWritten,omitempty" yaml:"bytes_written,omitempty"`
	Error        string            `json:"error,omitempty" yaml:"error,omitempty"`
	Code         string            `json:"code,omitempty" yaml:"code,omitempty"`
}

// Result lists every destination's outcome in completion order.
type Result struct {
	Entries []Entry `json:"results" yaml:"results"`
}

// Len returns the number of entries.
func (r Result) Len() int {
	return len(r.Entries)
}

// Succeeded returns the successful entries.
func (r Result) Succeeded() []Entry {
	return r.filter(true)
}

// Failed returns the failed entries.
func (r Result) Failed() []Entry {
	return r.filter(false)
}

func (r Result) filter(success bool) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Success == success {
			out = append(out, e)
		}
	}
	return out
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the log sink for per-device outcome lines.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProgressCallback is called with every recomputed aggregate.
func WithProgressCallback(fn func(progress.Snapshot)) Option {
	return func(o *Orchestrator) {
		o.onProgress = fn
	}
}

// WithErrorCallback is called once for every device that fails. err is a
// *errors.DeviceError carrying the device.
func WithErrorCallback(fn func(device string, err error)) Option {
	return func(o *Orchestrator) {
		o.onError = fn
	}
}

// WithFinishCallback is called once for every device that succeeds.
func WithFinishCallback(fn func(Entry)) Option {
	return func(o *Orchestrator) {
		o.onFinish = fn
	}
}

// WithMaxParallel bounds how many destinations are written at once.
// Zero or a negative value means no bound.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		o.maxParallel = n
	}
}
