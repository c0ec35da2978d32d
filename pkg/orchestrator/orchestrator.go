// Package orchestrator writes one image to many destinations in parallel and
// resolves exactly once, with every destination's outcome, after the last
// device has finished or failed.
//
// Each device runs in its own goroutine and reports through a single event
// channel. One consumer goroutine owns the progress aggregator, the active set
// and the result list, so none of them need locking.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/progress"
	"github.com/fly-io/multiflash/pkg/session"
	"github.com/fly-io/multiflash/pkg/writer"
	"golang.org/x/sync/errgroup"
)

// Orchestrator launches one session per destination.
type Orchestrator struct {
	factory     writer.Factory
	logger      *slog.Logger
	onProgress  func(progress.Snapshot)
	onError     func(device string, err error)
	onFinish    func(Entry)
	maxParallel int
}

// New creates an orchestrator building writers with factory.
func New(factory writer.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Flash is a running orchestration. Its result is set exactly once.
type Flash struct {
	done   chan struct{}
	once   sync.Once
	result Result
	cancel context.CancelFunc
}

// Done is closed when every destination reached a terminal state.
func (f *Flash) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome once Done is closed.
func (f *Flash) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the flash resolves or ctx is done.
func (f *Flash) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel tears the flash down without waiting for in-flight writes. The
// flash never resolves after Cancel unless it already had.
func (f *Flash) Cancel() {
	f.cancel()
}

// resolve fills the one-shot result slot. Later calls are no-ops.
func (f *Flash) resolve(r Result) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Run starts a flash and waits for its result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	f, err := o.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer f.Cancel()
	return f.Wait(ctx)
}

// Start validates req and launches one session per destination. The
// destinations must be unique; validating that they are writable devices is
// left to the writers.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Flash, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	f := &Flash{done: make(chan struct{}), cancel: cancel}

	sessions := make([]*session.Session, 0, len(req.Destinations))
	for _, dest := range req.Destinations {
		w := o.factory(writer.Options{
			Device:             dest,
			ImagePath:          req.ImagePath,
			Verify:             req.Verify,
			UnmountOnSuccess:   req.UnmountOnSuccess,
			ChecksumAlgorithms: req.ChecksumAlgorithms,
			Logger:             o.logger,
		})
		sessions = append(sessions, session.New(dest, w, session.WithLogger(o.logger)))
	}

	events := make(chan session.Event, 4*len(sessions))
	sink := func(e session.Event) {
		select {
		case events <- e:
		case <-runCtx.Done():
		}
	}

	o.logger.Info("flash_start", "image", req.ImagePath, "destinations", len(sessions), "max_parallel", o.maxParallel)

	st := newRunState(o, req.Destinations)
	go st.consume(runCtx, f, events)

	go func() {
		var g errgroup.Group
		if o.maxParallel > 0 {
			g.SetLimit(o.maxParallel)
		}
		for _, s := range sessions {
			if runCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				s.Run(runCtx, sink)
				return nil
			})
		}
		g.Wait()
	}()

	return f, nil
}

func validate(req Request) error {
	if req.ImagePath == "" {
		return errors.Validation("image path is required")
	}
	if len(req.Destinations) == 0 {
		return errors.Validation("at least one destination is required")
	}
	seen := make(map[string]bool, len(req.Destinations))
	for _, d := range req.Destinations {
		if d == "" {
			return errors.Validation("empty destination")
		}
		if seen[d] {
			return errors.Validation("duplicate destination %s", d)
		}
		seen[d] = true
	}
	return nil
}

// runState is owned by the consumer goroutine.
type runState struct {
	o       *Orchestrator
	agg     *progress.Aggregator
	active  map[string]bool
	entries []Entry
}

func newRunState(o *Orchestrator, destinations []string) *runState {
	active := make(map[string]bool, len(destinations))
	for _, d := range destinations {
		active[d] = true
	}
	return &runState{
		o:       o,
		agg:     progress.NewAggregator(),
		active:  active,
		entries: make([]Entry, 0, len(destinations)),
	}
}

func (st *runState) consume(ctx context.Context, f *Flash, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			st.o.logger.Warn("flash_teardown", "active", len(st.active), "reason", ctx.Err())
			return
		case e := <-events:
			if ctx.Err() != nil {
				continue
			}
			if st.handle(e) {
				f.resolve(Result{Entries: st.entries})
				st.o.logger.Info("flash_complete", "devices", len(st.entries), "failed", len(Result{Entries: st.entries}.Failed()))
				return
			}
		}
	}
}

// handle applies one event and reports whether every device is now terminal.
// Events for devices that are no longer active are ignored.
func (st *runState) handle(e session.Event) bool {
	if !st.active[e.Device] {
		return len(st.active) == 0
	}

	switch e.Kind {
	case writer.EventProgress:
		snap := st.agg.Update(e.Device, e.State)
		if st.o.onProgress != nil {
			st.o.onProgress(snap)
		}

	case writer.EventError:
		delete(st.active, e.Device)
		st.agg.Remove(e.Device)

		de := errors.ForDevice(e.Device, e.Err)
		entry := Entry{Device: e.Device, Error: messageOf(de), Code: de.Code}
		if entry.Code == "" {
			entry.Code = blockdev.ErrorCode(de.Err)
		}
		st.entries = append(st.entries, entry)

		st.o.logger.Error("device_flash_failed", "device", e.Device, "error", entry.Error, "code", entry.Code)
		if st.o.onError != nil {
			st.o.onError(e.Device, de)
		}

	case writer.EventFinish:
		delete(st.active, e.Device)
		st.agg.Remove(e.Device)

		entry := Entry{
			Device:       e.Device,
			Success:      true,
			Checksums:    e.Result.Checksums,
			BytesWritten: e.Result.BytesWritten,
		}
		st.entries = append(st.entries, entry)

		st.o.logger.Info("device_flash_finished", "device", e.Device, "checksums", entry.Checksums)
		if st.o.onFinish != nil {
			st.o.onFinish(entry)
		}
	}

	return len(st.active) == 0
}

// messageOf returns the device error's cause message without the device prefix.
func messageOf(de *errors.DeviceError) string {
	if de.Err == nil {
		return de.Error()
	}
	return de.Err.Error()
}
