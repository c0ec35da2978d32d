package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/progress"
	"github.com/fly-io/multiflash/pkg/session"
	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scripted builds writers from a per-device script.
func scripted(scripts map[string]writer.WriterFunc) writer.Factory {
	return func(opts writer.Options) writer.Writer {
		if fn, ok := scripts[opts.Device]; ok {
			return fn
		}
		return writer.WriterFunc(func(ctx context.Context, emit func(writer.Event)) {
			emit(writer.Event{Kind: writer.EventFinish})
		})
	}
}

func finishWith(crc string) writer.WriterFunc {
	return func(ctx context.Context, emit func(writer.Event)) {
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseWrite, Percentage: 50}})
		emit(writer.Event{Kind: writer.EventFinish, Result: writer.Result{Checksums: map[string]string{"crc32": crc}}})
	}
}

func failWith(msg string) writer.WriterFunc {
	return func(ctx context.Context, emit func(writer.Event)) {
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseWrite, Percentage: 10}})
		emit(writer.Event{Kind: writer.EventError, Err: errors.New(msg)})
	}
}

func TestOrchestrator_MixedOutcomes(t *testing.T) {
	var mu sync.Mutex
	var errDevices []string
	var finished []string

	o := New(scripted(map[string]writer.WriterFunc{
		"/dev/a": finishWith("AAA"),
		"/dev/b": failWith("write failed"),
		"/dev/c": finishWith("CCC"),
	}),
		WithLogger(quiet),
		WithErrorCallback(func(device string, err error) {
			mu.Lock()
			defer mu.Unlock()
			var de *errors.DeviceError
			if assert.True(t, errors.As(err, &de)) {
				assert.Equal(t, device, de.Device)
			}
			errDevices = append(errDevices, device)
		}),
		WithFinishCallback(func(e Entry) {
			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, e.Device)
		}),
	)

	res, err := o.Run(context.Background(), Request{
		ImagePath:    "/img.iso",
		Destinations: []string{"/dev/a", "/dev/b", "/dev/c"},
	})
	require.NoError(t, err)

	require.Equal(t, 3, res.Len())
	byDevice := map[string]Entry{}
	for _, e := range res.Entries {
		byDevice[e.Device] = e
	}
	assert.Equal(t, Entry{Device: "/dev/a", Success: true, Checksums: map[string]string{"crc32": "AAA"}}, byDevice["/dev/a"])
	assert.Equal(t, Entry{Device: "/dev/b", Success: false, Error: "write failed"}, byDevice["/dev/b"])
	assert.Equal(t, Entry{Device: "/dev/c", Success: true, Checksums: map[string]string{"crc32": "CCC"}}, byDevice["/dev/c"])

	assert.Len(t, res.Succeeded(), 2)
	assert.Len(t, res.Failed(), 1)
	assert.Equal(t, []string{"/dev/b"}, errDevices)
	assert.ElementsMatch(t, []string{"/dev/a", "/dev/c"}, finished)
}

func TestOrchestrator_SingleDeviceSnapshotMatchesState(t *testing.T) {
	state := writer.State{Type: writer.PhaseWrite, Percentage: 42, Speed: 7, BytesTransferred: 42, TotalBytes: 100}

	var snaps []progress.Snapshot
	o := New(scripted(map[string]writer.WriterFunc{
		"/dev/a": func(ctx context.Context, emit func(writer.Event)) {
			emit(writer.Event{Kind: writer.EventProgress, State: state})
			emit(writer.Event{Kind: writer.EventFinish})
		},
	}), WithLogger(quiet), WithProgressCallback(func(s progress.Snapshot) {
		snaps = append(snaps, s)
	}))

	_, err := o.Run(context.Background(), Request{ImagePath: "/img", Destinations: []string{"/dev/a"}})
	require.NoError(t, err)

	require.Len(t, snaps, 1)
	assert.Equal(t, state, snaps[0].State)
}

func TestOrchestrator_ResultOrderFollowsCompletion(t *testing.T) {
	releaseA := make(chan struct{})
	o := New(scripted(map[string]writer.WriterFunc{
		"/dev/a": func(ctx context.Context, emit func(writer.Event)) {
			<-releaseA
			emit(writer.Event{Kind: writer.EventFinish})
		},
		"/dev/b": func(ctx context.Context, emit func(writer.Event)) {
			emit(writer.Event{Kind: writer.EventFinish})
			close(releaseA)
		},
	}), WithLogger(quiet))

	res, err := o.Run(context.Background(), Request{ImagePath: "/img", Destinations: []string{"/dev/a", "/dev/b"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "/dev/b", res.Entries[0].Device)
	assert.Equal(t, "/dev/a", res.Entries[1].Device)
}

func TestOrchestrator_RejectsBadRequests(t *testing.T) {
	o := New(scripted(nil), WithLogger(quiet))

	tests := []struct {
		name string
		req  Request
	}{
		{"no destinations", Request{ImagePath: "/img"}},
		{"duplicate destinations", Request{ImagePath: "/img", Destinations: []string{"/dev/a", "/dev/a"}}},
		{"empty destination", Request{ImagePath: "/img", Destinations: []string{""}}},
		{"no image", Request{Destinations: []string{"/dev/a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Start(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestOrchestrator_ResolvesOnceUnderRandomInterleaving(t *testing.T) {
	for round := 0; round < 20; round++ {
		rng := rand.New(rand.NewSource(int64(round)))
		n := rng.Intn(6) + 1
		scripts := map[string]writer.WriterFunc{}
		var dests []string
		for i := 0; i < n; i++ {
			dev := fmt.Sprintf("/dev/sd%c", 'a'+i)
			dests = append(dests, dev)
			fail := rng.Intn(2) == 0
			steps := rng.Intn(5)
			delay := time.Duration(rng.Intn(3)) * time.Millisecond
			scripts[dev] = func(ctx context.Context, emit func(writer.Event)) {
				for s := 0; s < steps; s++ {
					time.Sleep(delay)
					emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseWrite, Percentage: float64(s * 20)}})
				}
				if fail {
					emit(writer.Event{Kind: writer.EventError, Err: errors.New("boom")})
				} else {
					emit(writer.Event{Kind: writer.EventFinish})
				}
				// Contract violations the orchestrator must ignore.
				emit(writer.Event{Kind: writer.EventFinish})
				emit(writer.Event{Kind: writer.EventProgress})
			}
		}

		var mu sync.Mutex
		terminal := map[string]int{}
		count := func(dev string) {
			mu.Lock()
			defer mu.Unlock()
			terminal[dev]++
		}

		o := New(scripted(scripts),
			WithLogger(quiet),
			WithMaxParallel(rng.Intn(3)),
			WithErrorCallback(func(device string, err error) { count(device) }),
			WithFinishCallback(func(e Entry) { count(e.Device) }),
			WithProgressCallback(func(s progress.Snapshot) {
				assert.GreaterOrEqual(t, s.Percentage, 0.0)
				assert.LessOrEqual(t, s.Percentage, 100.0)
				assert.Positive(t, s.Active)
			}),
		)

		f, err := o.Start(context.Background(), Request{ImagePath: "/img", Destinations: dests})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := f.Wait(ctx)
		cancel()
		require.NoError(t, err)

		require.Equal(t, n, res.Len())
		seen := map[string]bool{}
		for _, e := range res.Entries {
			assert.False(t, seen[e.Device], "device %s reported twice", e.Device)
			seen[e.Device] = true
		}
		mu.Lock()
		for _, d := range dests {
			assert.Equal(t, 1, terminal[d], "terminal callbacks for %s", d)
		}
		mu.Unlock()

		again, ok := f.Result()
		assert.True(t, ok)
		assert.Equal(t, res, again)
	}
}

func TestRunState_IgnoresEventsForInactiveDevices(t *testing.T) {
	calls := 0
	o := New(scripted(nil), WithLogger(quiet), WithFinishCallback(func(Entry) { calls++ }))
	st := newRunState(o, []string{"/dev/a", "/dev/b"})

	finish := session.Event{Device: "/dev/a", Event: writer.Event{Kind: writer.EventFinish}}
	assert.False(t, st.handle(finish))
	assert.False(t, st.handle(finish))
	assert.False(t, st.handle(session.Event{Device: "/dev/a", Event: writer.Event{Kind: writer.EventError, Err: errors.New("late")}}))
	assert.False(t, st.handle(session.Event{Device: "/dev/zzz", Event: writer.Event{Kind: writer.EventFinish}}))

	assert.Equal(t, 1, calls)
	assert.Len(t, st.entries, 1)

	assert.True(t, st.handle(session.Event{Device: "/dev/b", Event: writer.Event{Kind: writer.EventFinish}}))
	assert.Len(t, st.entries, 2)
}

func TestFlash_ResolveIsOneShot(t *testing.T) {
	f := &Flash{done: make(chan struct{}), cancel: func() {}}
	_, ok := f.Result()
	assert.False(t, ok)

	assert.True(t, f.resolve(Result{Entries: []Entry{{Device: "/dev/a"}}}))
	assert.False(t, f.resolve(Result{}))

	res, ok := f.Result()
	require.True(t, ok)
	assert.Equal(t, "/dev/a", res.Entries[0].Device)
}

func TestFlash_CancelTearsDownWithoutResolving(t *testing.T) {
	started := make(chan struct{})
	o := New(scripted(map[string]writer.WriterFunc{
		"/dev/a": func(ctx context.Context, emit func(writer.Event)) {
			close(started)
			<-ctx.Done()
		},
	}), WithLogger(quiet))

	f, err := o.Start(context.Background(), Request{ImagePath: "/img", Destinations: []string{"/dev/a"}})
	require.NoError(t, err)
	<-started
	f.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrchestrator_PassesLoggerToWriters(t *testing.T) {
	var mu sync.Mutex
	var got []*slog.Logger
	factory := func(opts writer.Options) writer.Writer {
		mu.Lock()
		got = append(got, opts.Logger)
		mu.Unlock()
		return writer.WriterFunc(func(ctx context.Context, emit func(writer.Event)) {
			emit(writer.Event{Kind: writer.EventFinish})
		})
	}

	_, err := New(factory, WithLogger(quiet)).Run(context.Background(), Request{
		ImagePath:    "/img",
		Destinations: []string{"/dev/a", "/dev/b"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, l := range got {
		assert.Same(t, quiet, l)
	}
}
