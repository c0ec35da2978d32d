package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, ctx context.Context, fn writer.WriterFunc) (*Session, []Event) {
	t.Helper()
	s := New("/dev/sdx", fn)
	var got []Event
	s.Run(ctx, func(e Event) { got = append(got, e) })
	return s, got
}

func TestSession_Lifecycle(t *testing.T) {
	var states []State
	var s *Session
	s = New("/dev/sdx", writer.WriterFunc(func(ctx context.Context, emit func(writer.Event)) {
		states = append(states, s.State())
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseWrite, Percentage: 50}})
		states = append(states, s.State())
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseVerify, Percentage: 10}})
		states = append(states, s.State())
		emit(writer.Event{Kind: writer.EventFinish, Result: writer.Result{Checksums: map[string]string{"crc32": "AAA"}}})
	}))

	var got []Event
	s.Run(context.Background(), func(e Event) { got = append(got, e) })

	assert.Equal(t, []State{StatePending, StateWriting, StateVerifying}, states)
	assert.Equal(t, StateSucceeded, s.State())
	require.Len(t, got, 3)
	for _, e := range got {
		assert.Equal(t, "/dev/sdx", e.Device)
	}
	res, err := s.Outcome()
	assert.NoError(t, err)
	assert.Equal(t, "AAA", res.Checksums["crc32"])
	assert.Equal(t, 10.0, s.Progress().Percentage)
}

func TestSession_DropsEventsAfterTerminal(t *testing.T) {
	s, got := run(t, context.Background(), func(ctx context.Context, emit func(writer.Event)) {
		emit(writer.Event{Kind: writer.EventError, Err: errors.New("write failed")})
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Percentage: 99}})
		emit(writer.Event{Kind: writer.EventFinish})
		emit(writer.Event{Kind: writer.EventError, Err: errors.New("again")})
	})

	require.Len(t, got, 1)
	assert.Equal(t, writer.EventError, got[0].Kind)
	assert.Equal(t, StateFailed, s.State())
	_, err := s.Outcome()
	assert.EqualError(t, err, "write failed")
}

func TestSession_SynthesizesTerminalWhenWriterReturns(t *testing.T) {
	s, got := run(t, context.Background(), func(ctx context.Context, emit func(writer.Event)) {
		emit(writer.Event{Kind: writer.EventProgress, State: writer.State{Type: writer.PhaseWrite}})
	})

	require.Len(t, got, 2)
	assert.Equal(t, writer.EventError, got[1].Kind)
	assert.ErrorIs(t, got[1].Err, ErrNoResult)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, got := run(t, ctx, func(ctx context.Context, emit func(writer.Event)) {})

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, context.Canceled)
}

func TestSession_RecoversWriterPanic(t *testing.T) {
	s, got := run(t, context.Background(), func(ctx context.Context, emit func(writer.Event)) {
		panic("boom")
	})

	require.Len(t, got, 1)
	assert.Equal(t, writer.EventError, got[0].Kind)
	assert.Contains(t, got[0].Err.Error(), "boom")
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_LogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	s := New("/dev/sdx", writer.WriterFunc(func(ctx context.Context, emit func(writer.Event)) {
		emit(writer.Event{Kind: writer.EventFinish})
		emit(writer.Event{Kind: writer.EventProgress})
	}), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	s.Run(context.Background(), func(Event) {})
	assert.Equal(t, StateSucceeded, s.State())
	assert.Contains(t, buf.String(), "session_event_after_terminal")
	assert.Contains(t, buf.String(), "device=/dev/sdx")
}
