package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// forwardHandler passes records to inner and mirrors them to the peer as
// log events.
type forwardHandler struct {
	inner slog.Handler
	conn  *Conn
	attrs []slog.Attr
	group string
}

func newForwardHandler(inner slog.Handler, conn *Conn) *forwardHandler {
	return &forwardHandler{inner: inner, conn: conn}
}

func (h *forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Resolve())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a))
		return true
	})

	// Send failures surface through Receive on the worker's read loop.
	_ = h.conn.Send(EventLog, LogPayload{Message: b.String(), Level: r.Level.String()})
	return h.inner.Handle(ctx, r)
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return &next
}

// qualify prefixes a with the group open at the time it is added.
func (h *forwardHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}
