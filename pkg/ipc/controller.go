package ipc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/orchestrator"
	"github.com/fly-io/multiflash/pkg/progress"
)

// ErrDisconnected is returned when the worker goes away before done.
var ErrDisconnected = errors.New("worker disconnected before done")

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// OnState is called for every aggregated progress event.
func OnState(fn func(progress.Snapshot)) ControllerOption {
	return func(c *Controller) { c.onState = fn }
}

// OnLog is called for every log event.
func OnLog(fn func(LogPayload)) ControllerOption {
	return func(c *Controller) { c.onLog = fn }
}

// OnError is called for every error event, device scoped or not.
func OnError(fn func(ErrorPayload)) ControllerOption {
	return func(c *Controller) { c.onError = fn }
}

// WithControllerLogger sets the log sink.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller drives one worker over an accepted connection.
type Controller struct {
	conn    *Conn
	logger  *slog.Logger
	onState func(progress.Snapshot)
	onLog   func(LogPayload)
	onError func(ErrorPayload)
}

// NewController wraps conn.
func NewController(conn *Conn, opts ...ControllerOption) *Controller {
	c := &Controller{conn: conn, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AwaitReady blocks until the worker announces itself.
func (c *Controller) AwaitReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		env, err := c.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "waiting for ready")
		}
		if env.Name == EventReady {
			c.logger.Info("ipc_worker_ready")
			return nil
		}
		c.logger.Debug("ipc_event_before_ready", "name", env.Name)
	}
}

// Write sends the job and relays events until the worker reports done.
// Cancelling ctx closes the connection, which makes the worker abort.
func (c *Controller) Write(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := c.conn.Send(EventWrite, NewWritePayload(req)); err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "failed to send write")
	}

	var fault *ErrorPayload
	for {
		env, err := c.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return orchestrator.Result{}, ctx.Err()
			}
			if fault != nil {
				if fault.Code == CodeValidation {
					return orchestrator.Result{}, errors.Validation("%s", fault.Message)
				}
				return orchestrator.Result{}, fmt.Errorf("worker failed: %s", fault.Message)
			}
			c.logger.Error("ipc_worker_lost", "error", err)
			return orchestrator.Result{}, ErrDisconnected
		}

		switch env.Name {
		case EventState:
			var s progress.Snapshot
			if err := env.Decode(&s); err != nil {
				c.logger.Warn("ipc_bad_state", "error", err)
				continue
			}
			if c.onState != nil {
				c.onState(s)
			}
		case EventLog:
			var p LogPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			if c.onLog != nil {
				c.onLog(p)
			}
		case EventError:
			var p ErrorPayload
			if err := env.Decode(&p); err != nil {
				c.logger.Warn("ipc_bad_error", "error", err)
				continue
			}
			if p.Device == "" {
				fault = &p
			}
			if c.onError != nil {
				c.onError(p)
			}
		case EventDone:
			var res DonePayload
			if err := env.Decode(&res); err != nil {
				return orchestrator.Result{}, errors.Wrap(err, "failed to decode result")
			}
			return res, nil
		default:
			c.logger.Debug("ipc_event_ignored", "name", env.Name)
		}
	}
}

// Close closes the connection. The worker treats this as a cancel.
func (c *Controller) Close() error {
	return c.conn.Close()
}
