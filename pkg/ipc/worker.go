package ipc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/orchestrator"
	"github.com/fly-io/multiflash/pkg/progress"
)

// WorkerState is a state of the worker side of the channel.
type WorkerState string

const (
	StateDisconnected WorkerState = "disconnected"
	StateConnecting   WorkerState = "connecting"
	StateIdle         WorkerState = "idle"
	StateRunning      WorkerState = "running"
	StateTerminating  WorkerState = "terminating"
	StateExited       WorkerState = "exited"
)

// Runner executes one flash job. Options carry the worker's observers.
type Runner func(ctx context.Context, req orchestrator.Request, opts ...orchestrator.Option) (orchestrator.Result, error)

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the local log sink. Records are also forwarded to
// the controller as log events once connected.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Worker runs a single job on behalf of a controller and exits.
type Worker struct {
	cfg    Config
	run    Runner
	logger *slog.Logger

	mu    sync.Mutex
	state WorkerState
}

// NewWorker creates a worker that dials cfg and executes jobs with run.
func NewWorker(cfg Config, run Runner, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:    cfg,
		run:    run,
		logger: slog.Default(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// State returns the current state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(to WorkerState) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	w.logger.Debug("ipc_worker_state", "from", from, "to", to)
}

type runOutcome struct {
	result orchestrator.Result
	err    error
}

// Run connects, announces readiness, executes the first write command and
// returns the process exit code. Disconnects, transport errors and ctx
// cancellation end the worker with ExitSuccess without waiting for in-flight
// devices; the controller decides whether the job completed.
func (w *Worker) Run(ctx context.Context) int {
	w.transition(StateConnecting)
	conn, err := Dial(ctx, w.cfg)
	if err != nil {
		w.logger.Error("ipc_connect_failed", "socket", w.cfg.SocketPath(), "error", err)
		return w.exit(errors.ExitSuccess)
	}
	defer conn.Close()

	log := slog.New(newForwardHandler(w.logger.Handler(), conn))

	w.transition(StateIdle)
	if err := conn.Send(EventReady, struct{}{}); err != nil {
		w.logger.Error("ipc_ready_failed", "error", err)
		return w.exit(errors.ExitSuccess)
	}

	stop := make(chan struct{})
	defer close(stop)
	inbox := make(chan Envelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := conn.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbox <- env:
			case <-stop:
				return
			}
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	outcome := make(chan runOutcome, 1)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ipc_worker_interrupted", "reason", ctx.Err())
			return w.exit(errors.ExitSuccess)

		case err := <-recvErr:
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				w.logger.Info("ipc_disconnected")
			} else {
				w.logger.Error("ipc_transport_error", "error", err)
			}
			return w.exit(errors.ExitSuccess)

		case env := <-inbox:
			switch env.Name {
			case EventWrite:
				if w.State() == StateRunning {
					log.Warn("write_ignored", "reason", "job already running")
					continue
				}
				var p WritePayload
				if err := env.Decode(&p); err != nil {
					w.sendError(conn, "", CodeValidation, err)
					return w.exit(errors.ExitValidationError)
				}
				w.transition(StateRunning)
				go w.execute(runCtx, p.Request(), conn, log, outcome)
			default:
				log.Warn("ipc_unknown_event", "name", env.Name)
			}

		case o := <-outcome:
			if ctx.Err() != nil {
				return w.exit(errors.ExitSuccess)
			}
			if o.err != nil {
				code := errors.ExitCode(o.err)
				errCode := CodeFault
				if code == errors.ExitValidationError {
					errCode = CodeValidation
				}
				w.logger.Error("ipc_job_failed", "error", o.err, "exit_code", code)
				w.sendError(conn, "", errCode, o.err)
				return w.exit(code)
			}
			if err := conn.Send(EventDone, o.result); err != nil {
				w.logger.Error("ipc_done_failed", "error", err)
			}
			w.logger.Info("ipc_job_done", "devices", o.result.Len(), "failed", len(o.result.Failed()))
			return w.exit(errors.ExitSuccess)
		}
	}
}

func (w *Worker) exit(code int) int {
	w.transition(StateTerminating)
	w.transition(StateExited)
	return code
}

// execute runs the job and reports exactly one outcome. A panic is reported
// as a fault.
func (w *Worker) execute(ctx context.Context, req orchestrator.Request, conn *Conn, log *slog.Logger, out chan<- runOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out <- runOutcome{err: fmt.Errorf("worker fault: %v", r)}
		}
	}()

	res, err := w.run(ctx, req,
		orchestrator.WithLogger(log),
		orchestrator.WithProgressCallback(func(s progress.Snapshot) {
			if err := conn.Send(EventState, s); err != nil {
				w.logger.Warn("ipc_state_dropped", "error", err)
			}
		}),
		orchestrator.WithErrorCallback(func(device string, err error) {
			w.sendError(conn, device, "", err)
		}),
	)
	out <- runOutcome{result: res, err: err}
}

func (w *Worker) sendError(conn *Conn, device, code string, err error) {
	p := ErrorPayload{Device: device, Message: err.Error(), Code: code}
	var de *errors.DeviceError
	if errors.As(err, &de) {
		p.Device = de.Device
		if de.Err != nil {
			p.Message = de.Err.Error()
		}
		p.Code = de.Code
		if p.Code == "" {
			p.Code = blockdev.ErrorCode(de.Err)
		}
	}
	if sendErr := conn.Send(EventError, p); sendErr != nil {
		w.logger.Debug("ipc_error_dropped", "device", device, "error", sendErr)
	}
}
