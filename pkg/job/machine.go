// Package job runs a flash as a durable workflow on superfly/fsm: the run is
// recorded, a remote image is fetched, the request is validated, every
// destination is flashed and the results are written to the history.
package job

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fly-io/multiflash/pkg/db"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/orchestrator"
	"github.com/fly-io/multiflash/pkg/security"
	"github.com/fly-io/multiflash/pkg/storage"
	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// ImageSource resolves remote image paths into local files.
type ImageSource interface {
	Fetch(ctx context.Context, uri, dir string) (*storage.DownloadResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo        *db.Repository
	images      ImageSource
	validator   *security.Validator
	factory     writer.Factory
	workDir     string
	maxRetries  int
	maxParallel int

	start   fsm.Start[FlashRequest, FlashResponse]
	manager *fsm.Manager

	mu   sync.Mutex
	runs map[string]*run
}

// run holds what cannot be persisted across transitions: the caller's
// context and observers, the flash result and the error that stopped the run.
type run struct {
	ctx    context.Context
	opts   []orchestrator.Option
	result orchestrator.Result
	err    error
}

// Option customizes a Machine.
type Option func(*Machine)

// WithImageSource enables s3:// image paths.
func WithImageSource(src ImageSource) Option {
	return func(m *Machine) { m.images = src }
}

// WithMaxParallel bounds concurrent device writes.
func WithMaxParallel(n int) Option {
	return func(m *Machine) { m.maxParallel = n }
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	validator *security.Validator,
	factory writer.Factory,
	workDir string,
	maxRetries int,
	opts ...Option,
) *Machine {
	m := &Machine{
		repo:       repo,
		validator:  validator,
		factory:    factory,
		workDir:    workDir,
		maxRetries: maxRetries,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register registers the flash FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "flash").
		Start(StateCreate, m.handleCreate).
		To(StateFetch, m.handleFetch).
		To(StatePreflight, m.handlePreflight).
		To(StateFlash, m.handleFlash).
		To(StateRecord, m.handleRecord).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	m.start = start
	m.manager = manager
	return start, resume, nil
}

// Run executes one flash job and waits for it. opts observe the flash as it
// happens. Its signature matches ipc.Runner.
func (m *Machine) Run(ctx context.Context, req orchestrator.Request, opts ...orchestrator.Option) (orchestrator.Result, error) {
	if m.start == nil {
		return orchestrator.Result{}, errors.New("flash FSM not registered")
	}

	runID := uuid.NewString()
	state := &run{ctx: ctx, opts: opts}
	m.mu.Lock()
	m.runs[runID] = state
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()
	}()

	resp := &FlashResponse{}
	version, err := m.start(ctx, runID, fsm.NewRequest(newFlashRequest(runID, req), resp))
	if err != nil {
		return orchestrator.Result{}, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", runID, "version", version)

	waitErr := m.manager.Wait(ctx, version)

	m.mu.Lock()
	result, runErr := state.result, state.err
	m.mu.Unlock()

	if runErr != nil {
		return result, runErr
	}
	if waitErr != nil {
		return result, errors.Wrap(waitErr, "FSM execution failed")
	}

	slog.Info("fsm_completed", "run_id", runID, "devices", result.Len(), "failed", len(result.Failed()))
	return result, nil
}

func (m *Machine) lookup(runID string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r
	}
	// A run resumed after a restart has no in-process observers.
	r := &run{}
	m.runs[runID] = r
	return r
}

// fail records err as the reason the run stopped and aborts the FSM.
func (m *Machine) fail(ctx context.Context, runID string, err error) error {
	r := m.lookup(runID)
	m.mu.Lock()
	r.err = err
	m.mu.Unlock()

	if uerr := m.repo.UpdateStatus(ctx, runID, db.StatusFailed, err.Error()); uerr != nil {
		slog.Error("status_update_failed", "run_id", runID, "error", uerr)
	}
	return fsm.Abort(err)
}
