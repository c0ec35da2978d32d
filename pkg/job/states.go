package job

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fly-io/multiflash/pkg/db"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/orchestrator"
	"github.com/fly-io/multiflash/pkg/storage"
	"github.com/superfly/fsm"
)

func (m *Machine) checkRetries(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); m.maxRetries > 0 && retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return m.fail(ctx, runID, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

func response(req *fsm.Request[FlashRequest, FlashResponse]) *FlashResponse {
	if req.W.Msg == nil {
		return &FlashResponse{}
	}
	return req.W.Msg
}

// handleCreate records the run so it shows up in the history even if it fails
func (m *Machine) handleCreate(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_create", "run_id", req.Msg.RunID, "image", req.Msg.ImagePath)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	err := m.repo.CreateRun(ctx, &db.Run{
		ID:           req.Msg.RunID,
		ImagePath:    req.Msg.ImagePath,
		Status:       db.StatusPending,
		Destinations: req.Msg.Destinations,
	})
	if err != nil {
		slog.Error("create_run_failed", "run_id", req.Msg.RunID, "error", err)
		return nil, errors.Wrap(err, "failed to create run record")
	}

	resp := response(req)
	resp.Status = db.StatusPending
	return fsm.NewResponse(resp), nil
}

// handleFetch resolves an s3:// image into the local cache
func (m *Machine) handleFetch(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_fetch", "run_id", req.Msg.RunID, "image", req.Msg.ImagePath)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := response(req)
	if !storage.IsRemote(req.Msg.ImagePath) {
		resp.LocalImage = req.Msg.ImagePath
		return fsm.NewResponse(resp), nil
	}
	if m.images == nil {
		return nil, m.fail(ctx, req.Msg.RunID, errors.Validation("remote images are not configured: %s", req.Msg.ImagePath))
	}

	result, err := m.images.Fetch(ctx, req.Msg.ImagePath, filepath.Join(m.workDir, "downloads"))
	if err != nil {
		if errors.IsValidation(err) {
			return nil, m.fail(ctx, req.Msg.RunID, err)
		}
		slog.Error("download_failed", "run_id", req.Msg.RunID, "image", req.Msg.ImagePath, "error", err)
		return nil, errors.Wrap(err, "failed to fetch image")
	}

	resp.LocalImage = result.LocalPath
	resp.ImageSHA256 = result.SHA256
	if result.SHA256 != "" {
		if err := m.repo.SetImageSHA256(ctx, req.Msg.RunID, result.SHA256); err != nil {
			return nil, err
		}
	}

	slog.Info("image_fetched", "run_id", req.Msg.RunID, "local_path", result.LocalPath, "cached", result.Cached)
	return fsm.NewResponse(resp), nil
}

// handlePreflight validates the image and every destination before any write
func (m *Machine) handlePreflight(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_preflight", "run_id", req.Msg.RunID, "destinations", len(req.Msg.Destinations))

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := response(req)
	if resp.LocalImage == "" {
		return nil, m.fail(ctx, req.Msg.RunID, fmt.Errorf("image was not resolved"))
	}

	size, err := m.validator.ValidateImage(resp.LocalImage)
	if err != nil {
		return nil, m.fail(ctx, req.Msg.RunID, err)
	}
	if _, err := m.validator.ValidateDestinations(ctx, resp.LocalImage, size, req.Msg.Destinations); err != nil {
		return nil, m.fail(ctx, req.Msg.RunID, err)
	}

	resp.ImageSize = size
	return fsm.NewResponse(resp), nil
}

// handleFlash writes every destination. A flash is never retried: the
// devices may already be partially written.
func (m *Machine) handleFlash(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_flash", "run_id", req.Msg.RunID)

	resp := response(req)
	if fsm.RetryFromContext(ctx) > 0 {
		return nil, m.fail(ctx, req.Msg.RunID, fmt.Errorf("flash interrupted, not retrying"))
	}

	if err := m.repo.UpdateStatus(ctx, req.Msg.RunID, db.StatusRunning, ""); err != nil {
		return nil, m.fail(ctx, req.Msg.RunID, err)
	}

	r := m.lookup(req.Msg.RunID)
	opts := append([]orchestrator.Option{orchestrator.WithMaxParallel(m.maxParallel)}, r.opts...)

	// The caller going away cancels the flash too.
	flashCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.ctx != nil {
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()
	}

	result, err := orchestrator.New(m.factory, opts...).Run(flashCtx, req.Msg.orchestratorRequest(resp.LocalImage))
	if err != nil {
		slog.Error("flash_failed", "run_id", req.Msg.RunID, "error", err)
		return nil, m.fail(ctx, req.Msg.RunID, err)
	}

	m.mu.Lock()
	r.result = result
	m.mu.Unlock()

	resp.Results = result.Entries
	return fsm.NewResponse(resp), nil
}

// handleRecord stores the per-device results; it is safe to retry
func (m *Machine) handleRecord(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_record", "run_id", req.Msg.RunID)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := response(req)
	entries := resp.Results
	r := m.lookup(req.Msg.RunID)
	m.mu.Lock()
	if r.result.Len() > 0 {
		entries = r.result.Entries
	}
	m.mu.Unlock()

	results := make([]db.DeviceResult, 0, len(entries))
	for i, e := range entries {
		results = append(results, db.DeviceResult{
			Device:       e.Device,
			Position:     i,
			Success:      e.Success,
			Checksums:    e.Checksums,
			BytesWritten: e.BytesWritten,
			ErrorMessage: e.Error,
			ErrorCode:    e.Code,
		})
	}

	if err := m.repo.RecordResults(ctx, req.Msg.RunID, results); err != nil {
		slog.Error("record_results_failed", "run_id", req.Msg.RunID, "error", err)
		return nil, errors.Wrap(err, "failed to record results")
	}

	resp.Status = db.StatusCompleted
	return fsm.NewResponse(resp), nil
}
