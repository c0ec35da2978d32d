package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/multiflash/internal/config"
	"github.com/fly-io/multiflash/pkg/blockdev"
	"github.com/fly-io/multiflash/pkg/db"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/fly-io/multiflash/pkg/job"
	"github.com/fly-io/multiflash/pkg/security"
	"github.com/fly-io/multiflash/pkg/storage"
	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM and work directories are only needed by commands that flash
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(filepath.Join(workDir, "downloads"), 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// newMachine wires the flash pipeline: history, device access, validation,
// S3 images and the FSM manager. The returned func releases all of it.
func newMachine(ctx context.Context, cfg *config.Config) (*job.Machine, func(), error) {
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return nil, nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db init failed")
	}

	dev, err := blockdev.NewManager()
	if err != nil {
		repo.Close()
		return nil, nil, errors.Wrap(err, "device manager failed")
	}

	opts := []job.Option{job.WithMaxParallel(cfg.MaxParallel)}
	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		slog.Warn("s3_unavailable", "error", err)
	} else {
		opts = append(opts, job.WithImageSource(s3Client))
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		dev.Close()
		repo.Close()
		return nil, nil, errors.Wrap(err, "FSM manager failed")
	}

	validator := security.NewValidator(dev, true)
	machine := job.NewMachine(repo, validator, writer.NewFactory(dev), cfg.WorkDir, cfg.FSMMaxRetries, opts...)
	if _, _, err := machine.Register(ctx, manager); err != nil {
		manager.Shutdown(10 * time.Second)
		dev.Close()
		repo.Close()
		return nil, nil, errors.Wrap(err, "FSM register failed")
	}

	release := func() {
		manager.Shutdown(10 * time.Second)
		dev.Close()
		repo.Close()
	}
	return machine, release, nil
}

// openRepository opens the history database without the rest of the pipeline.
func openRepository(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}
