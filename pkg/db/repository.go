package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/multiflash/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for flash runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database dir")
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateRun inserts a new run. Creating a run that already exists is a no-op
// so a resumed job can replay its first step.
func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	dests, err := json.Marshal(run.Destinations)
	if err != nil {
		return errors.Wrap(err, "failed to encode destinations")
	}

	query := `
		INSERT INTO runs (id, image_path, image_sha256, status, destinations, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query,
		run.ID, run.ImagePath, run.ImageSHA256, run.Status, string(dests), run.ErrorMessage); err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	slog.Info("database_run_created", "run_id", run.ID, "status", run.Status)
	return nil
}

// UpdateStatus updates the status of a run. Terminal statuses also set
// finished_at.
func (r *Repository) UpdateStatus(ctx context.Context, id, status, errorMessage string) error {
	query := `UPDATE runs SET status = ?, error_message = ? WHERE id = ?`
	if status == StatusCompleted || status == StatusFailed {
		query = `UPDATE runs SET status = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`
	}

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%s", id)
	}

	slog.Info("database_status_updated", "run_id", id, "status", status)
	return nil
}

// SetImageSHA256 records the digest of a downloaded image.
func (r *Repository) SetImageSHA256(ctx context.Context, id, sum string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE runs SET image_sha256 = ? WHERE id = ?`, sum, id); err != nil {
		return errors.Wrap(err, "failed to update image digest")
	}
	return nil
}

// RecordResults stores the per-device outcomes of a run and marks it
// completed in one transaction. Recording the same results twice replaces
// them.
func (r *Repository) RecordResults(ctx context.Context, runID string, results []DeviceResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_results WHERE run_id = ?`, runID); err != nil {
		return errors.Wrap(err, "failed to clear results")
	}

	insert := `
		INSERT INTO device_results (run_id, device, position, success, checksums, bytes_written, error_message, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, res := range results {
		sums, err := json.Marshal(res.Checksums)
		if err != nil {
			return errors.Wrap(err, "failed to encode checksums")
		}
		if _, err := tx.ExecContext(ctx, insert,
			runID, res.Device, i, res.Success, string(sums), res.BytesWritten, res.ErrorMessage, res.ErrorCode); err != nil {
			slog.Error("database_result_insert_failed", "run_id", runID, "device", res.Device, "error", err)
			return errors.Wrap(err, "failed to insert result")
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_message = '', finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusCompleted, runID)
	if err != nil {
		return errors.Wrap(err, "failed to complete run")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("run not found: id=%s", runID)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_results_recorded", "run_id", runID, "devices", len(results))
	return nil
}

const runColumns = `id, image_path, image_sha256, status, destinations, error_message, started_at, finished_at`

// GetRun retrieves a run and its results. It returns nil when not found.
func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}

	run.Results, err = r.results(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first. limit <= 0 means all.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	rows.Close()

	for _, run := range runs {
		if run.Results, err = r.results(ctx, run.ID); err != nil {
			return nil, err
		}
	}

	slog.Debug("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were removed.
func (r *Repository) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune runs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_runs_pruned", "removed", n, "kept", keep)
	return n, nil
}

func (r *Repository) results(ctx context.Context, runID string) ([]DeviceResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device, position, success, checksums, bytes_written, error_message, error_code
		FROM device_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query results")
	}
	defer rows.Close()

	var out []DeviceResult
	for rows.Next() {
		var res DeviceResult
		var sums, msg, code sql.NullString
		var written sql.NullInt64
		if err := rows.Scan(&res.Device, &res.Position, &res.Success, &sums, &written, &msg, &code); err != nil {
			return nil, errors.Wrap(err, "failed to scan result")
		}
		if sums.Valid && sums.String != "" && sums.String != "null" {
			if err := json.Unmarshal([]byte(sums.String), &res.Checksums); err != nil {
				return nil, errors.Wrap(err, "failed to decode checksums")
			}
		}
		res.BytesWritten = written.Int64
		res.ErrorMessage = msg.String
		res.ErrorCode = code.String
		out = append(out, res)
	}
	return out, errors.Wrap(rows.Err(), "rows error")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var sha, msg, finished sql.NullString
	var dests string
	if err := s.Scan(&run.ID, &run.ImagePath, &sha, &run.Status, &dests, &msg, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dests), &run.Destinations); err != nil {
		return nil, errors.Wrap(err, "failed to decode destinations")
	}
	run.ImageSHA256 = sha.String
	run.ErrorMessage = msg.String
	run.FinishedAt = finished.String
	return &run, nil
}
