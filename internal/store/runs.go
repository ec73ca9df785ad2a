package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
)

// RecordRun inserts or replaces a run and its inputs within a transaction.
func (db *DB) RecordRun(ctx context.Context, run models.Run) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, command, output, row_count, col_count, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command     = excluded.command,
			output      = excluded.output,
			row_count   = excluded.row_count,
			col_count   = excluded.col_count,
			status      = excluded.status,
			error       = excluded.error,
			started_at  = excluded.started_at,
			finished_at = excluded.finished_at
	`, run.ID, run.Command, run.Output, run.Rows, run.Columns, run.Status, run.Error,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: upsert run: %w", err)
	}

	// Replace inputs: delete old then bulk insert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_inputs WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("store: clear inputs: %w", err)
	}
	if len(run.Inputs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_inputs (run_id, position, path, name, checksum, size, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare input insert: %w", err)
		}
		defer stmt.Close()
		for i, in := range run.Inputs {
			if _, err := stmt.ExecContext(ctx, run.ID, i, in.Path, in.Name, in.Checksum, in.Size, in.UpdatedAt.UTC()); err != nil {
				return fmt.Errorf("store: insert input: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs first, with their inputs.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, command, output, row_count, col_count, status, error, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	var out []models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.Command, &r.Output, &r.Rows, &r.Columns, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		inputs, err := db.runInputs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Inputs = inputs
	}
	return out, nil
}

// GetRun returns a single run by id.
func (db *DB) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var r models.Run
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, command, output, row_count, col_count, status, error, started_at, finished_at
		FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Command, &r.Output, &r.Rows, &r.Columns, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: run %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	if r.Inputs, err = db.runInputs(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) runInputs(ctx context.Context, runID string) ([]models.InputFile, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, name, checksum, size, updated_at
		FROM run_inputs WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: run inputs: %w", err)
	}
	defer rows.Close()

	var out []models.InputFile
	for rows.Next() {
		var in models.InputFile
		var updated sql.NullTime
		if err := rows.Scan(&in.Path, &in.Name, &in.Checksum, &in.Size, &updated); err != nil {
			return nil, err
		}
		in.UpdatedAt = updated.Time
		out = append(out, in)
	}
	return out, rows.Err()
}
