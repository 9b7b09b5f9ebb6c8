package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const runColumns = `id, status, started_at, finished_at, processed, inserted, changed,
	snapshots, rotated, missing, sharp_changes, duration_ms, error`

// StartRun records a run in status running.
func (s *Store) StartRun(ctx context.Context, id string, startedAt int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sync_runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, RunRunning, startedAt)
	if err != nil {
		return fmt.Errorf("store: start run: %w", err)
	}
	return nil
}

// FinishRun writes the final counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, finished_at = ?, processed = ?, inserted = ?,
			changed = ?, snapshots = ?, rotated = ?, missing = ?, sharp_changes = ?,
			duration_ms = ?, error = ?
		 WHERE id = ?`,
		r.Status, r.FinishedAt, r.Processed, r.Inserted, r.Changed, r.Snapshots,
		r.Rotated, r.Missing, r.SharpChanges, r.DurationMs, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return r, nil
}

// LastRun returns the most recently started run.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	r, err := scanRun(s.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: last run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r        Run
		finished sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Status, &r.StartedAt, &finished, &r.Processed, &r.Inserted,
		&r.Changed, &r.Snapshots, &r.Rotated, &r.Missing, &r.SharpChanges,
		&r.DurationMs, &r.Error); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	return &r, nil
}
