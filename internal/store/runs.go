package store

import (
	"context"
	"database/sql"

	"github.com/lox/sensorcast/internal/models"
)

// StartComputeRun records the start of a get-or-compute run.
func (s *Store) StartComputeRun(ctx context.Context, run *models.ComputeRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compute_runs (id, started_at, start_date, end_date, sensors, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.ID, run.StartedAt.UTC(), int(run.Start), int(run.End), run.Sensors)
	return err
}

// CompleteComputeRun updates the run with its outcome.
func (s *Store) CompleteComputeRun(ctx context.Context, run *models.ComputeRun) error {
	if run == nil {
		return nil
	}
	var errMsg sql.NullString
	if run.ErrorMessage != "" {
		errMsg = sql.NullString{String: run.ErrorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE compute_runs SET
			finished_at = ?,
			requested = ?,
			cached = ?,
			computed = ?,
			missing = ?,
			failed = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt.UTC(), run.Requested, run.Cached, run.Computed, run.Missing,
		run.Failed, run.Success, errMsg, run.ID)
	return err
}

// RecentComputeRuns returns the latest runs, newest first.
func (s *Store) RecentComputeRuns(ctx context.Context, limit int) ([]models.ComputeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, start_date, end_date, sensors,
			   requested, cached, computed, missing, failed, success, error_message
		FROM compute_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ComputeRun
	for rows.Next() {
		var r models.ComputeRun
		var start, end int
		var finished sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &start, &end, &r.Sensors,
			&r.Requested, &r.Cached, &r.Computed, &r.Missing, &r.Failed, &r.Success, &errMsg); err != nil {
			return nil, err
		}
		r.Start, r.End = models.Date(start), models.Date(end)
		r.FinishedAt = finished.Time
		r.ErrorMessage = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
