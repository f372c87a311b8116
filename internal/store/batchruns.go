package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchRunRecord is the persisted summary of one batch driver run.
type BatchRunRecord struct {
	ID          string
	Kind        string // "resolve" or "correct"
	StartedAt   time.Time
	FinishedAt  *time.Time
	Total       int
	Processed   int
	Succeeded   int
	Failed      int
	Skipped     int
	NoMatch     int
	NeedsReview int
}

// CreateBatchRun records the start of a run and returns its id.
func (s *Store) CreateBatchRun(ctx context.Context, kind string, total int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO batch_runs (id, kind, started_at, total) VALUES (?,?,?,?)",
		id, kind, time.Now().UTC(), total)
	if err != nil {
		return "", fmt.Errorf("failed to create batch run: %w", err)
	}
	return id, nil
}

// FinishBatchRun stores the final counters for a run.
func (s *Store) FinishBatchRun(ctx context.Context, rec BatchRunRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs SET
			finished_at = ?, processed = ?, succeeded = ?, failed = ?,
			skipped = ?, no_match = ?, needs_review = ?
		WHERE id = ?`,
		time.Now().UTC(), rec.Processed, rec.Succeeded, rec.Failed,
		rec.Skipped, rec.NoMatch, rec.NeedsReview, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish batch run %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch run %s not found", rec.ID)
	}
	return nil
}

// LastBatchRun returns the most recently started run, or nil when none exist.
func (s *Store) LastBatchRun(ctx context.Context) (*BatchRunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, started_at, finished_at, total, processed,
		       succeeded, failed, skipped, no_match, needs_review
		FROM batch_runs ORDER BY started_at DESC LIMIT 1`)

	var rec BatchRunRecord
	var finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.Kind, &rec.StartedAt, &finished, &rec.Total,
		&rec.Processed, &rec.Succeeded, &rec.Failed, &rec.Skipped,
		&rec.NoMatch, &rec.NeedsReview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last batch run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
