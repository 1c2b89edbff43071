package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/gradcafe-crawler/internal/store"
)

// JobStatusStore implements store.JobStatusRepository using the job_status table.
type JobStatusStore struct {
	pool Pool
}

// NewJobStatusStore wraps an existing pool.
func NewJobStatusStore(pool Pool) *JobStatusStore {
	return &JobStatusStore{pool: pool}
}

// UpsertJobStatus inserts or replaces the row for row.JobName.
func (s *JobStatusStore) UpsertJobStatus(ctx context.Context, row store.JobStatusRow) error {
	progressJSON, err := json.Marshal(row.Progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	query := `
		INSERT INTO job_status (job_name, state, message, progress_json, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_name) DO UPDATE
		SET state = EXCLUDED.state,
			message = EXCLUDED.message,
			progress_json = EXCLUDED.progress_json,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = s.pool.Exec(ctx, query, row.JobName, string(row.State), row.Message, string(progressJSON), row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job status: %w", err)
	}
	return nil
}

// GetJobStatus retrieves the row for jobName.
func (s *JobStatusStore) GetJobStatus(ctx context.Context, jobName string) (store.JobStatusRow, error) {
	query := `
		SELECT job_name, state, message, progress_json, updated_at
		FROM job_status
		WHERE job_name = $1;
	`
	var (
		row          store.JobStatusRow
		state        string
		progressJSON string
	)
	err := s.pool.QueryRow(ctx, query, jobName).Scan(
		&row.JobName,
		&state,
		&row.Message,
		&progressJSON,
		&row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobStatusRow{}, store.ErrNotFound
		}
		return store.JobStatusRow{}, fmt.Errorf("failed to get job status: %w", err)
	}
	row.State = store.JobState(state)
	if progressJSON != "" {
		if err := json.Unmarshal([]byte(progressJSON), &row.Progress); err != nil {
			return store.JobStatusRow{}, fmt.Errorf("decode job progress: %w", err)
		}
	}
	return row, nil
}
