package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("job status not found")

// JobState mirrors the job_status.state column.
type JobState string

// Job states persisted in job_status.state.
const (
	StateRunning JobState = "running"
	StateSuccess JobState = "success"
	StateError   JobState = "error"
)

// JobProgress is serialized into job_status.progress_json.
type JobProgress struct {
	RunID      string `json:"run_id,omitempty"`
	Page       int64  `json:"current_page,omitempty"`
	Pages      int64  `json:"pages_scraped"`
	Processed  int64  `json:"processed"`
	Inserted   int64  `json:"inserted"`
	Duplicates int64  `json:"duplicates"`
	Invalid    int64  `json:"invalid"`
	Failed     int64  `json:"failed"`
}

// JobStatusRow models one job_status row, keyed by job kind.
type JobStatusRow struct {
	// JobName is the job kind ("pull" or "update").
	JobName string
	// State is running/success/error.
	State JobState
	// Message is the latest human-readable status.
	Message string
	// Progress carries the cumulative counters of the current run.
	Progress JobProgress
	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time
}

// JobStatusRepository persists the latest status per job kind so operators can
// inspect it outside the process.
type JobStatusRepository interface {
	// UpsertJobStatus inserts or replaces the row for row.JobName.
	UpsertJobStatus(ctx context.Context, row JobStatusRow) error
	// GetJobStatus loads the row for jobName or returns ErrNotFound.
	GetJobStatus(ctx context.Context, jobName string) (JobStatusRow, error)
}
