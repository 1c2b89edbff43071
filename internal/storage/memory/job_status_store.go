package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/gradcafe-crawler/internal/store"
)

// JobStatusStore keeps the latest job_status rows in memory.
type JobStatusStore struct {
	mu   sync.RWMutex
	rows map[string]store.JobStatusRow
}

// NewJobStatusStore constructs a JobStatusStore.
func NewJobStatusStore() *JobStatusStore {
	return &JobStatusStore{rows: make(map[string]store.JobStatusRow)}
}

// UpsertJobStatus replaces the row for row.JobName.
func (s *JobStatusStore) UpsertJobStatus(_ context.Context, row store.JobStatusRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.JobName] = row
	return nil
}

// GetJobStatus returns the row for jobName.
func (s *JobStatusStore) GetJobStatus(_ context.Context, jobName string) (store.JobStatusRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[jobName]
	if !ok {
		return store.JobStatusRow{}, store.ErrNotFound
	}
	return row, nil
}
