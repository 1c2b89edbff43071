package sinks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
	"github.com/JakeFAU/gradcafe-crawler/internal/store"
)

// StoreSink persists the latest status of each job kind via a
// store.JobStatusRepository. Page events are collapsed so each batch writes at
// most one running row per job.
type StoreSink struct {
	repo   store.JobStatusRepository
	logger *zap.Logger

	mu      sync.Mutex
	running map[[16]byte]*jobRow
}

type jobRow struct {
	row   store.JobStatusRow
	dirty bool
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.JobStatusRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger, running: make(map[[16]byte]*jobRow)}
}

// Consume folds page counters into the running row and writes lifecycle
// transitions immediately. Repository errors are returned verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			job := &jobRow{row: store.JobStatusRow{
				JobName:   evt.Kind,
				State:     store.StateRunning,
				Message:   evt.Note,
				Progress:  store.JobProgress{RunID: evt.JobUUID().String()},
				UpdatedAt: evt.TS,
			}}
			s.running[evt.JobID] = job
			if err := s.repo.UpsertJobStatus(ctx, job.row); err != nil {
				return fmt.Errorf("upsert job start: %w", err)
			}
		case progress.StagePageDone:
			job := s.jobFor(evt)
			p := &job.row.Progress
			p.Page = int64(evt.Page)
			p.Pages++
			p.Processed += evt.Processed
			p.Inserted += evt.Inserted
			p.Duplicates += evt.Duplicates
			p.Invalid += evt.Invalid
			p.Failed += evt.Failed
			job.row.UpdatedAt = evt.TS
			job.dirty = true
		case progress.StageJobDone, progress.StageJobError:
			job := s.jobFor(evt)
			job.row.State = store.StateSuccess
			if evt.Stage == progress.StageJobError {
				job.row.State = store.StateError
			}
			if evt.Note != "" {
				job.row.Message = evt.Note
			}
			job.row.UpdatedAt = evt.TS
			delete(s.running, evt.JobID)
			if err := s.repo.UpsertJobStatus(ctx, job.row); err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
		}
	}

	for _, job := range s.running {
		if !job.dirty {
			continue
		}
		if err := s.repo.UpsertJobStatus(ctx, job.row); err != nil {
			return fmt.Errorf("upsert job progress: %w", err)
		}
		job.dirty = false
	}
	return nil
}

func (s *StoreSink) jobFor(evt progress.Event) *jobRow {
	job, ok := s.running[evt.JobID]
	if !ok {
		// The start event was dropped or handled by an earlier process.
		job = &jobRow{row: store.JobStatusRow{
			JobName:  evt.Kind,
			State:    store.StateRunning,
			Progress: store.JobProgress{RunID: evt.JobUUID().String()},
		}}
		s.running[evt.JobID] = job
	}
	return job
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
