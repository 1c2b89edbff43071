// Package loader validates normalized records and writes them to the applicant
// store in fixed-size batches, one transaction per batch.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/dedup"
	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
)

// DefaultBatchSize is the number of records committed per transaction.
const DefaultBatchSize = 100

// Config controls batching.
type Config struct {
	BatchSize int
}

// Loader writes records through a crawler.ApplicantStore.
type Loader struct {
	store     crawler.ApplicantStore
	batchSize int
	logger    *zap.Logger
}

// New constructs a Loader.
func New(store crawler.ApplicantStore, cfg Config, logger *zap.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, batchSize: cfg.BatchSize, logger: logger}
}

// Validate checks the columns the store requires to be non-empty.
func Validate(rec crawler.Record) error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"url", rec.URL},
		{"program", rec.Program},
		{"status", rec.Status},
		{"term", rec.Term},
		{"degree", rec.Degree},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", crawler.ErrValidationFailed, strings.Join(missing, ", "))
	}
	return nil
}

// Load validates records, drops those filter has seen or that repeat within
// the input, and inserts the rest in batches. A failed batch is rolled back
// and counted; later batches still run. The returned error is non-nil only
// when ctx ends.
func (l *Loader) Load(ctx context.Context, records []crawler.Record, filter dedup.Filter) (crawler.LoadResult, error) {
	var result crawler.LoadResult
	pending := make([]crawler.Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := Validate(rec); err != nil {
			result.Invalid++
			l.logger.Debug("record skipped", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		if _, dup := seen[rec.URL]; dup || (filter != nil && filter.Seen(rec.URL)) {
			result.Duplicates++
			continue
		}
		seen[rec.URL] = struct{}{}
		pending = append(pending, rec)
	}
	metrics.ObserveRecords("invalid", result.Invalid)

	for start := 0; start < len(pending); start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("load canceled: %w", err)
		}
		end := min(start+l.batchSize, len(pending))
		batch := pending[start:end]
		result.Merge(l.loadBatch(ctx, batch))
	}
	metrics.ObserveRecords("inserted", result.Inserted)
	metrics.ObserveRecords("duplicate", result.Duplicates)
	metrics.ObserveRecords("failed", result.Failed)
	return result, nil
}

func (l *Loader) loadBatch(ctx context.Context, batch []crawler.Record) crawler.LoadResult {
	result := crawler.LoadResult{Batches: 1}
	inserted, err := l.store.InsertBatch(ctx, batch)
	switch {
	case err == nil:
		metrics.ObserveBatch("committed")
	case errors.Is(err, crawler.ErrStoreConflict):
		// A uniqueness violation aborted the transaction; retry record by record
		// so only the conflicting rows are skipped.
		l.logger.Debug("batch conflict; retrying per record", zap.Int("size", len(batch)), zap.Error(err))
		return l.loadSingly(ctx, batch)
	default:
		metrics.ObserveBatch("rolled_back")
		l.logger.Warn("batch rolled back", zap.Int("size", len(batch)), zap.Error(err))
		result.FailedBatches = 1
		result.Failed = len(batch)
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Inserted = len(inserted)
	result.Duplicates = len(batch) - len(inserted)
	result.NewEntries = inserted
	return result
}

func (l *Loader) loadSingly(ctx context.Context, batch []crawler.Record) crawler.LoadResult {
	result := crawler.LoadResult{Batches: 1}
	for _, rec := range batch {
		inserted, err := l.store.InsertBatch(ctx, []crawler.Record{rec})
		switch {
		case err == nil:
			result.Inserted += len(inserted)
			result.Duplicates += 1 - len(inserted)
			result.NewEntries = append(result.NewEntries, inserted...)
		case errors.Is(err, crawler.ErrStoreConflict):
			result.Duplicates++
		default:
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
		}
	}
	if result.Failed > 0 {
		result.FailedBatches = 1
		metrics.ObserveBatch("rolled_back")
	} else {
		metrics.ObserveBatch("committed")
	}
	return result
}
