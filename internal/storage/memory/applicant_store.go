// Package memory holds in-process stores used by the default configuration and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// ApplicantStore is an in-memory applicant table with a unique URL key. It
// backs local development and tests.
type ApplicantStore struct {
	mu        sync.RWMutex
	byURL     map[string]crawler.Record
	order     []string
	watermark string
	refreshes int
}

// NewApplicantStore constructs an empty store.
func NewApplicantStore() *ApplicantStore {
	return &ApplicantStore{byURL: make(map[string]crawler.Record)}
}

// KnownURLs returns every stored URL in insertion order.
func (s *ApplicantStore) KnownURLs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

// LatestURL prefers the recorded watermark and falls back to the newest
// date_added.
func (s *ApplicantStore) LatestURL(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.watermark != "" {
		return s.watermark, nil
	}
	latest := ""
	latestDate := ""
	for _, url := range s.order {
		rec := s.byURL[url]
		if latest == "" || rec.DateAdded >= latestDate {
			latest, latestDate = url, rec.DateAdded
		}
	}
	return latest, nil
}

// InsertBatch applies the batch atomically, skipping URLs already present.
func (s *ApplicantStore) InsertBatch(_ context.Context, records []crawler.Record) ([]crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make(map[string]struct{}, len(records))
	inserted := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		if rec.URL == "" {
			return nil, fmt.Errorf("insert %q: %w: url is required", rec.Program, crawler.ErrStoreFailure)
		}
		if _, exists := s.byURL[rec.URL]; exists {
			continue
		}
		if _, dup := staged[rec.URL]; dup {
			continue
		}
		staged[rec.URL] = struct{}{}
		inserted = append(inserted, rec)
	}
	for _, rec := range inserted {
		s.byURL[rec.URL] = rec
		s.order = append(s.order, rec.URL)
	}
	return inserted, nil
}

// SetLatestURL records the incremental-pull watermark.
func (s *ApplicantStore) SetLatestURL(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = url
	return nil
}

// RefreshAnalytics counts refreshes; there are no derived views in memory.
func (s *ApplicantStore) RefreshAnalytics(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

// Ping always succeeds.
func (s *ApplicantStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (s *ApplicantStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Get returns the record stored under url.
func (s *ApplicantStore) Get(url string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byURL[url]
	return rec, ok
}

// Refreshes reports how many analytics refreshes ran.
func (s *ApplicantStore) Refreshes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes
}
