// Package dedup holds the two duplicate-detection strategies: the full set of
// persisted URLs for bulk loads, and the latest-URL stop marker for
// incremental pulls. Both are computed fresh per job invocation.
package dedup

import (
	"context"
	"fmt"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// Filter reports whether a URL is already persisted.
type Filter interface {
	Seen(url string) bool
}

// URLLister lists every persisted URL.
type URLLister interface {
	KnownURLs(ctx context.Context) ([]string, error)
}

// LatestURLSource returns the most recently ingested URL.
type LatestURLSource interface {
	LatestURL(ctx context.Context) (string, error)
}

// KnownSet is the bulk-load strategy: the full set of persisted URLs.
type KnownSet struct {
	urls map[string]struct{}
}

// NewKnownSet builds a set from urls.
func NewKnownSet(urls []string) *KnownSet {
	set := &KnownSet{urls: make(map[string]struct{}, len(urls))}
	for _, u := range urls {
		set.Add(u)
	}
	return set
}

// LoadKnownSet reads the current URL set from src.
func LoadKnownSet(ctx context.Context, src URLLister) (*KnownSet, error) {
	urls, err := src.KnownURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known urls: %w", err)
	}
	return NewKnownSet(urls), nil
}

// Seen implements Filter. A nil set has seen nothing.
func (k *KnownSet) Seen(url string) bool {
	if k == nil {
		return false
	}
	_, ok := k.urls[url]
	return ok
}

// Add records url as persisted.
func (k *KnownSet) Add(url string) {
	if url == "" {
		return
	}
	k.urls[url] = struct{}{}
}

// Len reports the number of known URLs.
func (k *KnownSet) Len() int {
	if k == nil {
		return 0
	}
	return len(k.urls)
}

// StopMarker is the incremental-pull strategy: the newest persisted URL.
// Listing pages are ordered newest first, so reaching the marker means every
// later record is already stored.
type StopMarker struct {
	URL string
}

// LoadStopMarker reads the latest URL from src.
func LoadStopMarker(ctx context.Context, src LatestURLSource) (StopMarker, error) {
	url, err := src.LatestURL(ctx)
	if err != nil {
		return StopMarker{}, fmt.Errorf("load latest url: %w", err)
	}
	return StopMarker{URL: url}, nil
}

// Empty reports whether the store had no marker.
func (m StopMarker) Empty() bool {
	return m.URL == ""
}

// Cut returns the records that precede the marker and whether the marker was
// found in this page.
func (m StopMarker) Cut(records []crawler.Record) ([]crawler.Record, bool) {
	if m.Empty() {
		return records, false
	}
	for i, rec := range records {
		if rec.URL == m.URL {
			return records[:i], true
		}
	}
	return records, false
}
