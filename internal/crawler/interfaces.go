package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (RawPage, error)
}

// RobotsPolicy answers whether the configured agent may fetch a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// CrawlDelayer is implemented by policies that know the site's requested
// delay between requests. Zero means none was published.
type CrawlDelayer interface {
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// Pacer slows requests to a host to at most one per interval.
type Pacer interface {
	SetMinInterval(rawURL string, interval time.Duration)
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	// Backoff is the wait before the attempt after a failed one.
	Backoff(err error, attempt int) time.Duration
}

// ApplicantStore persists normalized records keyed by URL.
type ApplicantStore interface {
	// KnownURLs lists every persisted URL.
	KnownURLs(ctx context.Context) ([]string, error)
	// LatestURL returns the most recently ingested URL, or "" when empty.
	LatestURL(ctx context.Context) (string, error)
	// InsertBatch writes records in one transaction and returns those that
	// were new. Existing URLs are skipped, not errors. On error nothing from
	// the batch is persisted.
	InsertBatch(ctx context.Context, records []Record) ([]Record, error)
	// SetLatestURL records the newest URL seen by an incremental pull.
	SetLatestURL(ctx context.Context, url string) error
}

// AnalyticsRefresher recomputes the derived analytics views.
type AnalyticsRefresher interface {
	RefreshAnalytics(ctx context.Context) error
}

// BlobStore writes side artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads contribute message attributes alongside their JSON body.
type Attributed interface {
	Attributes() map[string]string
}

// Queue provides enqueue/dequeue semantics for a job lane.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for repeated-page detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
