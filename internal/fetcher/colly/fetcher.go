// Package collyfetcher implements crawler.Fetcher using gocolly with bounded
// retries for transient failures.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Limiter paces requests per domain.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	retry         crawler.RetryPolicy
	limiter       Limiter
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil retry policy disables retries; a nil limiter
// disables pacing.
func New(cfg Config, retry crawler.RetryPolicy, limiter Limiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Robots rules are checked once per run before the page loop, so the
	// collector skips its own robots handling. Revisits must be allowed or
	// retries of the same page are rejected as already visited.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		retry:         retry,
		limiter:       limiter,
		logger:        logger,
		sleep:         sleepCtx,
		baseCollector: c,
	}
}

// Fetch GETs url, retrying transient failures per the retry policy. A
// permanent 4xx returns an error wrapping crawler.ErrPageNotFound; exhausted
// retries return an error wrapping crawler.ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.RawPage, error) {
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, url); err != nil {
				return crawler.RawPage{}, fmt.Errorf("%w: %w", crawler.ErrFetchFailed, err)
			}
		}
		page, err := f.fetchOnce(ctx, url)
		if err == nil {
			metrics.ObserveFetch(url, "success", len(page.Body))
			return page, nil
		}
		if errors.Is(err, crawler.ErrPageNotFound) {
			metrics.ObserveFetch(url, "not_found", 0)
			return page, err
		}
		if f.retry == nil || !f.retry.ShouldRetry(err, attempt) {
			metrics.ObserveFetch(url, "failed", 0)
			return page, fmt.Errorf("%w: %w", crawler.ErrFetchFailed, err)
		}
		delay := f.retry.Backoff(err, attempt)
		f.logger.Debug("retrying page fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		metrics.ObserveFetchRetry(url)
		if err := f.sleep(ctx, delay); err != nil {
			return crawler.RawPage{}, fmt.Errorf("%w: %w", crawler.ErrFetchFailed, err)
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (crawler.RawPage, error) {
	var (
		result   crawler.RawPage
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still be writing result.
			return crawler.RawPage{}, err
		}
		if result.StatusCode >= http.StatusBadRequest {
			return result, crawler.ClassifyResponse(url, result.StatusCode, result.Header)
		}
		return result, err
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, crawler.ClassifyResponse(url, result.StatusCode, result.Header)
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.RawPage,
	fetchErr *error,
) {
	record := func(r *colly.Response) {
		if r == nil {
			return
		}
		*result = crawler.RawPage{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Header = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			result.URL = r.Request.URL.String()
		}
	}

	hooks.OnResponse(record)

	// Colly reports non-2xx responses through OnError with the response set.
	hooks.OnError(func(r *colly.Response, err error) {
		record(r)
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
