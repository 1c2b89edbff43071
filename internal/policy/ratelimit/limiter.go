// Package ratelimit implements a per-host token bucket that paces listing
// page requests and tightens itself to a site's published crawl delay.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive DefaultRPS
// disables pacing until a crawl delay is applied.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter paces requests per host.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts:        make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until rawURL's host may be requested again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.forHost(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// An immediately available token is not a delay.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// SetMinInterval implements crawler.Pacer. It only ever slows a host down:
// an interval shorter than the configured pace is ignored.
func (l *Limiter) SetMinInterval(rawURL string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	limiter := l.forHost(hostOf(rawURL))
	if want := rate.Every(interval); want < limiter.Limit() {
		limiter.SetLimit(want)
		limiter.SetBurst(1)
	}
}

// Limit reports the current pace for rawURL's host.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.forHost(hostOf(rawURL)).Limit()
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.hosts[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return "unknown"
}
