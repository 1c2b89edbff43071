package crawler

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Retry defaults: three attempts spaced between 250ms and 5s, and at most a
// minute for a server-requested Retry-After.
const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = 250 * time.Millisecond
	defaultMaxDelay      = 5 * time.Second
	defaultMaxRetryAfter = time.Minute
)

// RetryConfig bounds the backoff. Zero values select the defaults.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxRetryAfter caps how long a Retry-After header may stall a run.
	MaxRetryAfter time.Duration
}

// ExponentialRetryPolicy doubles the delay per attempt with equal jitter and
// defers to a server's Retry-After when one was sent.
type ExponentialRetryPolicy struct {
	cfg RetryConfig
}

// NewExponentialRetryPolicy fills unset fields with defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = defaultMaxRetryAfter
	}
	return &ExponentialRetryPolicy{cfg: cfg}
}

// MaxAttempts reports the total attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry reports whether another attempt may follow attempt. Listing 5xx
// responses, 408, 429 and transport failures retry; permanent 4xx and
// cancellation stop.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	switch {
	case err == nil, attempt >= p.cfg.MaxAttempts:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrPageNotFound):
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return true
}

// Backoff returns the wait before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(err error, attempt int) time.Duration {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return min(statusErr.RetryAfter, p.cfg.MaxRetryAfter)
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := p.cfg.MaxDelay
	if attempt < 32 {
		if d := p.cfg.BaseDelay << attempt; d > 0 && d < delay {
			delay = d
		}
	}
	half := delay / 2
	return half + rand.N(delay-half+1)
}
