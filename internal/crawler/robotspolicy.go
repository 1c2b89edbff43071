package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	robotsTimeout  = 10 * time.Second
	robotsMaxBytes = 1 << 20
)

// RobotsEnforcer answers robots.txt questions for the configured agent. Each
// host's file is fetched at most once per enforcer, so callers build one per
// run and the whole run sees a single decision.
type RobotsEnforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

// NewRobotsEnforcer builds a RobotsPolicy. With respect false every URL is
// allowed and no robots.txt is fetched.
func NewRobotsEnforcer(respect bool, userAgent string, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return allowAllPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{
		client:    &http.Client{Timeout: robotsTimeout},
		userAgent: userAgent,
		logger:    logger,
		groups:    make(map[string]*robotstxt.Group),
	}
}

// Allowed implements RobotsPolicy. An unreachable robots.txt allows access.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	group := r.group(ctx, parsed)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// CrawlDelay implements CrawlDelayer.
func (r *RobotsEnforcer) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	if group := r.group(ctx, parsed); group != nil {
		return group.CrawlDelay
	}
	return 0
}

// group returns the agent's rule group for the URL's host, or nil when every
// path is allowed. Fetch failures are remembered as allow-all.
func (r *RobotsEnforcer) group(ctx context.Context, parsed *url.URL) *robotstxt.Group {
	host := strings.ToLower(parsed.Host)
	r.mu.Lock()
	defer r.mu.Unlock()
	if group, ok := r.groups[host]; ok {
		return group
	}
	data, err := r.fetch(ctx, parsed)
	var group *robotstxt.Group
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", host), zap.Error(err))
	} else {
		group = data.FindGroup(r.userAgent)
	}
	r.groups[host] = group
	return group
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	// 4xx allows everything and 5xx disallows everything.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// CheckRobots returns ErrPolicyDenied when policy disallows rawURL.
func CheckRobots(ctx context.Context, policy RobotsPolicy, rawURL string) error {
	if policy == nil || policy.Allowed(ctx, rawURL) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPolicyDenied, rawURL)
}

type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string) bool { return true }
