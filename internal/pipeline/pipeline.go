// Package pipeline runs one incremental pull: it walks the survey listing page
// by page, parses and normalizes each page, cuts it at the stop marker, and
// loads the new records through the loader.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/artifacts"
	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/dedup"
	"github.com/JakeFAU/gradcafe-crawler/internal/loader"
	"github.com/JakeFAU/gradcafe-crawler/internal/normalize"
)

// Defaults applied by New when the matching Config field is zero.
const (
	DefaultBaseURL                = "https://www.thegradcafe.com/survey/"
	DefaultStartPage              = 1
	DefaultMaxPages               = 2000
	DefaultMaxConsecutiveFailures = 3
)

// Parser turns one listing page into raw records.
type Parser interface {
	Parse(body []byte) ([]crawler.RawRecord, []crawler.ParseAnomaly, error)
}

// Config bounds a pull run.
type Config struct {
	BaseURL                string
	StartPage              int
	MaxPages               int
	MaxConsecutiveFailures int
	PublishTopic           string
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Fetcher crawler.Fetcher
	Parser  Parser
	Store   crawler.ApplicantStore
	Loader  *loader.Loader
	// Robots builds a fresh policy per run so robots.txt is fetched once per run.
	Robots func() crawler.RobotsPolicy
	// Pacer, when set, receives the robots.txt Crawl-delay for the listing host.
	Pacer     crawler.Pacer
	Hasher    crawler.Hasher
	Artifacts *artifacts.Writer
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Pipeline is safe to reuse across runs but not to run concurrently with
// itself; the coordinator guarantees single-flight.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// Completion is published when a run finishes and a topic is configured.
type Completion struct {
	RunID            string    `json:"run_id"`
	StartPage        int       `json:"start_page"`
	EndPage          int       `json:"end_page"`
	PagesScraped     int       `json:"pages_scraped"`
	Inserted         int       `json:"inserted"`
	Duplicates       int       `json:"duplicates"`
	Failed           int       `json:"failed"`
	FailedPages      []int     `json:"failed_pages,omitempty"`
	ParseFailedPages []int     `json:"parse_failed_pages,omitempty"`
	Summary          string    `json:"summary"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Attributes lets subscribers filter without decoding the body.
func (c Completion) Attributes() map[string]string {
	return map[string]string{
		"run_id":   c.RunID,
		"inserted": strconv.Itoa(c.Inserted),
	}
}

// New constructs a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil || deps.Parser == nil || deps.Store == nil || deps.Loader == nil {
		return nil, errors.New("pipeline requires fetcher, parser, store and loader")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.StartPage <= 0 {
		cfg.StartPage = DefaultStartPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

// PageURL builds the listing URL for page n.
func (p *Pipeline) PageURL(n int) string {
	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return p.cfg.BaseURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

// Run scrapes from the start page until the listing ends, the stop marker is
// reached, or a bound trips. observe is called after every page, fetched or
// not. Only policy denial, a stop-marker lookup failure or ctx ending produce
// an error; page and record failures are reported in the result.
func (p *Pipeline) Run(ctx context.Context, runID string, observe func(crawler.PageReport)) (crawler.PullResult, error) {
	if observe == nil {
		observe = func(crawler.PageReport) {}
	}
	logger := p.logger.With(zap.String("run_id", runID))
	result := crawler.PullResult{StartPage: p.cfg.StartPage}

	if p.deps.Robots != nil {
		policy := p.deps.Robots()
		startURL := p.PageURL(p.cfg.StartPage)
		if err := crawler.CheckRobots(ctx, policy, startURL); err != nil {
			return result, err
		}
		if delayer, ok := policy.(crawler.CrawlDelayer); ok && p.deps.Pacer != nil {
			if delay := delayer.CrawlDelay(ctx, startURL); delay > 0 {
				logger.Info("honoring crawl delay", zap.Duration("delay", delay))
				p.deps.Pacer.SetMinInterval(startURL, delay)
			}
		}
	}
	marker, err := dedup.LoadStopMarker(ctx, p.deps.Store)
	if err != nil {
		return result, err
	}
	logger.Info("pull starting", zap.Int("start_page", p.cfg.StartPage), zap.String("stop_marker", marker.URL))

	var (
		newestURL      string
		firstCommitted bool
		lastDigest     string
		failures       int
	)
	for page := p.cfg.StartPage; page < p.cfg.StartPage+p.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("pull canceled: %w", err)
		}
		raw, err := p.deps.Fetcher.Fetch(ctx, p.PageURL(page))
		if err != nil {
			if errors.Is(err, crawler.ErrPageNotFound) {
				logger.Info("listing ended", zap.Int("page", page), zap.Error(err))
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("pull canceled: %w", ctxErr)
			}
			failures++
			result.FailedPages = append(result.FailedPages, page)
			logger.Warn("page fetch failed", zap.Int("page", page), zap.Error(err))
			observe(crawler.PageReport{Page: page, StatusCode: statusOf(err), FetchFailed: true})
			if failures >= p.cfg.MaxConsecutiveFailures {
				logger.Warn("too many consecutive page failures", zap.Int("failures", failures))
				break
			}
			continue
		}
		failures = 0

		if p.deps.Hasher != nil {
			digest, hashErr := p.deps.Hasher.Hash(raw.Body)
			if hashErr == nil && digest == lastDigest {
				logger.Info("page repeats previous page", zap.Int("page", page))
				break
			}
			lastDigest = digest
		}

		raws, anomalies, err := p.deps.Parser.Parse(raw.Body)
		if err != nil {
			failures++
			result.ParseFailedPages = append(result.ParseFailedPages, page)
			logger.Warn("page parse failed", zap.Int("page", page), zap.Error(err))
			observe(crawler.PageReport{Page: page, StatusCode: raw.StatusCode, Bytes: len(raw.Body), Duration: raw.Duration, FetchFailed: true})
			if failures >= p.cfg.MaxConsecutiveFailures {
				break
			}
			continue
		}
		for _, a := range anomalies {
			logger.Debug("row dropped", zap.Int("page", page), zap.Error(a))
		}
		if len(raws) == 0 && len(anomalies) == 0 {
			logger.Info("page has no results", zap.Int("page", page))
			break
		}

		records, missing := normalize.All(raws, logger)
		if page == p.cfg.StartPage && len(records) > 0 {
			newestURL = records[0].URL
		}
		kept, reached := marker.Cut(records)
		load, err := p.deps.Loader.Load(ctx, kept, nil)
		result.Load.Merge(load)
		if err != nil {
			return result, fmt.Errorf("load page %d: %w", page, err)
		}

		report := crawler.PageReport{
			Page:        page,
			StatusCode:  raw.StatusCode,
			Bytes:       len(raw.Body),
			Duration:    raw.Duration,
			Processed:   len(kept) + missing,
			MissingURLs: missing,
			Anomalies:   len(anomalies),
			Load:        load,
		}
		result.PagesScraped++
		result.EndPage = page
		result.Processed += report.Processed
		result.MissingURLs += missing
		result.Anomalies += len(anomalies)
		if load.FailedBatches == 0 {
			if page == p.cfg.StartPage {
				firstCommitted = true
			}
			p.writeLastPage(ctx, logger, artifacts.LastPage{
				Page:        page,
				RunID:       runID,
				Inserted:    load.Inserted,
				CompletedAt: p.now(),
			})
		}
		observe(report)
		logger.Debug("page done",
			zap.Int("page", page),
			zap.Int("inserted", load.Inserted),
			zap.Int("duplicates", load.Duplicates),
			zap.Bool("marker_reached", reached),
		)
		if reached {
			result.StoppedAtMarker = true
			break
		}
		// A stale marker may never appear; a page of stored entries means
		// everything older is stored too.
		if allKnown(kept, load) {
			logger.Info("page holds only stored entries", zap.Int("page", page))
			result.StoppedAllKnown = true
			break
		}
	}

	if newestURL != "" && newestURL != marker.URL && firstCommitted && result.Complete() {
		if err := p.deps.Store.SetLatestURL(ctx, newestURL); err != nil {
			logger.Warn("watermark update failed", zap.Error(err))
		}
	}
	p.finish(ctx, logger, runID, result)
	logger.Info("pull finished", zap.String("summary", result.Summary()))
	return result, nil
}

func (p *Pipeline) writeLastPage(ctx context.Context, logger *zap.Logger, lp artifacts.LastPage) {
	if _, err := p.deps.Artifacts.WriteLastPage(ctx, lp); err != nil {
		logger.Warn("last page artifact write failed", zap.Int("page", lp.Page), zap.Error(err))
	}
}

func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger, runID string, result crawler.PullResult) {
	if _, err := p.deps.Artifacts.WriteNewData(ctx, result.Load.NewEntries); err != nil {
		logger.Warn("new data artifact write failed", zap.Error(err))
	}
	if p.deps.Publisher == nil || p.cfg.PublishTopic == "" {
		return
	}
	msg := Completion{
		RunID:            runID,
		StartPage:        result.StartPage,
		EndPage:          result.EndPage,
		PagesScraped:     result.PagesScraped,
		Inserted:         result.Load.Inserted,
		Duplicates:       result.Load.Duplicates,
		Failed:           result.Load.Failed,
		FailedPages:      result.FailedPages,
		ParseFailedPages: result.ParseFailedPages,
		Summary:          result.Summary(),
		FinishedAt:       p.now(),
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.PublishTopic, msg); err != nil {
		logger.Warn("completion publish failed", zap.String("topic", p.cfg.PublishTopic), zap.Error(err))
	}
}

func (p *Pipeline) now() time.Time {
	if p.deps.Clock == nil {
		return time.Now().UTC()
	}
	return p.deps.Clock.Now().UTC()
}

// allKnown reports whether a non-empty page inserted nothing because every
// record was already stored.
func allKnown(kept []crawler.Record, load crawler.LoadResult) bool {
	return len(kept) > 0 && load.Inserted == 0 && load.Duplicates == len(kept)
}

func statusOf(err error) int {
	var statusErr *crawler.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
