package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/artifacts"
	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gradcafe-crawler/internal/loader"
	"github.com/JakeFAU/gradcafe-crawler/internal/parser"
	pubmemory "github.com/JakeFAU/gradcafe-crawler/internal/publisher/memory"
	"github.com/JakeFAU/gradcafe-crawler/internal/storage/memory"
)

const testBase = "https://www.thegradcafe.com/survey/"

type pageFetcher struct {
	mu     sync.Mutex
	pages  map[int]string
	errs   map[int]error
	calls  []int
	repeat bool
}

func (f *pageFetcher) Fetch(_ context.Context, rawURL string) (crawler.RawPage, error) {
	var page int
	if _, err := fmt.Sscanf(rawURL, testBase+"?page=%d", &page); err != nil {
		return crawler.RawPage{}, fmt.Errorf("unexpected url %q", rawURL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, page)
	if err, ok := f.errs[page]; ok {
		return crawler.RawPage{}, err
	}
	body, ok := f.pages[page]
	if !ok {
		if f.repeat && len(f.pages) > 0 {
			body = f.pages[len(f.pages)]
		} else {
			return crawler.RawPage{}, crawler.ClassifyStatus(rawURL, http.StatusNotFound)
		}
	}
	return crawler.RawPage{Number: page, URL: rawURL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *pageFetcher) fetched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, string) bool { return false }

// listingPage renders a survey table with one result per id.
func listingPage(ids ...int) string {
	var b strings.Builder
	b.WriteString("<html><body><table><tbody>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<tr><td><div>University %d</div></td>`+
			`<td><div><span>Economics</span><span>PhD</span></div></td>`+
			`<td>March 14, 2026</td><td><div>Accepted on 12 Mar</div></td>`+
			`<td><a href="/result/%d">See More</a></td></tr>`+
			`<tr class="tw-border-none"><td><div>Fall 2026</div><div>American</div></td></tr>`, id, id)
	}
	b.WriteString("</tbody></table></body></html>")
	return b.String()
}

func resultURL(id int) string {
	return fmt.Sprintf("https://www.thegradcafe.com/result/%d", id)
}

type harness struct {
	store     *memory.ApplicantStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	fetcher   *pageFetcher
	pipeline  *Pipeline
}

func newHarness(t *testing.T, fetcher *pageFetcher, cfg Config) *harness {
	t.Helper()
	p, err := parser.New(parser.DefaultSiteURL)
	require.NoError(t, err)
	store := memory.NewApplicantStore()
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	cfg.BaseURL = testBase
	pl, err := New(cfg, Deps{
		Fetcher:   fetcher,
		Parser:    p,
		Store:     store,
		Loader:    loader.New(store, loader.Config{}, zap.NewNop()),
		Hasher:    sha256.New(),
		Artifacts: artifacts.NewWriter(blobs),
		Publisher: pub,
	}, zap.NewNop())
	require.NoError(t, err)
	return &harness{store: store, blobs: blobs, publisher: pub, fetcher: fetcher, pipeline: pl}
}

func TestRunLoadsUntilListingEnds(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(30, 29, 28),
		2: listingPage(27, 26),
	}}
	h := newHarness(t, fetcher, Config{PublishTopic: "pulls"})

	var reports []crawler.PageReport
	result, err := h.pipeline.Run(context.Background(), "run-1", func(r crawler.PageReport) {
		reports = append(reports, r)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, fetcher.fetched())
	require.Equal(t, 2, result.PagesScraped)
	require.Equal(t, 5, result.Load.Inserted)
	require.Equal(t, 5, result.Processed)
	require.Equal(t, "Pulled pages 1-2. Added 5 new entries; skipped 0 duplicates and 0 entries without URLs.", result.Summary())
	require.Len(t, reports, 2)
	require.Equal(t, 3, reports[0].Load.Inserted)
	require.Equal(t, 5, h.store.Len())

	latest, err := h.store.LatestURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, resultURL(30), latest)

	raw, ok := h.blobs.Get(artifacts.LastPageName)
	require.True(t, ok)
	var lp artifacts.LastPage
	require.NoError(t, json.Unmarshal(raw, &lp))
	require.Equal(t, 2, lp.Page)
	require.Equal(t, "run-1", lp.RunID)

	raw, ok = h.blobs.Get(artifacts.NewDataName)
	require.True(t, ok)
	var entries []crawler.Record
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 5)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "pulls", msgs[0].Topic)
	require.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	var done Completion
	require.NoError(t, msgs[0].Decode(&done))
	require.Equal(t, 5, done.Inserted)
	require.Equal(t, 2, done.EndPage)
}

func TestRunStopsAtMarkerOnFirstRow(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(30, 29),
		2: listingPage(28),
	}}
	h := newHarness(t, fetcher, Config{})
	require.NoError(t, h.store.SetLatestURL(context.Background(), resultURL(30)))

	result, err := h.pipeline.Run(context.Background(), "run-2", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, fetcher.fetched())
	require.True(t, result.StoppedAtMarker)
	require.Zero(t, result.Load.Inserted)
	require.Zero(t, h.store.Len())
}

func TestRunCutsPageAtMarker(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(40, 39),
		2: listingPage(38, 37, 36),
	}}
	h := newHarness(t, fetcher, Config{})
	require.NoError(t, h.store.SetLatestURL(context.Background(), resultURL(37)))

	result, err := h.pipeline.Run(context.Background(), "run-3", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, fetcher.fetched())
	require.Equal(t, 3, result.Load.Inserted)
	_, ok := h.store.Get(resultURL(36))
	require.False(t, ok)

	latest, err := h.store.LatestURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, resultURL(40), latest)
}

func TestRunStopsWhenPageIsAlreadyStored(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(30, 29),
		2: listingPage(28, 27),
		3: listingPage(26, 25),
	}}
	h := newHarness(t, fetcher, Config{})
	ctx := context.Background()

	first, err := h.pipeline.Run(ctx, "run-seed", nil)
	require.NoError(t, err)
	require.Equal(t, 6, first.Load.Inserted)
	seeded := len(fetcher.fetched())

	// The watermark names an entry that has left the listing.
	require.NoError(t, h.store.SetLatestURL(ctx, resultURL(999)))

	result, err := h.pipeline.Run(ctx, "run-stale", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, fetcher.fetched()[seeded:])
	require.True(t, result.StoppedAllKnown)
	require.False(t, result.StoppedAtMarker)
	require.Zero(t, result.Load.Inserted)
	require.Equal(t, 2, result.Load.Duplicates)

	latest, err := h.store.LatestURL(ctx)
	require.NoError(t, err)
	require.Equal(t, resultURL(30), latest, "a complete run repairs the stale watermark")
}

func TestRunContinuesPastPartlyStoredPage(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(12, 11),
		2: listingPage(10),
	}}
	h := newHarness(t, fetcher, Config{})
	ctx := context.Background()
	_, err := h.store.InsertBatch(ctx, []crawler.Record{{
		URL: resultURL(11), Program: "Economics, University 11", Status: "Accepted", Term: "Fall 2026", Degree: "PhD",
	}})
	require.NoError(t, err)

	result, err := h.pipeline.Run(ctx, "run-partial", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, fetcher.fetched())
	require.False(t, result.StoppedAllKnown)
	require.Equal(t, 2, result.Load.Inserted)
	require.Equal(t, 1, result.Load.Duplicates)
}

func TestRunStopsOnRepeatedPage(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(3, 2),
		2: listingPage(1),
	}, repeat: true}
	h := newHarness(t, fetcher, Config{})

	result, err := h.pipeline.Run(context.Background(), "run-4", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, fetcher.fetched())
	require.Equal(t, 2, result.PagesScraped)
	require.Equal(t, 3, result.Load.Inserted)
}

func TestRunRecordsFailedPagesAndKeepsWatermark(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{
		pages: map[int]string{
			1: listingPage(9, 8),
			3: listingPage(5),
		},
		errs: map[int]error{
			2: fmt.Errorf("%w: %w", crawler.ErrFetchFailed, &crawler.HTTPStatusError{URL: "x", StatusCode: 503}),
		},
	}
	h := newHarness(t, fetcher, Config{})

	var failed []crawler.PageReport
	result, err := h.pipeline.Run(context.Background(), "run-5", func(r crawler.PageReport) {
		if r.FetchFailed {
			failed = append(failed, r)
		}
	})
	require.NoError(t, err)
	require.Equal(t, []int{2}, result.FailedPages)
	require.Len(t, failed, 1)
	require.Equal(t, 503, failed[0].StatusCode)
	require.Equal(t, 3, result.Load.Inserted)
	require.False(t, result.Complete())
	require.Contains(t, result.Summary(), "Failed to fetch pages 2.")

	latest, err := h.store.LatestURL(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, resultURL(9), latest, "a run with failed pages must not advance the watermark")
}

// brokenPageParser fails on bodies containing a marker string.
type brokenPageParser struct {
	Parser
	broken string
}

func (b brokenPageParser) Parse(body []byte) ([]crawler.RawRecord, []crawler.ParseAnomaly, error) {
	if strings.Contains(string(body), b.broken) {
		return nil, nil, errors.New("unexpected markup")
	}
	return b.Parser.Parse(body)
}

func TestRunReportsParseFailuresSeparately(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(9, 8),
		2: "<html><body>maintenance</body></html>",
		3: listingPage(7),
	}}
	h := newHarness(t, fetcher, Config{})
	h.pipeline.deps.Parser = brokenPageParser{Parser: h.pipeline.deps.Parser, broken: "maintenance"}

	result, err := h.pipeline.Run(context.Background(), "run-parse", nil)
	require.NoError(t, err)
	require.Empty(t, result.FailedPages)
	require.Equal(t, []int{2}, result.ParseFailedPages)
	require.Equal(t, 3, result.Load.Inserted)
	require.False(t, result.Complete())
	require.Contains(t, result.Summary(), "Failed to parse pages 2.")
	require.NotContains(t, result.Summary(), "Failed to fetch")
}

func TestRunStopsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	boom := fmt.Errorf("%w: connection reset", crawler.ErrFetchFailed)
	fetcher := &pageFetcher{errs: map[int]error{1: boom, 2: boom, 3: boom, 4: boom}}
	h := newHarness(t, fetcher, Config{MaxConsecutiveFailures: 2})

	result, err := h.pipeline.Run(context.Background(), "run-6", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, fetcher.fetched())
	require.Equal(t, []int{1, 2}, result.FailedPages)
	require.Zero(t, result.PagesScraped)
}

func TestRunHonoursMaxPages(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{
		1: listingPage(3),
		2: listingPage(2),
		3: listingPage(1),
	}}
	h := newHarness(t, fetcher, Config{MaxPages: 2})

	result, err := h.pipeline.Run(context.Background(), "run-7", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, fetcher.fetched())
	require.Equal(t, 2, result.EndPage)
}

func TestRunPolicyDenied(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{1: listingPage(1)}}
	h := newHarness(t, fetcher, Config{})
	h.pipeline.deps.Robots = func() crawler.RobotsPolicy { return denyAll{} }

	_, err := h.pipeline.Run(context.Background(), "run-8", nil)
	require.ErrorIs(t, err, crawler.ErrPolicyDenied)
	require.Empty(t, fetcher.fetched())
}

type delayPolicy struct{ delay time.Duration }

func (delayPolicy) Allowed(context.Context, string) bool { return true }

func (d delayPolicy) CrawlDelay(context.Context, string) time.Duration { return d.delay }

type recordingPacer struct {
	url      string
	interval time.Duration
}

func (p *recordingPacer) SetMinInterval(rawURL string, interval time.Duration) {
	p.url, p.interval = rawURL, interval
}

func TestRunAppliesCrawlDelay(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{1: listingPage(1)}}
	h := newHarness(t, fetcher, Config{})
	pacer := &recordingPacer{}
	h.pipeline.deps.Robots = func() crawler.RobotsPolicy { return delayPolicy{delay: 3 * time.Second} }
	h.pipeline.deps.Pacer = pacer

	_, err := h.pipeline.Run(context.Background(), "run-delay", nil)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, pacer.interval)
	require.Equal(t, h.pipeline.PageURL(1), pacer.url)
}

func TestRunEmptyFirstPage(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{1: listingPage()}}
	h := newHarness(t, fetcher, Config{})

	result, err := h.pipeline.Run(context.Background(), "run-9", nil)
	require.NoError(t, err)
	require.Zero(t, result.PagesScraped)
	require.True(t, strings.HasPrefix(result.Summary(), "No new pages found starting at page 1."))
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[int]string{1: listingPage(1)}}
	h := newHarness(t, fetcher, Config{PublishTopic: "pulls"})
	h.publisher.FailNext(errors.New("unavailable"))

	result, err := h.pipeline.Run(context.Background(), "run-10", nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Load.Inserted)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &pageFetcher{}, Config{})
	require.Equal(t, testBase+"?page=7", h.pipeline.PageURL(7))
}

func TestCompletionAttributes(t *testing.T) {
	t.Parallel()

	attrs := Completion{RunID: "r", Inserted: 4}.Attributes()
	require.Equal(t, map[string]string{"run_id": "r", "inserted": "4"}, attrs)
}
