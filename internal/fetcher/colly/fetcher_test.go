package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

func fastRetry(max int) crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts: max,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.Equal(t, "gradcafe-test", r.UserAgent())
		_, _ = w.Write([]byte("<table><tbody></tbody></table>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "gradcafe-test", Timeout: time.Second}, fastRetry(3), nil, nil)
	page, err := f.Fetch(context.Background(), srv.URL+"/survey/?page=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "<tbody>")
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, fastRetry(2), nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrFetchFailed)

	var statusErr *crawler.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchStopsOnNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, fastRetry(5), nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrPageNotFound)
	require.NotErrorIs(t, err, crawler.ErrFetchFailed)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchRetriesConnectionErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, fastRetry(2), nil, nil)
	var slept atomic.Int32
	f.sleep = func(context.Context, time.Duration) error {
		slept.Add(1)
		return nil
	}
	_, err := f.Fetch(context.Background(), target)
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.Equal(t, int32(1), slept.Load())
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	f := New(Config{Timeout: time.Second}, nil, lim, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, int32(1), lim.calls.Load())

	lim.err = errors.New("limiter closed")
	_, err = f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 5 * time.Second}, fastRetry(3), nil, nil)
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil, nil)
	start := time.Unix(0, 0)
	var result crawler.RawPage
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	if hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request: &colly.Request{
			URL: mustParseURL(t, "https://www.thegradcafe.com/survey/?page=2"),
		},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "https://www.thegradcafe.com/survey/?page=2", result.URL)

	hooks.onError(&colly.Response{
		StatusCode: http.StatusServiceUnavailable,
		Headers:    &http.Header{"Retry-After": []string{"7"}},
	}, errors.New("Service Unavailable"))
	require.Equal(t, "7", result.Header.Get("Retry-After"))
	var statusErr *crawler.HTTPStatusError
	require.ErrorAs(t, crawler.ClassifyResponse("u", result.StatusCode, result.Header), &statusErr)
	require.Equal(t, 7*time.Second, statusErr.RetryAfter)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.Equal(t, http.StatusBadGateway, result.StatusCode)
	require.Nil(t, result.Header)
	require.EqualError(t, fetchErr, "Bad Gateway")

	hooks.onError(nil, errors.New("dial tcp: refused"))
	require.EqualError(t, fetchErr, "dial tcp: refused")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return l.err
}
