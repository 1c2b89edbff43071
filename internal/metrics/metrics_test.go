package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSiteLabel(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]string{
		"https://www.thegradcafe.com/survey/?page=3": "thegradcafe.com",
		"https://THEGRADCAFE.com/robots.txt":         "thegradcafe.com",
		"www.thegradcafe.com:8443/survey":            "thegradcafe.com",
		"https://results.example.co.uk/x":            "example.co.uk",
		"http://127.0.0.1:9999/survey/":              "127.0.0.1",
		"http://[::1]:8080/":                         "::1",
		"http://localhost:8080/":                     "localhost",
		"http://%":                                   "unknown",
		"":                                           "unknown",
	} {
		require.Equal(t, want, SiteLabel(input), input)
	}
}

func TestObserveFetchCountsPagesAndBytes(t *testing.T) {
	Init()
	Init()

	pages := fetchPagesTotal.WithLabelValues("fetch.test", "success")
	bytes := fetchBytesTotal.WithLabelValues("fetch.test")
	beforePages, beforeBytes := testutil.ToFloat64(pages), testutil.ToFloat64(bytes)

	ObserveFetch("https://www.fetch.test/survey/?page=1", "success", 2048)
	ObserveFetch("https://fetch.test/survey/?page=2", "success", 0)

	require.InDelta(t, beforePages+2, testutil.ToFloat64(pages), 0)
	require.InDelta(t, beforeBytes+2048, testutil.ToFloat64(bytes), 0)
}

func TestObserveRecordsIgnoresNonPositive(t *testing.T) {
	Init()
	counter := recordsTotal.WithLabelValues("zero-test")
	ObserveRecords("zero-test", 0)
	ObserveRecords("zero-test", -2)
	ObserveRecords("zero-test", 3)
	require.InDelta(t, 3, testutil.ToFloat64(counter), 0)
}

func TestJobGauges(t *testing.T) {
	SetJobRunning("gauge-test", true)
	require.InDelta(t, 1, testutil.ToFloat64(jobRunning.WithLabelValues("gauge-test")), 0)
	SetJobRunning("gauge-test", false)
	require.InDelta(t, 0, testutil.ToFloat64(jobRunning.WithLabelValues("gauge-test")), 0)

	ObserveJob("gauge-test", "success")
	require.InDelta(t, 1, testutil.ToFloat64(jobsTotal.WithLabelValues("gauge-test", "success")), 0)

	ObserveRateLimitDelay("gauge.test", 20*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(crawlerRateLimitDelaysSeconds, "gradcafe_rate_limit_delays_seconds"))
}

func FuzzSiteLabel(f *testing.F) {
	for _, seed := range []string{"https://www.thegradcafe.com/survey/", "127.0.0.1", "ftp://example.com", "::"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if SiteLabel(raw) == "" {
			t.Errorf("SiteLabel(%q) returned an empty label", raw)
		}
	})
}
