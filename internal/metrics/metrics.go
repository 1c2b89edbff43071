// Package metrics exposes Prometheus collectors for the pull pipeline, the
// job coordinator, and the HTTP API.
package metrics

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/publicsuffix"
)

var (
	fetchPagesTotal               *prometheus.CounterVec
	fetchBytesTotal               *prometheus.CounterVec
	fetchRetriesTotal             *prometheus.CounterVec
	recordsTotal                  *prometheus.CounterVec
	batchesTotal                  *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	busyRejectionsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	jobsTotal                     *prometheus.CounterVec
	jobRunning                    *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_fetch_pages_total",
				Help: "Total number of survey pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_fetch_retries_total",
				Help: "Total number of fetch retries after transient failures, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_records_total",
				Help: "Records offered to the loader, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_batches_total",
				Help: "Insert batches, labeled by result (committed or rolled_back).",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		busyRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_busy_rejections_total",
				Help: "Job requests answered 409 because the job kind was busy, labeled by route.",
			},
			[]string{"route"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradcafe_jobs_total",
				Help: "Total number of jobs processed, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		jobRunning = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gradcafe_job_running",
				Help: "1 while a job of the given kind holds its busy flag.",
			},
			[]string{"kind"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradcafe_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SiteLabel reduces a URL or host to its registrable domain so that
// www.thegradcafe.com and thegradcafe.com share one label. IP literals and
// hosts without a public suffix keep their full name; unparsable input maps
// to "unknown".
func SiteLabel(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch increments the page fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SiteLabel(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts one retry against site.
func ObserveFetchRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SiteLabel(site)).Inc()
}

// ObserveRecords adds n records under outcome.
func ObserveRecords(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveBatch counts one insert batch with the given result.
func ObserveBatch(result string) {
	Init()
	batchesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
	if code == http.StatusConflict {
		busyRejectionsTotal.WithLabelValues(route).Inc()
	}
}

// ObserveJob increments the job counter for the given kind and status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// SetJobRunning flips the running gauge for kind.
func SetJobRunning(kind string, running bool) {
	Init()
	v := 0.0
	if running {
		v = 1
	}
	jobRunning.WithLabelValues(kind).Set(v)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
