package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
)

// PrometheusSink turns job events into Prometheus collectors: job counts,
// runtimes and freshness per kind, plus per-page fetch and record counters.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   *prometheus.GaugeVec
	jobRuntime    *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec

	pagesDone    *prometheus.CounterVec
	pageBytes    prometheus.Counter
	pageDuration *prometheus.HistogramVec
	records      *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradcafe_jobs_started_total",
			Help: "Total jobs that have started, partitioned by kind.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradcafe_jobs_completed_total",
			Help: "Total jobs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradcafe_jobs_running",
			Help: "Current number of running jobs per kind.",
		}, []string{"kind"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradcafe_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"kind", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradcafe_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful job per kind; alert on stale pulls.",
		}, []string{"kind"}),
		pagesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradcafe_pages_done_total",
			Help: "Survey pages completed partitioned by status class.",
		}, []string{"status_class"}),
		pageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradcafe_page_bytes_total",
			Help: "Bytes downloaded across survey pages.",
		}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradcafe_page_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradcafe_page_records_total",
			Help: "Records seen on completed pages partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.lastSuccess,
		s.pagesDone,
		s.pageBytes,
		s.pageDuration,
		s.records,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StagePageDone:
		s.handlePageEvent(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(evt.Kind).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.WithLabelValues(evt.Kind).Inc()
		}
	case progress.StageJobDone:
		s.jobsCompleted.WithLabelValues(evt.Kind, "success").Inc()
		s.observeRuntime(evt, "success")
		s.lastSuccess.WithLabelValues(evt.Kind).Set(float64(evt.TS.Unix()))
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues(evt.Kind, "error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageJobStart && s.tracker.complete(evt.JobID) {
		s.jobsRunning.WithLabelValues(evt.Kind).Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(evt.Kind, label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pagesDone.WithLabelValues(statusClass).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
	for outcome, n := range map[string]int64{
		"inserted":  evt.Inserted,
		"duplicate": evt.Duplicates,
		"invalid":   evt.Invalid,
		"failed":    evt.Failed,
	} {
		if n > 0 {
			s.records.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[[16]byte]struct{})}
}

func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
