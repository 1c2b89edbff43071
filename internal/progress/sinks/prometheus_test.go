package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	finished := time.Unix(1_760_000_000, 0)
	batch := []progress.Event{
		{JobID: jobID, Kind: "pull", TS: time.Now(), Stage: progress.StageJobStart},
		{
			JobID:       jobID,
			Kind:        "pull",
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StagePageDone,
			Page:        1,
			Bytes:       1024,
			Inserted:    18,
			Duplicates:  2,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{JobID: jobID, Kind: "pull", TS: finished, Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("pull")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("pull", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("pull", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning.WithLabelValues("pull")))
	require.InDelta(t, 1_760_000_000, testutil.ToFloat64(sink.lastSuccess.WithLabelValues("pull")), 0)

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pagesDone.WithLabelValues(string(progress.Status2xx))), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.pageBytes), 1e-9)
	require.InDelta(t, 18.0, testutil.ToFloat64(sink.records.WithLabelValues("inserted")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.records.WithLabelValues("duplicate")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "gradcafe_page_fetch_duration_seconds"))
}

func TestPrometheusSinkRunningGaugeIgnoresRepeats(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{JobID: jobID, Kind: "update", TS: time.Now(), Stage: progress.StageJobStart}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning.WithLabelValues("update")))

	failed := progress.Event{JobID: jobID, Kind: "update", TS: time.Now(), Stage: progress.StageJobError, Note: "boom"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{failed, failed}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning.WithLabelValues("update")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("update", "error")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
