// Package coordinator owns the pull and update job lifecycles. It admits at
// most one job per kind, hands admitted jobs to per-kind lanes, and publishes
// status snapshots that readers load without taking a lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/dispatcher"
	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
)

// Status messages shown to pollers.
const (
	MsgIdle          = "Idle."
	MsgPullStarted   = "Pull started. Scraping pages and inserting new rows."
	MsgUpdateRunning = "Updating analysis."
	MsgUpdateDone    = "Analysis updated."
)

// PullRunner executes one pull run.
type PullRunner interface {
	Run(ctx context.Context, runID string, observe func(crawler.PageReport)) (crawler.PullResult, error)
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Puller    PullRunner
	Refresher crawler.AnalyticsRefresher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Events    progress.Emitter
}

type outcome struct {
	pull   crawler.PullStatus
	update crawler.UpdateStatus
	err    error
}

// Coordinator is the single owner of job state. Locks are held only to flip
// busy flags and swap status pointers.
type Coordinator struct {
	deps   Deps
	lanes  *dispatcher.Dispatcher
	logger *zap.Logger

	mu         sync.Mutex
	pullBusy   bool
	updateBusy bool
	waiters    map[string]chan outcome

	pull   atomic.Pointer[crawler.PullStatus]
	update atomic.Pointer[crawler.UpdateStatus]
}

// New constructs a Coordinator with one lane per job kind. Call Run to start
// the lane workers.
func New(deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if deps.Puller == nil || deps.Refresher == nil {
		return nil, errors.New("coordinator requires a puller and a refresher")
	}
	if deps.IDs == nil {
		return nil, errors.New("coordinator requires an id generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		deps:    deps,
		logger:  logger,
		waiters: make(map[string]chan outcome),
	}
	c.lanes = dispatcher.NewLanes(c, logger, crawler.JobPull, crawler.JobUpdate)
	c.pull.Store(&crawler.PullStatus{Message: MsgIdle})
	c.update.Store(&crawler.UpdateStatus{Message: MsgIdle})
	return c, nil
}

// Run starts the lane workers and blocks until ctx ends. Jobs run under ctx,
// not under the request that admitted them.
func (c *Coordinator) Run(ctx context.Context) {
	c.lanes.Run(ctx)
}

// Snapshot returns the current pull status.
func (c *Coordinator) Snapshot() crawler.PullStatus {
	return *c.pull.Load()
}

// UpdateSnapshot returns the current update status.
func (c *Coordinator) UpdateSnapshot() crawler.UpdateStatus {
	return *c.update.Load()
}

// TryStart atomically claims kind's busy flag. A running pull blocks both
// kinds; a running update blocks only another update.
func (c *Coordinator) TryStart(kind crawler.JobKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryStartLocked(kind)
}

func (c *Coordinator) tryStartLocked(kind crawler.JobKind) bool {
	switch kind {
	case crawler.JobPull:
		if c.pullBusy {
			return false
		}
		c.pullBusy = true
	case crawler.JobUpdate:
		if c.pullBusy || c.updateBusy {
			return false
		}
		c.updateBusy = true
	default:
		return false
	}
	return true
}

func (c *Coordinator) releaseLocked(kind crawler.JobKind) {
	switch kind {
	case crawler.JobPull:
		c.pullBusy = false
	case crawler.JobUpdate:
		c.updateBusy = false
	}
}

// StartPull admits a pull and returns its run ID without waiting for it.
func (c *Coordinator) StartPull(ctx context.Context) (string, error) {
	runID, _, err := c.submit(ctx, crawler.JobPull, false)
	return runID, err
}

// RunPullSync admits a pull and waits for it to finish. If ctx ends first the
// run continues in its lane and ctx's error is returned.
func (c *Coordinator) RunPullSync(ctx context.Context) (crawler.PullStatus, error) {
	runID, wait, err := c.submit(ctx, crawler.JobPull, true)
	if err != nil {
		return c.Snapshot(), err
	}
	select {
	case out := <-wait:
		return out.pull, out.err
	case <-ctx.Done():
		c.dropWaiter(runID)
		return c.Snapshot(), fmt.Errorf("wait for pull %s: %w", runID, ctx.Err())
	}
}

// RunUpdate admits an analytics refresh and waits for it on the update lane.
func (c *Coordinator) RunUpdate(ctx context.Context) (crawler.UpdateStatus, error) {
	runID, wait, err := c.submit(ctx, crawler.JobUpdate, true)
	if err != nil {
		return c.UpdateSnapshot(), err
	}
	select {
	case out := <-wait:
		return out.update, out.err
	case <-ctx.Done():
		c.dropWaiter(runID)
		return c.UpdateSnapshot(), fmt.Errorf("wait for update %s: %w", runID, ctx.Err())
	}
}

func (c *Coordinator) submit(ctx context.Context, kind crawler.JobKind, wait bool) (string, <-chan outcome, error) {
	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return "", nil, fmt.Errorf("generate run id: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	if !c.tryStartLocked(kind) {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", crawler.ErrBusy, kind)
	}
	switch kind {
	case crawler.JobPull:
		c.pull.Store(&crawler.PullStatus{
			InProgress: true,
			Message:    MsgPullStarted,
			RunID:      runID,
			StartedAt:  &now,
		})
	case crawler.JobUpdate:
		prev := c.UpdateSnapshot()
		c.update.Store(&crawler.UpdateStatus{
			InProgress: true,
			Message:    MsgUpdateRunning,
			FinishedAt: prev.FinishedAt,
		})
	}
	var ch chan outcome
	if wait {
		ch = make(chan outcome, 1)
		c.waiters[runID] = ch
	}
	c.mu.Unlock()

	metrics.SetJobRunning(string(kind), true)
	item := crawler.QueueItem{Kind: kind, RunID: runID, Submitted: now}
	if err := c.lanes.Enqueue(ctx, item); err != nil {
		c.finish(item, crawler.PullResult{}, fmt.Errorf("submit %s: %w", kind, err), now)
		if ch != nil {
			<-ch
		}
		return "", nil, fmt.Errorf("submit %s: %w", kind, err)
	}
	c.logger.Info("job admitted", zap.String("kind", string(kind)), zap.String("run_id", runID))
	return runID, ch, nil
}

func (c *Coordinator) dropWaiter(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, runID)
}

// Handle implements worker.Handler; the lanes call it for every admitted item.
func (c *Coordinator) Handle(ctx context.Context, item crawler.QueueItem) {
	start := c.now()
	var (
		result crawler.PullResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s job panicked: %v", item.Kind, r)
			c.logger.Error("job panicked", zap.String("run_id", item.RunID), zap.Any("panic", r))
		}
		c.finish(item, result, err, start)
	}()

	c.emit(progress.Event{JobID: progress.ParseJobID(item.RunID), Kind: string(item.Kind), Stage: progress.StageJobStart})
	switch item.Kind {
	case crawler.JobPull:
		result, err = c.deps.Puller.Run(ctx, item.RunID, func(rep crawler.PageReport) {
			c.observePage(item, rep)
		})
	case crawler.JobUpdate:
		if rerr := c.deps.Refresher.RefreshAnalytics(ctx); rerr != nil {
			err = fmt.Errorf("refresh analytics: %w", rerr)
		}
	default:
		err = fmt.Errorf("unknown job kind %q", item.Kind)
	}
}

func (c *Coordinator) observePage(item crawler.QueueItem, rep crawler.PageReport) {
	c.mu.Lock()
	next := c.Snapshot()
	next.CurrentPage = rep.Page
	if rep.FetchFailed {
		next.Errors++
	} else {
		next.PagesScraped++
	}
	next.Processed += rep.Processed
	next.RecordsInserted += rep.Load.Inserted
	next.Duplicates += rep.Load.Duplicates
	next.MissingURLs += rep.MissingURLs
	next.Invalid += rep.Load.Invalid
	next.Errors += rep.Load.Failed
	c.pull.Store(&next)
	c.mu.Unlock()

	c.emit(progress.Event{
		JobID:       progress.ParseJobID(item.RunID),
		Kind:        string(item.Kind),
		Stage:       progress.StagePageDone,
		Page:        rep.Page,
		StatusClass: progress.ClassifyStatus(rep.StatusCode),
		Bytes:       int64(rep.Bytes),
		Processed:   int64(rep.Processed),
		Inserted:    int64(rep.Load.Inserted),
		Duplicates:  int64(rep.Load.Duplicates),
		Invalid:     int64(rep.Load.Invalid + rep.MissingURLs),
		Failed:      int64(rep.Load.Failed),
		Dur:         rep.Duration,
	})
}

// finish releases the busy flag and publishes the final status in one
// critical section, then notifies any waiter.
func (c *Coordinator) finish(item crawler.QueueItem, result crawler.PullResult, err error, start time.Time) {
	end := c.now()
	var out outcome
	out.err = err

	c.mu.Lock()
	switch item.Kind {
	case crawler.JobPull:
		final := pullStatusFrom(c.Snapshot(), result, err)
		final.FinishedAt = &end
		c.pull.Store(&final)
		out.pull = final
	case crawler.JobUpdate:
		final := crawler.UpdateStatus{Message: MsgUpdateDone, FinishedAt: &end}
		if err != nil {
			final.Message = "Update failed: " + err.Error()
			final.LastError = err.Error()
		}
		c.update.Store(&final)
		out.update = final
	}
	c.releaseLocked(item.Kind)
	ch, ok := c.waiters[item.RunID]
	delete(c.waiters, item.RunID)
	c.mu.Unlock()

	kind := string(item.Kind)
	status := "success"
	stage := progress.StageJobDone
	note := out.pull.Message
	if item.Kind == crawler.JobUpdate {
		note = out.update.Message
	}
	if err != nil {
		status = "error"
		stage = progress.StageJobError
		c.logger.Error("job failed", zap.String("kind", kind), zap.String("run_id", item.RunID), zap.Error(err))
	} else {
		c.logger.Info("job finished", zap.String("kind", kind), zap.String("run_id", item.RunID), zap.String("message", note))
	}
	metrics.SetJobRunning(kind, false)
	metrics.ObserveJob(kind, status)
	c.emit(progress.Event{
		JobID: progress.ParseJobID(item.RunID),
		Kind:  kind,
		Stage: stage,
		Dur:   end.Sub(start),
		Note:  note,
	})
	if ok {
		ch <- out
	}
}

// pullStatusFrom builds the terminal pull status. Counters come from the run
// result when it reached the end, otherwise from the last page snapshot.
func pullStatusFrom(prev crawler.PullStatus, result crawler.PullResult, err error) crawler.PullStatus {
	final := prev
	final.InProgress = false
	final.CurrentPage = 0
	failedPages := len(result.FailedPages) + len(result.ParseFailedPages)
	if result.PagesScraped > 0 || failedPages > 0 || result.Load.Inserted > 0 {
		final.PagesScraped = result.PagesScraped
		final.RecordsInserted = result.Load.Inserted
		final.Processed = result.Processed
		final.Duplicates = result.Load.Duplicates
		final.MissingURLs = result.MissingURLs
		final.Invalid = result.Load.Invalid
		final.Errors = result.Load.Failed + failedPages
	}
	if err != nil {
		final.Message = "Pull failed: " + err.Error()
		final.LastError = err.Error()
		return final
	}
	final.Message = result.Summary()
	final.LastError = ""
	return final
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.deps.Events == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = c.now()
	}
	c.deps.Events.Emit(evt)
}

func (c *Coordinator) now() time.Time {
	if c.deps.Clock == nil {
		return time.Now().UTC()
	}
	return c.deps.Clock.Now().UTC()
}
