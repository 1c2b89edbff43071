// Package dispatcher routes job items to per-kind lanes. Each lane is a
// bounded queue drained by exactly one worker, so jobs of one kind never
// overlap.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/queue/memory"
	"github.com/JakeFAU/gradcafe-crawler/internal/worker"
)

// LaneCapacity bounds each in-process lane queue.
const LaneCapacity = 1

// ErrUnknownLane is returned when an item names a kind with no lane.
var ErrUnknownLane = errors.New("no lane for job kind")

// Lane pairs a queue with the single worker that drains it.
type Lane struct {
	Queue  crawler.Queue
	Worker *worker.Worker
}

// Dispatcher fans queue work out to one worker per lane.
type Dispatcher struct {
	lanes map[crawler.JobKind]Lane
}

// New creates a Dispatcher over prebuilt lanes.
func New(lanes map[crawler.JobKind]Lane) *Dispatcher {
	return &Dispatcher{lanes: lanes}
}

// NewLanes builds one in-memory lane per kind, all served by handler.
func NewLanes(handler worker.Handler, logger *zap.Logger, kinds ...crawler.JobKind) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	lanes := make(map[crawler.JobKind]Lane, len(kinds))
	for _, kind := range kinds {
		q := memory.NewQueue(kind, LaneCapacity)
		lanes[kind] = Lane{
			Queue:  q,
			Worker: worker.New(q, handler, logger.With(zap.String("lane", string(kind)))),
		}
	}
	return New(lanes)
}

// Run starts all lane workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range d.lanes {
		if lane.Worker == nil {
			continue
		}
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(lane.Worker)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue routes item to the lane for its kind.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	lane, ok := d.lanes[item.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLane, item.Kind)
	}
	if err := lane.Queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
