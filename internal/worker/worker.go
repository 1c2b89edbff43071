// Package worker implements the lane execution loop: one goroutine that pulls
// job items off a queue and hands each to a Handler.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// Handler runs one job item to completion.
type Handler interface {
	Handle(ctx context.Context, item crawler.QueueItem)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item crawler.QueueItem)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, item crawler.QueueItem) {
	f(ctx, item)
}

// Worker consumes queue items one at a time.
type Worker struct {
	queue   crawler.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, handler: handler, logger: logger}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("kind", string(item.Kind)), zap.String("run_id", item.RunID))
		w.process(ctx, item)
	}
}

// process shields the lane from a panicking handler so later items still run.
func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				zap.String("kind", string(item.Kind)),
				zap.String("run_id", item.RunID),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	if w.handler == nil {
		w.logger.Error("no handler configured", zap.String("run_id", item.RunID))
		return
	}
	w.handler.Handle(ctx, item)
}
