// Package memory provides the bounded in-process queue behind each job lane.
package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// ErrWrongKind rejects an item routed to another kind's lane.
var ErrWrongKind = errors.New("job kind does not match lane")

// Queue holds admitted jobs of a single kind until the lane worker takes them.
type Queue struct {
	kind crawler.JobKind
	ch   chan crawler.QueueItem
}

// NewQueue returns a queue for kind holding at most capacity waiting jobs.
func NewQueue(kind crawler.JobKind, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{kind: kind, ch: make(chan crawler.QueueItem, capacity)}
}

// Kind is the job kind this queue serves.
func (q *Queue) Kind() crawler.JobKind {
	return q.kind
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Enqueue adds item, waiting for room until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if item.Kind != q.kind {
		return fmt.Errorf("%w: %s lane got %s", ErrWrongKind, q.kind, item.Kind)
	}
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s canceled: %w", item.RunID, ctx.Err())
	}
}

// Dequeue waits for the next item until ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}
