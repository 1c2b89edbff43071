package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

func TestWorkerRunsItemsInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []crawler.QueueItem{
		{Kind: crawler.JobPull, RunID: "a"},
		{Kind: crawler.JobUpdate, RunID: "b"},
	}}
	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	w := New(queue, HandlerFunc(func(_ context.Context, item crawler.QueueItem) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, item.RunID)
		if len(seen) == 2 {
			close(done)
		}
	}), zap.NewNop())

	go w.Run(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not process items")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, seen)
}

func TestWorkerSurvivesPanickingHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []crawler.QueueItem{{RunID: "boom"}, {RunID: "ok"}}}
	done := make(chan string, 1)
	w := New(queue, HandlerFunc(func(_ context.Context, item crawler.QueueItem) {
		if item.RunID == "boom" {
			panic("handler exploded")
		}
		done <- item.RunID
	}), nil)

	go w.Run(ctx)
	select {
	case got := <-done:
		require.Equal(t, "ok", got)
	case <-time.After(time.Second):
		t.Fatal("lane stopped after panic")
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(&fakeQueue{}, HandlerFunc(func(context.Context, crawler.QueueItem) {}), nil)

	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStopsWhenQueueFails(t *testing.T) {
	t.Parallel()

	w := New(&fakeQueue{err: errors.New("queue closed")}, nil, nil)
	stopped := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker kept polling a failed queue")
	}
}

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	items []crawler.QueueItem
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, job crawler.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			q.mu.Unlock()
			return crawler.QueueItem{}, q.err
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.QueueItem{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
