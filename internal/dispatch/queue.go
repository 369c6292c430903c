package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/taskd/internal/observability"
)

const DefaultQueueCapacity = 100

var ErrQueueClosed = errors.New("dispatch: queue closed")

// Queue is the bounded FIFO between connection handlers and the worker pool.
// A full queue suspends the submitting goroutine only.
type Queue struct {
	items   chan WorkItem
	closing chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:   make(chan WorkItem, capacity),
		closing: make(chan struct{}),
	}
}

// Submit enqueues item, waiting for a free slot. It fails with ErrQueueClosed
// once Close has been called and with ctx.Err() if ctx ends first.
func (q *Queue) Submit(ctx context.Context, item WorkItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		observability.SetQueueDepth(len(q.items))
		return nil
	case <-q.closing:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops new submissions. Items already queued are still delivered.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.items)
	})
}

// Items is the receive side. Each item is delivered to exactly one receiver
// and the channel is closed after Close once drained.
func (q *Queue) Items() <-chan WorkItem {
	return q.items
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}
