package item

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueDepth mirrors the number of items buffered per source.
const DefaultQueueDepth = 128

// ErrQueueClosed is returned by Put after the producer closed the queue.
var ErrQueueClosed = errors.New("item: queue closed")

// Queue is a bounded single-producer single-consumer hand-off. Put blocks
// while the queue is full and Take blocks while it is empty; nothing is ever
// dropped.
type Queue struct {
	ch        chan Item
	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue returns a queue holding at most depth items.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		ch:     make(chan Item, depth),
		closed: make(chan struct{}),
	}
}

// Put enqueues it, blocking until there is room or ctx ends.
func (q *Queue) Put(ctx context.Context, it Item) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues the next item. ok is false once the producer closed the
// queue and every buffered item has been taken.
func (q *Queue) Take(ctx context.Context) (it Item, ok bool, err error) {
	select {
	case it, ok = <-q.ch:
		return it, ok, nil
	case <-ctx.Done():
		return Item{}, false, ctx.Err()
	}
}

// Close marks the end of production. It must only be called by the
// producer; further calls are no-ops.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue depth.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
