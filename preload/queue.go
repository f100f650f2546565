// Package preload populates the metadata cache in the background as new
// instances arrive. Notifications go through a bounded queue that never
// blocks the notifier; a single worker drains it.
package preload

import (
	"context"
	"time"
)

const (
	// DefaultQueueSize is the number of pending instances kept before new
	// notifications are dropped.
	DefaultQueueSize = 10000

	// DefaultDequeueTimeout bounds how long the worker waits for work
	// before checking whether it should stop.
	DefaultDequeueTimeout = 100 * time.Millisecond
)

// Queue is a bounded FIFO of instance ids, safe for concurrent use.
// Duplicates are kept.
type Queue struct {
	ch chan string
}

// NewQueue creates a queue holding at most size ids.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan string, size)}
}

// Enqueue adds id without blocking. It returns false when the queue is full
// and the id was dropped.
func (q *Queue) Enqueue(id string) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// Dequeue waits up to timeout for an id. ok is false on timeout or when ctx
// is done.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (id string, ok bool) {
	// Fast path when work is pending.
	select {
	case id = <-q.ch:
		return id, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id = <-q.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Len returns the number of pending ids.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
