// Package queue provides the bounded FIFO that decouples audio producers from
// network consumers.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO. Push never blocks: when the queue is full the
// oldest item is evicted. Close appends an end marker after everything already
// pushed, so Pop keeps returning queued items until it reaches the marker.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	closed   bool
	dropped  uint64
	notify   chan struct{}
	onDrop   func(T)
	capacity int
}

// Option customizes a Queue.
type Option[T any] func(*Queue[T])

// WithDropHook registers a callback invoked (outside the lock) for every
// evicted item.
func WithDropHook[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) {
		q.onDrop = fn
	}
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		notify:   make(chan struct{}, 1),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends item. It reports false when the queue is already closed, in
// which case the item is discarded.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var (
		evicted T
		didDrop bool
	)
	if q.size == q.capacity {
		evicted = q.items[q.head]
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.size--
		q.dropped++
		didDrop = true
	}
	q.items[(q.head+q.size)%q.capacity] = item
	q.size++
	q.mu.Unlock()

	q.signal()
	if didDrop && q.onDrop != nil {
		q.onDrop(evicted)
	}
	return true
}

// Close marks the end of input. Only the first call has an effect; it reports
// whether this call closed the queue.
func (q *Queue[T]) Close() bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return true
}

// Pop blocks until an item is available, the queue is closed and empty
// (ErrClosed), or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.size > 0 {
			item := q.items[q.head]
			q.items[q.head] = zero
			q.head = (q.head + 1) % q.capacity
			q.size--
			more := q.size > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many items were evicted by overflow.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
