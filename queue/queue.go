// Package queue implements the bounded, thread-safe FIFO every stage reads
// and writes: blocking or leaky overflow policy, a flush that empties the
// queue and wakes every waiter, and depth instrumentation for stall
// detection.
package queue

import (
	"sync"

	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/metrics"
)

// Policy selects what happens when Push is called against a full queue.
type Policy int

const (
	// PolicyBlocking suspends the pusher until space appears or Flush/Close
	// is called.
	PolicyBlocking Policy = iota
	// PolicyLeaky drops the oldest element to make room, running its
	// release function (if any) before accepting the new one.
	PolicyLeaky
)

// Queue is a bounded FIFO of T, safe for concurrent Push/Pop from any number
// of goroutines.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	capacity int
	policy   Policy

	closed bool

	// release is invoked, outside the lock, for any element the queue drops
	// without a Pop ever returning it: the leaky-overflow victim, and every
	// remaining element when Flush or Close runs, so dropped buffers still
	// get released instead of leaking.
	release func(T)

	stage *metrics.Stage // optional; nil disables instrumentation
}

// Option configures a Queue at construction.
type Option[T any] func(*Queue[T])

// WithRelease registers a function called for every element the queue
// discards without delivering it to a Pop caller.
func WithRelease[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.release = fn }
}

// WithMetrics attaches a metrics.Stage that every Push/Pop/drop updates.
func WithMetrics[T any](s *metrics.Stage) Option[T] {
	return func(q *Queue[T]) { q.stage = s }
}

// New constructs a Queue with the given capacity and overflow policy.
func New[T any](capacity int, policy Policy, opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues v. Under PolicyBlocking it suspends while the queue is full
// until space appears or the queue is flushed/closed, returning
// errs.Pipeline if closed while waiting. Under PolicyLeaky it drops the
// oldest element (running release on it) rather than blocking.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return errs.New("queue.Push", errs.Pipeline, "queue closed")
	}

	if len(q.items) >= q.capacity {
		switch q.policy {
		case PolicyLeaky:
			victim := q.items[0]
			q.items = q.items[1:]
			if q.stage != nil {
				q.stage.RecordDrop()
			}
			q.mu.Unlock()
			if q.release != nil {
				q.release(victim)
			}
			q.mu.Lock()
		default: // PolicyBlocking
			for len(q.items) >= q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				q.mu.Unlock()
				return errs.New("queue.Push", errs.Pipeline, "queue closed while waiting for space")
			}
		}
	}

	q.items = append(q.items, v)
	depth := uint32(len(q.items))
	q.mu.Unlock()

	if q.stage != nil {
		q.stage.RecordQueueDepth(depth)
	}
	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the oldest element. It blocks until an element is
// available or the queue is closed, in which case ok is false.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return v, false
	}

	v = q.items[0]
	q.items = q.items[1:]
	if q.stage != nil {
		q.stage.RecordQueueDepth(uint32(len(q.items)))
	}
	q.notFull.Signal()
	return v, true
}

// TryPop removes and returns the oldest element without blocking. ok is
// false if the queue is currently empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, true
}

// Len returns the current number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush empties the queue, running release (if set) on every discarded
// element, and wakes every blocked Push/Pop waiter. The queue remains open
// for further use afterward.
func (q *Queue[T]) Flush() {
	q.mu.Lock()
	dropped := q.items
	q.items = make([]T, 0, q.capacity)
	q.mu.Unlock()

	if q.release != nil {
		for _, v := range dropped {
			q.release(v)
		}
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Close flushes the queue and marks it closed: further Push calls fail and
// blocked Pop callers unblock with ok=false. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	if q.release != nil {
		for _, v := range dropped {
			q.release(v)
		}
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
