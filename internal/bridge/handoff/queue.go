// Package handoff contains the two bounded handoff primitives that connect
// network goroutines, pipeline workers and render consumers:
//
//   - Queue, a bounded FIFO with a configurable overflow policy, used between
//     the ingest bridge and the worker pool.
//   - LatestSlot, a capacity-one most-recent-wins cell with per-source
//     monotonic overwrite, used between the worker pool and render consumers.
//
// Producers never block on either primitive.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("handoff: queue closed")

// DropPolicy selects what Push does when the queue is full.
type DropPolicy uint8

const (
	// DropOldest evicts the head of the queue to make room for the new item.
	DropOldest DropPolicy = iota
	// RejectNewest keeps the queue as is and refuses the new item.
	RejectNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	}
	return fmt.Sprintf("DropPolicy(%d)", uint8(p))
}

// ParseDropPolicy accepts "drop-oldest" or "reject-newest" (case and
// underscore insensitive). An empty string selects DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "drop-oldest":
		return DropOldest, nil
	case "reject-newest":
		return RejectNewest, nil
	}
	return DropOldest, fmt.Errorf("unknown drop policy %q (want drop-oldest or reject-newest)", s)
}

// Queue is a bounded FIFO. Push is O(1) and never waits for consumers; the
// mutex is only held for the ring-buffer bookkeeping.
type Queue[T any] struct {
	policy DropPolicy

	// OnDrop, if set, is called for every item evicted or rejected because
	// the queue was full. It runs on the pushing goroutine outside the lock
	// and must not block.
	OnDrop func(item T)

	mu     sync.Mutex
	buf    []T
	head   int
	n      int
	closed bool

	ready   chan struct{} // capacity 1, signalled when an item is added
	closeCh chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int, policy DropPolicy) (*Queue[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", capacity)
	}
	if policy != DropOldest && policy != RejectNewest {
		return nil, fmt.Errorf("invalid drop policy %v", policy)
	}
	return &Queue[T]{
		policy:  policy,
		buf:     make([]T, capacity),
		ready:   make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}, nil
}

// Push adds item to the tail. It returns false when the item itself was not
// enqueued: the queue is closed, or it is full under RejectNewest. Under
// DropOldest a full queue evicts its head and Push returns true.
func (q *Queue[T]) Push(item T) bool {
	var (
		evicted    T
		hasEvicted bool
	)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		if q.policy == RejectNewest {
			q.mu.Unlock()
			q.dropped.Add(1)
			if q.OnDrop != nil {
				q.OnDrop(item)
			}
			return false
		}
		evicted, hasEvicted = q.buf[q.head], true
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.n--
	}
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++
	q.mu.Unlock()

	q.pushed.Add(1)
	q.signal()
	if hasEvicted {
		q.dropped.Add(1)
		if q.OnDrop != nil {
			q.OnDrop(evicted)
		}
	}
	return true
}

// TryPop removes and returns the head item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	item, ok := q.popLocked()
	more := q.n > 0
	q.mu.Unlock()
	if ok && more {
		q.signal()
	}
	return item, ok
}

// Pop waits for an item. It returns ErrClosed once the queue has been closed
// and every remaining item consumed, or ctx.Err() if ctx ends first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		more := q.n > 0
		closed := q.closed
		q.mu.Unlock()

		if ok {
			// Pass the wakeup on so other waiting workers see remaining items.
			if more {
				q.signal()
			}
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.closeCh:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Latest returns the most recently pushed item still queued, without
// removing it.
func (q *Queue[T]) Latest() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.buf[(q.head+q.n-1)%len(q.buf)], true
}

// Snapshot returns the queued items in FIFO order.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// Close stops accepting pushes and wakes every waiting consumer. Items
// already queued remain available to Pop and TryPop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Policy returns the overflow policy.
func (q *Queue[T]) Policy() DropPolicy { return q.policy }

// Dropped returns the number of items evicted or rejected because the queue
// was full.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns the number of items accepted by Push.
func (q *Queue[T]) Pushed() uint64 { return q.pushed.Load() }

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return item, true
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
