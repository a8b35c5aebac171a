// Package queue implements the bounded FIFO queues that connect the supervisor
// with its workers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/event"
)

// Queue is a bounded FIFO of events. Put never blocks; Get waits up to a
// timeout. Ordering is FIFO within one queue only.
type Queue struct {
	name string
	ch   chan event.Event

	mu     sync.RWMutex
	closed bool
}

// New allocates a queue with the given capacity.
func New(name string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue %q: capacity must be positive, got %d", name, capacity)
	}
	return &Queue{
		name: name,
		ch:   make(chan event.Event, capacity),
	}, nil
}

// Name returns the queue's owner name.
func (q *Queue) Name() string { return q.name }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Put enqueues ev without blocking.
func (q *Queue) Put(ev event.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Get dequeues the next event, waiting at most timeout. It returns ErrEmpty on
// timeout, ErrClosed once the queue is closed and drained, or ctx.Err().
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (event.Event, error) {
	// Drain before honouring a closed queue or an expired wait.
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return event.Event{}, ErrClosed
		}
		return ev, nil
	default:
	}
	if timeout <= 0 {
		return event.Event{}, ErrEmpty
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-q.ch:
		if !ok {
			return event.Event{}, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		return event.Event{}, ErrEmpty
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Close marks the queue closed. Queued events remain readable. Close is
// idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
