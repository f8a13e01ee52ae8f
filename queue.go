// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"fmt"
	"sync"
)

// EventQueue buffers one kind of server-push event in an unbounded FIFO
// between the receive loop and a consumer. Enqueueing never blocks the
// receive loop; the consumer owns timely draining. Intended for a single
// logical reader.
//
// Every exit path of a consumer must reach Close, otherwise the listener
// registration outlives it.
type EventQueue struct {
	t      *Transport
	kind   EventKind
	handle ListenerHandle

	mu     sync.Mutex
	items  []*Event
	closed bool

	wake      chan struct{} // capacity 1; set when items may be available
	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewEventQueue subscribes to kind on t and returns the queue. Events
// arriving from this point on are buffered in arrival order.
func NewEventQueue(t *Transport, kind EventKind) *EventQueue {
	q := &EventQueue{
		t:        t,
		kind:     kind,
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	q.handle = t.AddEventListener(kind, q.enqueue)
	return q
}

// enqueue runs on the receive loop. Append plus a non-blocking wake, so
// dispatch cost stays constant no matter how far behind the consumer is.
func (q *EventQueue) enqueue(ev *Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get returns the next buffered event, suspending until one arrives, ctx is
// done, the queue is closed, or the session ends. A done ctx wins over the
// backlog, so a consumer that has fallen behind still observes cancellation
// at the next item boundary. Events already buffered when the session died
// are still drained before the terminal error surfaces.
func (q *EventQueue) Get(ctx context.Context) (*Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ev, ok := q.pop(); ok {
			return ev, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closedCh:
			return nil, ErrQueueClosed
		case <-q.t.Done():
			if ev, ok := q.pop(); ok {
				return ev, nil
			}
			return nil, fmt.Errorf("simctl: event queue %s: %w", q.kind, q.t.terminalErr())
		}
	}
}

// TryGet returns a buffered event, or ErrQueueEmpty without suspending.
func (q *EventQueue) TryGet() (*Event, error) {
	if ev, ok := q.pop(); ok {
		return ev, nil
	}
	return nil, ErrQueueEmpty
}

// Flush discards everything currently buffered. The subscription stays
// live.
func (q *EventQueue) Flush() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len reports how many events are currently buffered.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops buffered events and removes the listener registration.
// Idempotent; a blocked Get returns ErrQueueClosed.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		q.t.RemoveListener(q.handle)
		close(q.closedCh)
	})
}

func (q *EventQueue) pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}
