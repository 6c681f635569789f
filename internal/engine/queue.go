package engine

import (
	"context"
	"sync"
)

// Event is one unit of work for the engine loop. Run executes on the loop
// goroutine and may touch every piece of engine-owned state.
type Event struct {
	// Name identifies the event in logs.
	Name string
	Run  func(ctx context.Context) error
}

// compactAt is the number of consumed slots after which the backing slice
// is shifted down.
const compactAt = 64

// eventQueue is an unbounded FIFO of events. Restore pagination and
// settlement replays enqueue follow-up work from inside the loop, so
// Enqueue never blocks.
//
// Availability is signalled on a 1-buffered channel that is closed by
// Close, so the loop can select on it next to ctx.Done.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	head   int
	peak   int
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, compactAt),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Safe from any goroutine. Returns false once the queue
// is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	q.peak = max(q.peak, len(q.events)-q.head)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.events) {
		return Event{}, false
	}
	e := q.events[q.head]
	q.events[q.head] = Event{}
	q.head++

	switch {
	case q.head == len(q.events):
		q.events = q.events[:0]
		q.head = 0
	case q.head >= compactAt:
		n := copy(q.events, q.events[q.head:])
		clear(q.events[n:])
		q.events = q.events[:n]
		q.head = 0
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. The
// channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) - q.head
}

// Peak returns the highest queue depth observed.
func (q *eventQueue) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further events and wakes every waiter. Queued events stay
// dequeueable.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
