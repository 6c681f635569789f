// Package settlement holds RunReturns whose outbound publishes must wait for
// a second confirmation: an HTLC settlement or an async-pay tag.
//
// Every boxed entry leaves the queue exactly once, either because a
// confirmation matched it or because its deadline passed. Both paths hand the
// entry to the release function, which re-dispatches it with the two-phase
// facets suppressed.
package settlement

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sphinxkit/rrsync/internal/rr"
)

// DefaultTimeout is how long an entry may wait for its confirmation.
const DefaultTimeout = 10 * time.Second

// Kind is the confirmation an entry waits for.
type Kind int

const (
	// KindSettle waits for a settled_status naming one of its message indexes.
	KindSettle Kind = iota + 1
	// KindAsyncPay waits for an asyncpay_tag naming one of its message tags.
	KindAsyncPay
)

func (k Kind) String() string {
	switch k {
	case KindSettle:
		return "settle"
	case KindAsyncPay:
		return "asyncpay"
	}
	return "unknown"
}

// Reason is why an entry left the queue.
type Reason int

const (
	Resolved Reason = iota + 1
	Evicted
)

func (r Reason) String() string {
	if r == Resolved {
		return "resolved"
	}
	return "evicted"
}

// Box is one deferred RunReturn.
//
// Settle slots count up from 1 and async-pay slots count down from -1, so
// the two kinds never share a slot id.
type Box struct {
	Slot      int64
	Kind      Kind
	RunReturn *rr.RunReturn
	// Applied is the set of facets the first dispatch already handled.
	Applied  rr.Facet
	Deadline time.Time
}

// ReleaseFunc receives an entry after it has been removed from the queue.
type ReleaseFunc func(ctx context.Context, box Box, reason Reason)

// Match selects boxed RunReturns.
type Match func(*rr.RunReturn) bool

// MatchIndex matches a RunReturn carrying a message with the given index.
func MatchIndex(index string) Match {
	return func(r *rr.RunReturn) bool { return r.ContainsIndex(index) }
}

// MatchTag matches a RunReturn carrying a message with the given tag.
func MatchTag(tag string) Match {
	return func(r *rr.RunReturn) bool { return r.ContainsTag(tag) }
}

// Queue is the ordered collection of boxed RunReturns. It is owned by the
// engine goroutine and is not safe for concurrent use.
type Queue struct {
	timeout    time.Duration
	nextSettle int64
	nextAsync  int64
	boxes      []Box
	release    ReleaseFunc
	log        *slog.Logger
}

// NewQueue creates an empty queue. timeout <= 0 selects DefaultTimeout.
func NewQueue(timeout time.Duration, log *slog.Logger) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		timeout:    timeout,
		nextSettle: 1,
		nextAsync:  -1,
		log:        log,
	}
}

// OnRelease sets the function called for every entry leaving the queue.
func (q *Queue) OnRelease(fn ReleaseFunc) {
	q.release = fn
}

// Enqueue boxes r and returns its slot id.
func (q *Queue) Enqueue(r *rr.RunReturn, kind Kind, applied rr.Facet, now time.Time) int64 {
	var slot int64
	if kind == KindAsyncPay {
		slot = q.nextAsync
		q.nextAsync--
	} else {
		kind = KindSettle
		slot = q.nextSettle
		q.nextSettle++
	}
	q.boxes = append(q.boxes, Box{
		Slot:      slot,
		Kind:      kind,
		RunReturn: r,
		Applied:   applied,
		Deadline:  now.Add(q.timeout),
	})
	q.log.Debug("runreturn boxed", "slot", slot, "kind", kind, "msgs", len(r.Msgs))
	return slot
}

// ResolveBy removes the oldest entry of the given kind accepted by match and
// releases it. Returns false when nothing matched.
func (q *Queue) ResolveBy(ctx context.Context, kind Kind, match Match) (Box, bool) {
	for i, b := range q.boxes {
		if b.Kind != kind || !match(b.RunReturn) {
			continue
		}
		q.remove(i)
		q.log.Debug("boxed runreturn resolved", "slot", b.Slot, "kind", kind)
		q.fire(ctx, b, Resolved)
		return b, true
	}
	return Box{}, false
}

// Evict removes the entry in slot and releases it. Returns false when the
// slot is no longer queued.
func (q *Queue) Evict(ctx context.Context, slot int64) bool {
	for i, b := range q.boxes {
		if b.Slot != slot {
			continue
		}
		q.remove(i)
		q.log.Info("boxed runreturn evicted", "slot", slot, "kind", b.Kind)
		q.fire(ctx, b, Evicted)
		return true
	}
	return false
}

// Expire evicts every entry whose deadline is at or before now, oldest
// deadline first, and returns their slots.
func (q *Queue) Expire(ctx context.Context, now time.Time) []int64 {
	var due []Box
	for _, b := range q.boxes {
		if !now.Before(b.Deadline) {
			due = append(due, b)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })

	slots := make([]int64, 0, len(due))
	for _, b := range due {
		// A release may have resolved a later entry already.
		if q.Evict(ctx, b.Slot) {
			slots = append(slots, b.Slot)
		}
	}
	return slots
}

// Len returns the number of boxed entries.
func (q *Queue) Len() int {
	return len(q.boxes)
}

// Boxes returns a copy of the queued entries in insertion order.
func (q *Queue) Boxes() []Box {
	out := make([]Box, len(q.boxes))
	copy(out, q.boxes)
	return out
}

// NextDeadline returns the earliest eviction deadline.
func (q *Queue) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, b := range q.boxes {
		if !found || b.Deadline.Before(next) {
			next = b.Deadline
			found = true
		}
	}
	return next, found
}

func (q *Queue) remove(i int) {
	copy(q.boxes[i:], q.boxes[i+1:])
	q.boxes[len(q.boxes)-1] = Box{}
	q.boxes = q.boxes[:len(q.boxes)-1]
}

func (q *Queue) fire(ctx context.Context, b Box, reason Reason) {
	if q.release == nil {
		return
	}
	q.release(ctx, b, reason)
}
