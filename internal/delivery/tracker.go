// Package delivery matches asynchronous send acknowledgements to locally
// queued outbound messages and fails the ones that are never acknowledged.
package delivery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sphinxkit/rrsync/internal/store"
)

// DefaultTimeout is how long a send may stay unacknowledged.
const DefaultTimeout = 10 * time.Second

// Outcome is the resolution of a pending send.
type Outcome int

const (
	Confirmed Outcome = iota + 1
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Messages is the slice of the entity store the tracker writes to.
type Messages interface {
	SetMessageStatus(ctx context.Context, id int64, status store.MessageStatus, errMsg string) (bool, error)
}

// PendingSend is one outbound message awaiting acknowledgement.
type PendingSend struct {
	Tag            string
	LocalMessageID int64
	Deadline       time.Time
}

// Tracker maps correlation tags to pending sends.
//
// Deadlines are explicit: the owner calls Expire with the current time from
// its scheduler. Tracker is not safe for concurrent use.
type Tracker struct {
	msgs    Messages
	timeout time.Duration
	pending map[string]PendingSend
	log     *slog.Logger
}

// NewTracker creates a tracker. timeout <= 0 selects DefaultTimeout.
func NewTracker(msgs Messages, timeout time.Duration, log *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		msgs:    msgs,
		timeout: timeout,
		pending: make(map[string]PendingSend),
		log:     log,
	}
}

// Register starts the timer for tag. Registering a tag that is already
// pending replaces its entry, so there is never more than one live timer
// per tag.
func (t *Tracker) Register(tag string, localMessageID int64, now time.Time) {
	if tag == "" {
		return
	}
	if prev, ok := t.pending[tag]; ok {
		t.log.Debug("replacing pending send", "tag", tag, "previous_message", prev.LocalMessageID)
	}
	t.pending[tag] = PendingSend{
		Tag:            tag,
		LocalMessageID: localMessageID,
		Deadline:       now.Add(t.timeout),
	}
}

// Resolve cancels the timer for tag and records the outcome on the local
// message. Returns false when nothing was pending for tag, including a late
// acknowledgement for a send that already timed out.
func (t *Tracker) Resolve(ctx context.Context, tag string, outcome Outcome, errMsg string) bool {
	p, ok := t.pending[tag]
	if !ok {
		return false
	}
	delete(t.pending, tag)

	status := store.StatusConfirmed
	if outcome == Failed {
		status = store.StatusFailed
	}
	changed, err := t.msgs.SetMessageStatus(ctx, p.LocalMessageID, status, errMsg)
	if err != nil {
		t.log.Error("record send outcome", "tag", tag, "message", p.LocalMessageID, "error", err)
		return true
	}
	t.log.Debug("send resolved", "tag", tag, "message", p.LocalMessageID, "outcome", outcome, "changed", changed)
	return true
}

// Expire fails every send whose deadline is at or before now and returns
// them in deadline order.
func (t *Tracker) Expire(ctx context.Context, now time.Time) []PendingSend {
	var expired []PendingSend
	for tag, p := range t.pending {
		if now.Before(p.Deadline) {
			continue
		}
		delete(t.pending, tag)
		expired = append(expired, p)
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Deadline.Equal(expired[j].Deadline) {
			return expired[i].Tag < expired[j].Tag
		}
		return expired[i].Deadline.Before(expired[j].Deadline)
	})

	for _, p := range expired {
		if _, err := t.msgs.SetMessageStatus(ctx, p.LocalMessageID, store.StatusFailed, "delivery timeout"); err != nil {
			t.log.Error("fail timed out send", "tag", p.Tag, "message", p.LocalMessageID, "error", err)
			continue
		}
		t.log.Info("send timed out", "tag", p.Tag, "message", p.LocalMessageID)
	}
	return expired
}

// Pending returns the number of unresolved sends.
func (t *Tracker) Pending() int {
	return len(t.pending)
}

// Lookup returns the pending entry for tag.
func (t *Tracker) Lookup(tag string) (PendingSend, bool) {
	p, ok := t.pending[tag]
	return p, ok
}

// NextDeadline returns the earliest pending deadline.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, p := range t.pending {
		if !found || p.Deadline.Before(next) {
			next = p.Deadline
			found = true
		}
	}
	return next, found
}
