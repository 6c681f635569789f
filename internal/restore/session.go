// Package restore rebuilds contacts and message history after a connect.
//
// A Session is an explicit phase plus a single Drive function invoked after
// every inbound event. Drive never performs I/O against the crypto core
// itself: it returns the Requests the owner must issue next.
package restore

import (
	"context"
	"log/slog"
	"time"

	"github.com/sphinxkit/rrsync/internal/rr"
)

const (
	// DefaultPageSize is the number of messages requested per page.
	DefaultPageSize = 250
	// DefaultWatchdog aborts a session that received nothing for this long.
	DefaultWatchdog = 10 * time.Second
)

// Phase is the session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCounts
	PhaseFirstPerContact
	PhaseBulkBackward
	PhaseBulkForward
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCounts:
		return "counts"
	case PhaseFirstPerContact:
		return "first_per_contact"
	case PhaseBulkBackward:
		return "bulk_backward"
	case PhaseBulkForward:
		return "bulk_forward"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Direction is the pagination direction of a cursor.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Cursor tracks pagination within the current phase. It exists only while a
// session is running and is never persisted.
type Cursor struct {
	Phase     Phase
	LastIndex uint64
	Limit     int
	// Stop is the index at which forward pagination ends.
	Stop      uint64
	Direction Direction
	Restored  uint64
	Deadline  time.Time
}

// RequestKind names the crypto-core operation a Request asks for.
type RequestKind int

const (
	RequestCounts RequestKind = iota + 1
	RequestFirstPerContact
	RequestContactMsgs
	RequestForward
	RequestReadPing
)

func (k RequestKind) String() string {
	switch k {
	case RequestCounts:
		return "counts"
	case RequestFirstPerContact:
		return "first_per_contact"
	case RequestContactMsgs:
		return "contact_msgs"
	case RequestForward:
		return "forward"
	case RequestReadPing:
		return "read_ping"
	}
	return "unknown"
}

// Request is one fetch the owner must issue to the crypto core.
//
// For backward requests LastIndex is an exclusive upper bound; for forward
// requests it is the first index wanted.
type Request struct {
	Kind      RequestKind
	Pubkey    string
	LastIndex uint64
	Limit     int
	Reverse   bool
}

// ProgressKind distinguishes the two progress bars.
type ProgressKind int

const (
	ProgressContacts ProgressKind = iota + 1
	ProgressMessages
)

func (k ProgressKind) String() string {
	if k == ProgressContacts {
		return "contacts"
	}
	return "messages"
}

// Progress is one progress report.
type Progress struct {
	Kind    ProgressKind
	Percent int
}

// Source is what a session reads from local persistence.
type Source interface {
	MaxIndex(ctx context.Context) (uint64, error)
	RestoreKeys(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context) error
}

// EventKind is the kind of inbound event driving a session.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventCounts
	EventPage
	EventCancel
)

// Event is one input to Drive.
type Event struct {
	Kind   EventKind
	Counts rr.MsgsCounts
	// Indexes are the message indexes observed in a fetched page.
	Indexes []uint64
}

// Options configures a Session.
type Options struct {
	PageSize   int
	Watchdog   time.Duration
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Session is the restore state machine. It is not safe for concurrent use.
type Session struct {
	src        Source
	pageSize   int
	watchdog   time.Duration
	onProgress func(Progress)
	log        *slog.Logger

	phase  Phase
	cursor *Cursor
	counts rr.MsgsCounts

	resumeFrom uint64
	maxSeen    uint64
	keys       []string
	keyIdx     int

	contactPct int
	messagePct int
	finished   []func()
}

// NewSession creates an idle session.
func NewSession(src Source, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		src:        src,
		pageSize:   opts.PageSize,
		watchdog:   opts.Watchdog,
		onProgress: opts.OnProgress,
		log:        opts.Logger,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Cursor returns a copy of the live cursor, or nil when no session runs.
func (s *Session) Cursor() *Cursor {
	if s.cursor == nil {
		return nil
	}
	c := *s.cursor
	return &c
}

// Running reports whether a restore is in progress.
func (s *Session) Running() bool { return s.cursor != nil }

// Progress returns the last reported contact and message percentages.
func (s *Session) Progress() (contacts, messages int) {
	return s.contactPct, s.messagePct
}

// MaxSeen returns the highest message index observed by this session.
func (s *Session) MaxSeen() uint64 { return s.maxSeen }

// OnFinished queues fn to run when the current or next restore completes.
// Queued callbacks are dropped if the watchdog aborts the session. When the
// last restore already completed and none is running, fn runs immediately.
func (s *Session) OnFinished(fn func()) {
	if s.phase == PhaseDone && s.cursor == nil {
		fn()
		return
	}
	s.finished = append(s.finished, fn)
}

// Start abandons any running session and begins a fresh one.
func (s *Session) Start(ctx context.Context, now time.Time) []Request {
	return s.Drive(ctx, Event{Kind: EventStart}, now)
}

// OnCounts feeds a message-count snapshot.
func (s *Session) OnCounts(ctx context.Context, counts rr.MsgsCounts, now time.Time) []Request {
	return s.Drive(ctx, Event{Kind: EventCounts, Counts: counts}, now)
}

// OnPage feeds the indexes of one fetched history page.
func (s *Session) OnPage(ctx context.Context, indexes []uint64, now time.Time) []Request {
	return s.Drive(ctx, Event{Kind: EventPage, Indexes: indexes}, now)
}

// Cancel abandons the running session without firing callbacks.
func (s *Session) Cancel(ctx context.Context) {
	s.Drive(ctx, Event{Kind: EventCancel}, time.Time{})
}

// Expire aborts the session if its watchdog deadline is at or before now.
// The abort is silent: callbacks are dropped and no error is reported.
func (s *Session) Expire(now time.Time) bool {
	if s.cursor == nil || now.Before(s.cursor.Deadline) {
		return false
	}
	s.log.Debug("restore watchdog expired", "phase", s.phase)
	s.reset()
	return true
}

// Deadline returns the watchdog deadline of the running session.
func (s *Session) Deadline() (time.Time, bool) {
	if s.cursor == nil {
		return time.Time{}, false
	}
	return s.cursor.Deadline, true
}

// Drive advances the state machine by one event.
func (s *Session) Drive(ctx context.Context, ev Event, now time.Time) []Request {
	switch ev.Kind {
	case EventStart:
		return s.start(ctx, now)
	case EventCancel:
		s.reset()
		return nil
	}
	if s.cursor == nil {
		return nil
	}

	switch {
	case ev.Kind == EventCounts && s.phase == PhaseCounts:
		s.cursor.Deadline = now.Add(s.watchdog)
		return s.onCounts(ctx, ev.Counts, now)
	case ev.Kind == EventPage && s.phase != PhaseCounts:
		s.cursor.Deadline = now.Add(s.watchdog)
		return s.onPage(ctx, ev.Indexes, now)
	}
	return nil
}

func (s *Session) reset() {
	s.phase = PhaseIdle
	s.cursor = nil
	s.keys = nil
	s.keyIdx = 0
	s.finished = nil
}

func (s *Session) start(ctx context.Context, now time.Time) []Request {
	if s.cursor != nil {
		s.log.Info("abandoning running restore", "phase", s.phase)
	}
	resumeFrom, err := s.src.MaxIndex(ctx)
	if err != nil {
		s.log.Warn("read max index, restoring from scratch", "error", err)
		resumeFrom = 0
	}

	finished := s.finished
	s.reset()
	s.finished = finished

	s.resumeFrom = resumeFrom
	s.maxSeen = resumeFrom
	s.counts = rr.MsgsCounts{}
	s.contactPct = 0
	s.messagePct = 0
	s.phase = PhaseCounts
	s.cursor = &Cursor{
		Phase:    PhaseCounts,
		Limit:    s.pageSize,
		Deadline: now.Add(s.watchdog),
	}
	s.log.Debug("restore started", "resume_from", resumeFrom)
	return []Request{{Kind: RequestCounts}}
}

func (s *Session) onCounts(ctx context.Context, counts rr.MsgsCounts, now time.Time) []Request {
	s.counts = counts
	s.log.Debug("restore counts",
		"total", counts.TotalCount(),
		"first_per_contact", counts.FirstPerContact(),
		"highest_index", counts.HighestIndex())

	if s.resumeFrom > 0 {
		s.report(ProgressContacts, 100)
		if counts.HighestIndex() > s.resumeFrom {
			return s.enterForward(now)
		}
		return s.finish(ctx)
	}

	if counts.FirstPerContact() > 0 {
		s.phase = PhaseFirstPerContact
		s.cursor.Phase = PhaseFirstPerContact
		s.cursor.Direction = Forward
		s.cursor.LastIndex = 0
		s.cursor.Stop = counts.FirstPerContactMax()
		s.report(ProgressContacts, 2)
		return []Request{s.firstPerContactRequest()}
	}

	s.report(ProgressContacts, 100)
	return s.enterBackward(ctx, now)
}

func (s *Session) onPage(ctx context.Context, indexes []uint64, now time.Time) []Request {
	minObs, maxObs := bounds(indexes)
	if len(indexes) > 0 && maxObs > s.maxSeen {
		s.maxSeen = maxObs
	}

	switch s.phase {
	case PhaseFirstPerContact:
		return s.onFirstPerContactPage(ctx, indexes, maxObs, now)
	case PhaseBulkBackward:
		return s.onBackwardPage(ctx, indexes, minObs, now)
	case PhaseBulkForward:
		return s.onForwardPage(ctx, indexes, maxObs)
	}
	return nil
}

func (s *Session) onFirstPerContactPage(ctx context.Context, indexes []uint64, maxObs uint64, now time.Time) []Request {
	c := s.cursor
	c.Restored += uint64(len(indexes))

	total := s.counts.FirstPerContact()
	pct := 20
	if total > 0 {
		pct = 2 + int(18*c.Restored/total)
	}
	s.report(ProgressContacts, min(pct, 20))

	// Without a highest first index the count bounds the phase.
	reached := c.Restored >= total
	if c.Stop > 0 {
		reached = maxObs >= c.Stop
	}
	if len(indexes) == 0 || reached || maxObs+1 <= c.LastIndex {
		s.report(ProgressContacts, 100)
		return s.enterBackward(ctx, now)
	}
	c.LastIndex = maxObs + 1
	return []Request{s.firstPerContactRequest()}
}

func (s *Session) enterBackward(ctx context.Context, now time.Time) []Request {
	keys, err := s.src.RestoreKeys(ctx)
	if err != nil {
		s.log.Warn("list restore keys", "error", err)
		keys = nil
	}
	s.keys = dedupe(keys)
	s.keyIdx = 0

	s.phase = PhaseBulkBackward
	s.cursor.Phase = PhaseBulkBackward
	s.cursor.Direction = Backward
	s.cursor.Restored = 0
	s.report(ProgressMessages, 20)

	if len(s.keys) == 0 {
		return s.afterBackward(ctx, now)
	}
	s.cursor.LastIndex = s.upperBound()
	return []Request{s.contactRequest()}
}

func (s *Session) onBackwardPage(ctx context.Context, indexes []uint64, minObs uint64, now time.Time) []Request {
	c := s.cursor
	c.Restored += uint64(len(indexes))

	exhausted := len(indexes) == 0 || len(indexes) < c.Limit || minObs == 0 || minObs >= c.LastIndex
	if !exhausted {
		c.LastIndex = minObs
		return []Request{s.contactRequest()}
	}

	s.keyIdx++
	s.report(ProgressMessages, 20+80*s.keyIdx/len(s.keys))
	if s.keyIdx < len(s.keys) {
		c.LastIndex = s.upperBound()
		return []Request{s.contactRequest()}
	}
	return s.afterBackward(ctx, now)
}

func (s *Session) afterBackward(ctx context.Context, now time.Time) []Request {
	if s.counts.HighestIndex() > s.maxSeen {
		return s.enterForward(now)
	}
	return s.finish(ctx)
}

func (s *Session) enterForward(now time.Time) []Request {
	s.phase = PhaseBulkForward
	s.cursor.Phase = PhaseBulkForward
	s.cursor.Direction = Forward
	s.cursor.LastIndex = s.maxSeen + 1
	s.cursor.Stop = s.counts.HighestIndex()
	s.cursor.Deadline = now.Add(s.watchdog)
	return []Request{s.forwardRequest()}
}

func (s *Session) onForwardPage(ctx context.Context, indexes []uint64, maxObs uint64) []Request {
	c := s.cursor
	c.Restored += uint64(len(indexes))
	if len(indexes) == 0 || maxObs >= c.Stop || maxObs+1 <= c.LastIndex {
		return s.finish(ctx)
	}
	c.LastIndex = maxObs + 1
	return []Request{s.forwardRequest()}
}

func (s *Session) finish(ctx context.Context) []Request {
	if err := s.src.Reconcile(ctx); err != nil {
		s.log.Error("reconcile after restore", "error", err)
	}
	s.report(ProgressContacts, 100)
	s.report(ProgressMessages, 100)

	s.phase = PhaseDone
	s.cursor = nil
	s.keys = nil
	s.log.Info("restore finished", "max_index", s.maxSeen)

	callbacks := s.finished
	s.finished = nil
	for _, fn := range callbacks {
		fn()
	}
	return []Request{{Kind: RequestReadPing}}
}

// report publishes a percentage if it advances the given bar.
func (s *Session) report(kind ProgressKind, pct int) {
	pct = min(pct, 100)
	last := &s.contactPct
	if kind == ProgressMessages {
		last = &s.messagePct
	}
	if pct <= *last {
		return
	}
	*last = pct
	if s.onProgress != nil {
		s.onProgress(Progress{Kind: kind, Percent: pct})
	}
}

func (s *Session) upperBound() uint64 {
	return max(s.counts.HighestIndex(), s.maxSeen) + 1
}

func (s *Session) firstPerContactRequest() Request {
	return Request{Kind: RequestFirstPerContact, LastIndex: s.cursor.LastIndex, Limit: s.cursor.Limit}
}

func (s *Session) contactRequest() Request {
	return Request{
		Kind:      RequestContactMsgs,
		Pubkey:    s.keys[s.keyIdx],
		LastIndex: s.cursor.LastIndex,
		Limit:     s.cursor.Limit,
		Reverse:   true,
	}
}

func (s *Session) forwardRequest() Request {
	return Request{Kind: RequestForward, LastIndex: s.cursor.LastIndex, Limit: s.cursor.Limit}
}

func bounds(indexes []uint64) (lo, hi uint64) {
	for i, v := range indexes {
		if i == 0 || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
