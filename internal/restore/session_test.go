package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinxkit/rrsync/internal/rr"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	maxIndex   uint64
	maxErr     error
	keys       []string
	reconciled int
}

func (f *fakeSource) MaxIndex(context.Context) (uint64, error) { return f.maxIndex, f.maxErr }
func (f *fakeSource) RestoreKeys(context.Context) ([]string, error) { return f.keys, nil }
func (f *fakeSource) Reconcile(context.Context) error {
	f.reconciled++
	return nil
}

func u64(v uint64) *uint64 { return &v }

func span(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func newTestSession(src Source, pageSize int, progress *[]Progress) *Session {
	return NewSession(src, Options{
		PageSize: pageSize,
		OnProgress: func(p Progress) {
			if progress != nil {
				*progress = append(*progress, p)
			}
		},
	})
}

func percents(ps []Progress, kind ProgressKind) []int {
	var out []int
	for _, p := range ps {
		if p.Kind == kind {
			out = append(out, p.Percent)
		}
	}
	return out
}

func TestSession_ContactProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	var progress []Progress
	s := newTestSession(&fakeSource{}, 250, &progress)

	reqs := s.Start(ctx, t0)
	require.Equal(t, []Request{{Kind: RequestCounts}}, reqs)

	reqs = s.OnCounts(ctx, rr.MsgsCounts{
		FirstForEachScid:             u64(630),
		FirstForEachScidHighestIndex: u64(630),
		TotalHighestIndex:            u64(630),
	}, t0)
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, LastIndex: 0, Limit: 250}}, reqs)

	reqs = s.OnPage(ctx, span(1, 250), t0)
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, LastIndex: 251, Limit: 250}}, reqs)
	reqs = s.OnPage(ctx, span(251, 500), t0)
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, LastIndex: 501, Limit: 250}}, reqs)
	reqs = s.OnPage(ctx, span(501, 630), t0)
	require.Equal(t, []Request{{Kind: RequestReadPing}}, reqs)

	contacts := percents(progress, ProgressContacts)
	assert.Equal(t, []int{2, 9, 16, 20, 100}, contacts)
	assert.IsNonDecreasing(t, contacts)
	assert.Equal(t, []int{20, 100}, percents(progress, ProgressMessages))
	assert.Equal(t, PhaseDone, s.Phase())
	assert.Nil(t, s.Cursor())
}

func TestSession_ResumesOnePastMaxObserved(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{keys: []string{"02aa"}}, 250, nil)

	s.Start(ctx, t0)
	s.OnCounts(ctx, rr.MsgsCounts{
		FirstForEachScid:             u64(500),
		FirstForEachScidHighestIndex: u64(900),
		Total:                        u64(2000),
		TotalHighestIndex:            u64(2000),
	}, t0)

	reqs := s.OnPage(ctx, []uint64{3, 120, 499}, t0)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(500), reqs[0].LastIndex)
	assert.Equal(t, PhaseFirstPerContact, s.Phase())

	reqs = s.OnPage(ctx, []uint64{612, 900}, t0)
	assert.Equal(t, PhaseBulkBackward, s.Phase())
	require.Len(t, reqs, 1)
	assert.Equal(t, Request{Kind: RequestContactMsgs, Pubkey: "02aa", LastIndex: 2001, Limit: 250, Reverse: true}, reqs[0])
}

func TestSession_FirstPerContactPagesByCountWithoutHighestIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{keys: []string{"02aa"}}, 250, nil)

	s.Start(ctx, t0)
	reqs := s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(500), Total: u64(2000)}, t0)
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, LastIndex: 0, Limit: 250}}, reqs)

	reqs = s.OnPage(ctx, span(0, 249), t0)
	assert.Equal(t, PhaseFirstPerContact, s.Phase())
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, LastIndex: 250, Limit: 250}}, reqs)

	s.OnPage(ctx, span(250, 499), t0)
	assert.Equal(t, PhaseBulkBackward, s.Phase())
	assert.Equal(t, uint64(0), s.Cursor().Restored)
}

func TestSession_EmptyPageEndsFirstPerContact(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{keys: []string{"02aa"}}, 250, nil)

	s.Start(ctx, t0)
	s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(5), FirstForEachScidHighestIndex: u64(90)}, t0)
	s.OnPage(ctx, nil, t0)

	assert.Equal(t, PhaseBulkBackward, s.Phase())
	contacts, _ := s.Progress()
	assert.Equal(t, 100, contacts)
}

func TestSession_ZeroFirstCountSkipsToBackward(t *testing.T) {
	ctx := context.Background()
	var progress []Progress
	s := newTestSession(&fakeSource{keys: []string{"02aa", "03bb", "02aa", ""}}, 2, &progress)

	s.Start(ctx, t0)
	reqs := s.OnCounts(ctx, rr.MsgsCounts{TotalHighestIndex: u64(10)}, t0)
	require.Equal(t, []Request{{Kind: RequestContactMsgs, Pubkey: "02aa", LastIndex: 11, Limit: 2, Reverse: true}}, reqs)

	// Short page exhausts the contact.
	reqs = s.OnPage(ctx, []uint64{9}, t0)
	require.Equal(t, []Request{{Kind: RequestContactMsgs, Pubkey: "03bb", LastIndex: 11, Limit: 2, Reverse: true}}, reqs)

	reqs = s.OnPage(ctx, []uint64{10, 4}, t0)
	require.Equal(t, []Request{{Kind: RequestContactMsgs, Pubkey: "03bb", LastIndex: 4, Limit: 2, Reverse: true}}, reqs)

	reqs = s.OnPage(ctx, nil, t0)
	require.Equal(t, []Request{{Kind: RequestReadPing}}, reqs)

	assert.Equal(t, []int{100}, percents(progress, ProgressContacts))
	assert.Equal(t, []int{20, 60, 100}, percents(progress, ProgressMessages))
	assert.Equal(t, uint64(10), s.MaxSeen())
}

func TestSession_ForwardFillsGapAfterBackward(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{}, 2, nil)

	s.Start(ctx, t0)
	reqs := s.OnCounts(ctx, rr.MsgsCounts{TotalHighestIndex: u64(4)}, t0)
	require.Equal(t, []Request{{Kind: RequestForward, LastIndex: 1, Limit: 2}}, reqs)
	assert.Equal(t, PhaseBulkForward, s.Phase())

	reqs = s.OnPage(ctx, []uint64{1, 2}, t0)
	require.Equal(t, []Request{{Kind: RequestForward, LastIndex: 3, Limit: 2}}, reqs)
	reqs = s.OnPage(ctx, []uint64{3, 4}, t0)
	require.Equal(t, []Request{{Kind: RequestReadPing}}, reqs)
}

func TestSession_ResumesFromLocalWatermark(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{maxIndex: 1000}
	s := newTestSession(src, 250, nil)

	s.Start(ctx, t0)
	reqs := s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(40), TotalHighestIndex: u64(1200)}, t0)
	require.Equal(t, []Request{{Kind: RequestForward, LastIndex: 1001, Limit: 250}}, reqs)

	reqs = s.OnPage(ctx, span(1001, 1200), t0)
	require.Equal(t, []Request{{Kind: RequestReadPing}}, reqs)
	assert.Equal(t, 1, src.reconciled)
	assert.Equal(t, uint64(1200), s.MaxSeen())
}

func TestSession_UpToDateWatermarkFinishesImmediately(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{maxIndex: 1200}
	s := newTestSession(src, 250, nil)

	finished := 0
	s.OnFinished(func() { finished++ })

	s.Start(ctx, t0)
	reqs := s.OnCounts(ctx, rr.MsgsCounts{TotalHighestIndex: u64(1200)}, t0)
	require.Equal(t, []Request{{Kind: RequestReadPing}}, reqs)
	assert.Equal(t, 1, finished)

	s.OnFinished(func() { finished++ })
	assert.Equal(t, 2, finished, "runs immediately once done")
}

func TestSession_MaxIndexErrorRestoresFromScratch(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{maxErr: errors.New("disk")}, 250, nil)

	require.Equal(t, []Request{{Kind: RequestCounts}}, s.Start(ctx, t0))
	reqs := s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(1), FirstForEachScidHighestIndex: u64(1)}, t0)
	require.Equal(t, []Request{{Kind: RequestFirstPerContact, Limit: 250}}, reqs)
}

func TestSession_WatchdogAbortsSilently(t *testing.T) {
	ctx := context.Background()
	var progress []Progress
	src := &fakeSource{}
	s := newTestSession(src, 250, &progress)

	finished := false
	s.OnFinished(func() { finished = true })

	s.Start(ctx, t0)
	s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(630), FirstForEachScidHighestIndex: u64(630)}, t0.Add(5*time.Second))

	assert.False(t, s.Expire(t0.Add(14*time.Second)), "counts reset the deadline")
	s.OnPage(ctx, span(1, 250), t0.Add(14*time.Second))

	deadline, ok := s.Deadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(24*time.Second), deadline)

	assert.True(t, s.Expire(t0.Add(24*time.Second)))
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Nil(t, s.Cursor())
	assert.False(t, s.Running())

	// Late pages are ignored and the dropped callback never fires.
	assert.Nil(t, s.OnPage(ctx, span(251, 630), t0.Add(25*time.Second)))
	assert.False(t, finished)
	assert.Equal(t, 0, src.reconciled)
	assert.False(t, s.Expire(t0.Add(time.Hour)))
}

func TestSession_CountsOutsideCountsPhaseIgnored(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{}, 250, nil)

	assert.Nil(t, s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(3)}, t0), "no session running")

	s.Start(ctx, t0)
	s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(3), FirstForEachScidHighestIndex: u64(9)}, t0)
	assert.Nil(t, s.OnCounts(ctx, rr.MsgsCounts{}, t0))
	assert.Equal(t, PhaseFirstPerContact, s.Phase())
}

func TestSession_RestartAbandonsRunningSession(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeSource{}, 250, nil)

	s.Start(ctx, t0)
	s.OnCounts(ctx, rr.MsgsCounts{FirstForEachScid: u64(3), FirstForEachScidHighestIndex: u64(9)}, t0)

	reqs := s.Start(ctx, t0.Add(time.Second))
	assert.Equal(t, []Request{{Kind: RequestCounts}}, reqs)
	assert.Equal(t, PhaseCounts, s.Phase())

	s.Cancel(ctx)
	assert.Equal(t, PhaseIdle, s.Phase())
}
