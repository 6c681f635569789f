package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinxkit/rrsync/internal/mutation"
	"github.com/sphinxkit/rrsync/internal/restore"
	"github.com/sphinxkit/rrsync/internal/rr"
	"github.com/sphinxkit/rrsync/internal/store"
	"github.com/sphinxkit/rrsync/internal/testutil"
)

// historyCore is a crypto core holding a fixed message history.
//
// Message i (1-based) belongs to contact c[(i-1)%contacts]. The first
// message of every contact is its key exchange.
type historyCore struct {
	mu sync.Mutex

	total     uint64
	contacts  int
	firstStop uint64
	fail      map[OpName]error
	ops       []Operation
}

func newHistoryCore(total uint64, contacts int, firstStop uint64) *historyCore {
	return &historyCore{total: total, contacts: contacts, firstStop: firstStop, fail: map[OpName]error{}}
}

func (c *historyCore) contactOf(i uint64) string {
	return fmt.Sprintf("c%d", (i-1)%uint64(c.contacts))
}

func (c *historyCore) msg(i uint64) rr.Msg {
	typ := rr.MsgTypeMessage
	if i <= uint64(c.contacts) {
		typ = rr.MsgTypeContactKey
	}
	return rr.Msg{
		Index:   fmt.Sprint(i),
		UUID:    fmt.Sprintf("m%04d", i),
		Type:    typ,
		Sender:  fmt.Sprintf(`{"pubkey":%q}`, c.contactOf(i)),
		Message: fmt.Sprintf(`{"content":"hello %d"}`, i),
	}
}

func (c *historyCore) page(msgs []rr.Msg) *rr.RunReturn {
	n := uint64(len(msgs))
	return &rr.RunReturn{Msgs: msgs, MsgsTotal: &n}
}

func (c *historyCore) Invoke(_ context.Context, op Operation) (*rr.RunReturn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	if err := c.fail[op.Name]; err != nil {
		return nil, err
	}

	switch op.Name {
	case OpSetup:
		blob, err := mutation.Encode([]store.StateEntry{{Key: "account", Value: []byte("v1")}})
		if err != nil {
			return nil, err
		}
		return &rr.RunReturn{StateMp: blob}, nil

	case OpGetMsgsCounts:
		counts := fmt.Sprintf(`{"total":%d,"first_for_each_scid":%d,"first_for_each_scid_highest_index":%d,"total_highest_index":%d}`,
			c.total, c.firstStop, c.firstStop, c.total)
		return &rr.RunReturn{MsgsCounts: &counts}, nil

	case OpFetchFirstMsgsPerKey, OpFetchMsgsBatch:
		last := op.Params["last_msg_idx"].(uint64)
		limit := op.Params["limit"].(int)
		stop := c.total
		if op.Name == OpFetchFirstMsgsPerKey {
			stop = c.firstStop
		}
		var msgs []rr.Msg
		for i := max(last, 1); i <= stop && len(msgs) < limit; i++ {
			msgs = append(msgs, c.msg(i))
		}
		return c.page(msgs), nil

	case OpFetchMsgsBatchForContact:
		last := op.Params["last_msg_idx"].(uint64)
		limit := op.Params["limit"].(int)
		pubkey := op.Params["pubkey"].(string)
		var msgs []rr.Msg
		for i := min(last, c.total+1) - 1; i >= 1 && len(msgs) < limit; i-- {
			if c.contactOf(i) == pubkey {
				msgs = append(msgs, c.msg(i))
			}
		}
		return c.page(msgs), nil

	case OpSend:
		uuid := op.Params["uuid"].(string)
		return &rr.RunReturn{
			Msgs: []rr.Msg{{
				UUID:    uuid,
				Tag:     "tag-" + uuid,
				FromMe:  true,
				SentTo:  op.Params["to"].(string),
				Message: `{"content":"hi"}`,
			}},
			Topics:   []string{"send/" + uuid},
			Payloads: [][]byte{[]byte("onion")},
		}, nil
	}
	return &rr.RunReturn{}, nil
}

func (c *historyCore) calls() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Operation(nil), c.ops...)
}

type harness struct {
	eng       *Engine
	store     *store.Store
	clock     *testutil.ManualClock
	transport *testutil.RecordingTransport

	mu       sync.Mutex
	progress map[restore.ProgressKind][]int
}

func newHarness(t *testing.T, core Core, cfg Config, ids IDGenerator) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	h := &harness{
		store:     st,
		clock:     testutil.NewManualClock(time.Time{}),
		transport: &testutil.RecordingTransport{},
		progress:  map[restore.ProgressKind][]int{},
	}
	h.eng = New(cfg, Deps{
		Store:     st,
		Core:      core,
		Transport: h.transport,
		IDs:       ids,
		Now:       h.clock.Now,
		OnProgress: func(p restore.Progress) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.progress[p.Kind] = append(h.progress[p.Kind], p.Percent)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) progressOf(kind restore.ProgressKind) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.progress[kind]...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestEngine_ConnectRestoresFullHistory(t *testing.T) {
	core := newHistoryCore(2000, 4, 500)
	h := newHarness(t, core, Config{Seed: "seed", PageSize: 250}, nil)
	ctx := context.Background()

	finished := make(chan struct{})
	require.NoError(t, h.eng.OnRestoreFinished(ctx, func() { close(finished) }))
	require.NoError(t, h.eng.Connect(ctx))
	waitClosed(t, finished)

	assert.Equal(t, []int{2, 11, 20, 100}, h.progressOf(restore.ProgressContacts))
	assert.Equal(t, []int{20, 40, 60, 80, 100}, h.progressOf(restore.ProgressMessages))

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", st.RestorePhase)
	assert.Equal(t, uint64(2000), st.MaxIndex)

	n, err := h.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1996, n, "key exchanges are not materialized")

	keys, err := h.store.RestoreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, keys)

	// The read ping is issued right after the finished callbacks run.
	var ops []Operation
	require.Eventually(t, func() bool {
		ops = core.calls()
		return len(ops) > 0 && ops[len(ops)-1].Name == OpPing
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, OpSetup, ops[0].Name)
	assert.Equal(t, OpGetMsgsCounts, ops[1].Name)
	assert.Equal(t, true, ops[len(ops)-1].Params["read"])

	// Every call after setup carries the state the setup call produced.
	for _, op := range ops[1:] {
		entries, err := mutation.Decode(op.State)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "account", entries[0].Key)
	}
	for i := 1; i < len(ops); i++ {
		assert.Greater(t, ops[i].UniqueTime, ops[i-1].UniqueTime, "nonces increase")
		assert.Equal(t, "seed", ops[i].Seed)
	}
}

func TestEngine_ReconnectResumesFromWatermark(t *testing.T) {
	core := newHistoryCore(20, 2, 2)
	h := newHarness(t, core, Config{PageSize: 5}, nil)
	ctx := context.Background()

	first := make(chan struct{})
	require.NoError(t, h.eng.OnRestoreFinished(ctx, func() { close(first) }))
	require.NoError(t, h.eng.Connect(ctx))
	waitClosed(t, first)

	core.mu.Lock()
	core.total = 30
	core.ops = nil
	core.mu.Unlock()

	// Registered after Connect: a callback queued while the previous
	// restore is Done would fire immediately.
	require.NoError(t, h.eng.Connect(ctx))
	second := make(chan struct{})
	require.NoError(t, h.eng.OnRestoreFinished(ctx, func() { close(second) }))
	waitClosed(t, second)

	var forward []uint64
	for _, op := range core.calls() {
		assert.NotEqual(t, OpFetchMsgsBatchForContact, op.Name, "resumed restore only pages forward")
		if op.Name == OpFetchMsgsBatch {
			forward = append(forward, op.Params["last_msg_idx"].(uint64))
		}
	}
	assert.Equal(t, []uint64{21, 26}, forward)

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), st.MaxIndex)
}

func TestEngine_BrokerReconnectRestartsRestore(t *testing.T) {
	core := newHistoryCore(20, 2, 2)
	h := newHarness(t, core, Config{PageSize: 5}, nil)
	ctx := context.Background()

	// The broker's first session comes up before Connect.
	require.NoError(t, h.eng.Reconnected())
	_, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, core.calls())

	first := make(chan struct{})
	require.NoError(t, h.eng.OnRestoreFinished(ctx, func() { close(first) }))
	require.NoError(t, h.eng.Connect(ctx))
	waitClosed(t, first)

	core.mu.Lock()
	core.total = 30
	core.ops = nil
	core.mu.Unlock()

	require.NoError(t, h.eng.Reconnected())
	second := make(chan struct{})
	require.NoError(t, h.eng.OnRestoreFinished(ctx, func() { close(second) }))
	waitClosed(t, second)

	var counts int
	for _, op := range core.calls() {
		assert.NotEqual(t, OpSetup, op.Name, "reconnect skips setup")
		if op.Name == OpGetMsgsCounts {
			counts++
		}
	}
	assert.Equal(t, 1, counts)

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", st.RestorePhase)
	assert.Equal(t, uint64(30), st.MaxIndex)
}

func TestEngine_PublishesKeepSendOrder(t *testing.T) {
	core := newHistoryCore(0, 1, 0)
	h := newHarness(t, core, Config{}, NewFixedGenerator("u1", "u2"))
	ctx := context.Background()

	release := make(chan struct{})
	h.transport.Hold = func(topic string) {
		if topic == "send/u1" {
			<-release
		}
	}

	_, err := h.eng.Send(ctx, "c0", "one", 0)
	require.NoError(t, err)
	_, err = h.eng.Send(ctx, "c0", "two", 0)
	require.NoError(t, err)

	assert.Never(t, func() bool { return len(h.transport.Topics()) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"the second send waits behind the first")
	close(release)

	require.Eventually(t, func() bool { return len(h.transport.Topics()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"send/u1", "send/u2"}, h.transport.Topics())
}

func TestEngine_SendTimesOutWithoutAck(t *testing.T) {
	core := newHistoryCore(0, 1, 0)
	h := newHarness(t, core, Config{DeliveryTimeout: 10 * time.Second}, NewFixedGenerator("u1"))
	ctx := context.Background()

	res, err := h.eng.Send(ctx, "c0", "hi", 0)
	require.NoError(t, err)
	assert.Equal(t, SendResult{UUID: "u1", Tag: "tag-u1"}, res)
	require.Eventually(t, func() bool { return len(h.transport.Topics()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"send/u1"}, h.transport.Topics())

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingSends)

	h.clock.Advance(9 * time.Second)
	require.NoError(t, h.eng.Tick(ctx))
	m, err := h.store.MessageByTag(ctx, "tag-u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, m.Status)

	h.clock.Advance(time.Second)
	require.NoError(t, h.eng.Tick(ctx))
	m, err = h.store.MessageByTag(ctx, "tag-u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, m.Status)
	assert.Equal(t, "delivery timeout", m.Error)

	st, err = h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PendingSends)
}

func TestEngine_IncomingConfirmationResolvesSend(t *testing.T) {
	core := newHistoryCore(0, 1, 0)
	ack := CoreFunc(func(ctx context.Context, op Operation) (*rr.RunReturn, error) {
		if op.Name == OpHandle {
			return &rr.RunReturn{Msgs: []rr.Msg{{
				UUID:   "ack-1",
				Type:   rr.MsgTypeConfirmation,
				Tag:    "tag-u1",
				Sender: `{"pubkey":"c0"}`,
			}}}, nil
		}
		return core.Invoke(ctx, op)
	})
	h := newHarness(t, ack, Config{}, NewFixedGenerator("u1"))
	ctx := context.Background()

	_, err := h.eng.Send(ctx, "c0", "hi", 0)
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleIncoming("c0/ack", []byte("payload")))

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PendingSends)

	m, err := h.store.MessageByTag(ctx, "tag-u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReceived, m.Status)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.eng.Tick(ctx))
	m, err = h.store.MessageByTag(ctx, "tag-u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReceived, m.Status, "late timeout is a no-op")
}

func TestEngine_PingStaysPendingUntilConfirmed(t *testing.T) {
	var mu sync.Mutex
	var confirm string
	core := CoreFunc(func(_ context.Context, op Operation) (*rr.RunReturn, error) {
		mu.Lock()
		defer mu.Unlock()
		if op.Name == OpHandle && confirm != "" {
			return &rr.RunReturn{Ping: &confirm}, nil
		}
		return &rr.RunReturn{}, nil
	})
	h := newHarness(t, core, Config{}, NewFixedGenerator("p1"))
	ctx := context.Background()

	tag, err := h.eng.Ping(ctx, "c0")
	require.NoError(t, err)
	assert.Equal(t, "p1", tag)

	st, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingPings)

	mu.Lock()
	confirm = "p1"
	mu.Unlock()
	require.NoError(t, h.eng.HandleIncoming("ping", nil))

	st, err = h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PendingPings)
}

func TestEngine_CoreFailureSurfacesAsSyncError(t *testing.T) {
	core := newHistoryCore(0, 1, 0)
	core.fail[OpPay] = errors.New("no route")
	h := newHarness(t, core, Config{}, nil)

	err := h.eng.Pay(context.Background(), "lnbc1")
	require.Error(t, err)
	assert.True(t, IsCoreError(err))
	assert.Contains(t, err.Error(), "no route")
}

func TestEngine_ManualFetchesDispatch(t *testing.T) {
	core := newHistoryCore(12, 3, 3)
	h := newHarness(t, core, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.FetchCounts(ctx))
	require.NoError(t, h.eng.FetchFirstForEachScid(ctx, 0, 3))
	require.NoError(t, h.eng.FetchMsgsForContact(ctx, "c1", 100, 2, true))
	require.NoError(t, h.eng.FetchMsgsForward(ctx, 10, 5))

	var names []OpName
	for _, op := range core.calls() {
		names = append(names, op.Name)
	}
	assert.Equal(t, []OpName{OpGetMsgsCounts, OpFetchFirstMsgsPerKey, OpFetchMsgsBatchForContact, OpFetchMsgsBatch}, names)

	keys, err := h.store.RestoreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2"}, keys)

	var indexes []int
	for _, uuid := range []string{"m0011", "m0008", "m0010", "m0012"} {
		m, err := h.store.MessageByUUID(ctx, uuid)
		require.NoError(t, err)
		indexes = append(indexes, int(m.Index.Int64))
	}
	sort.Ints(indexes)
	assert.Equal(t, []int{8, 10, 11, 12}, indexes)
}

func TestEngine_StopRejectsCalls(t *testing.T) {
	h := newHarness(t, newHistoryCore(0, 1, 0), Config{}, nil)

	h.eng.Stop()
	_, err := h.eng.Send(context.Background(), "c0", "hi", 0)
	require.Error(t, err)
	assert.True(t, IsStopped(err))
	assert.True(t, IsStopped(h.eng.HandleIncoming("t", nil)))
}
