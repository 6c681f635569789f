package engine

import (
	"context"
	"fmt"

	"github.com/sphinxkit/rrsync/internal/dispatch"
	"github.com/sphinxkit/rrsync/internal/restore"
)

// Connect runs account setup and starts a restore session. It returns once
// setup has been dispatched; restore continues in the background.
func (e *Engine) Connect(ctx context.Context) error {
	return e.call(ctx, "connect", func(ctx context.Context) error {
		params := map[string]any{}
		if e.cfg.Network != "" {
			params["network"] = e.cfg.Network
		}
		if _, err := e.run(ctx, OpSetup, params, dispatch.Context{}); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		e.connected = true
		e.IssueRestore(ctx, e.session.Start(ctx, e.now()))
		e.metrics.RestorePhase(int(e.session.Phase()))
		return nil
	})
}

// Reconnected restarts the restore after the broker session came back, so
// messages published while offline are fetched. It does not wait, and it is
// a no-op until Connect has run.
func (e *Engine) Reconnected() error {
	return e.enqueue("reconnect", func(ctx context.Context) error {
		if !e.connected {
			return nil
		}
		e.log.Info("broker reconnected, restarting restore")
		e.IssueRestore(ctx, e.session.Start(ctx, e.now()))
		e.metrics.RestorePhase(int(e.session.Phase()))
		return nil
	})
}

// SendResult identifies an outbound message.
type SendResult struct {
	UUID string
	// Tag is the correlation tag returned by the core, empty if none.
	Tag string
}

// Send encrypts and sends text to the contact or tribe with pubkey to.
// The returned tag is tracked until the peer confirms or the delivery
// timeout fails the message.
func (e *Engine) Send(ctx context.Context, to, text string, amountMsat uint64) (SendResult, error) {
	var res SendResult
	err := e.call(ctx, "send", func(ctx context.Context) error {
		res.UUID = e.ids.NewID()
		params := map[string]any{
			"to":       to,
			"msg_type": 0,
			"msg_json": map[string]any{"content": text},
			"amt_msat": amountMsat,
			"uuid":     res.UUID,
		}
		tag, err := e.run(ctx, OpSend, params, dispatch.Context{IsSend: true})
		if err != nil {
			return err
		}
		res.Tag = tag
		if tag == "" {
			return nil
		}
		m, err := e.store.MessageByTag(ctx, tag)
		if err != nil {
			e.log.Warn("sent message not materialized", "tag", tag, "uuid", res.UUID, "error", err)
			return nil
		}
		e.tracker.Register(tag, m.ID, e.now())
		e.metrics.Pending("sends", e.tracker.Pending())
		return nil
	})
	return res, err
}

// Pay pays a bolt11 invoice.
func (e *Engine) Pay(ctx context.Context, invoice string) error {
	return e.call(ctx, "pay", func(ctx context.Context) error {
		_, err := e.run(ctx, OpPay, map[string]any{"bolt11": invoice}, dispatch.Context{})
		return err
	})
}

// Ping sends a liveness ping to pubkey and returns its tag. The tag stays
// pending until a ping facet or a matching core error confirms it.
func (e *Engine) Ping(ctx context.Context, pubkey string) (string, error) {
	var tag string
	err := e.call(ctx, "ping", func(ctx context.Context) error {
		tag = e.ids.NewID()
		e.dispatcher.ExpectPing(tag)
		_, err := e.run(ctx, OpPing, map[string]any{"to": pubkey, "tag": tag}, dispatch.Context{})
		return err
	})
	return tag, err
}

// FetchCounts requests the message-count snapshot.
func (e *Engine) FetchCounts(ctx context.Context) error {
	return e.call(ctx, "fetch_counts", func(ctx context.Context) error {
		return e.fetch(ctx, restore.Request{Kind: restore.RequestCounts})
	})
}

// FetchFirstForEachScid requests the first message of every contact with
// index at or above lastIndex.
func (e *Engine) FetchFirstForEachScid(ctx context.Context, lastIndex uint64, limit int) error {
	return e.call(ctx, "fetch_first_per_contact", func(ctx context.Context) error {
		return e.fetch(ctx, restore.Request{Kind: restore.RequestFirstPerContact, LastIndex: lastIndex, Limit: limit})
	})
}

// FetchMsgsForContact requests one page of history with pubkey.
func (e *Engine) FetchMsgsForContact(ctx context.Context, pubkey string, lastIndex uint64, limit int, reverse bool) error {
	return e.call(ctx, "fetch_contact_msgs", func(ctx context.Context) error {
		return e.fetch(ctx, restore.Request{
			Kind:      restore.RequestContactMsgs,
			Pubkey:    pubkey,
			LastIndex: lastIndex,
			Limit:     limit,
			Reverse:   reverse,
		})
	})
}

// FetchMsgsForward requests one page of history starting at lastIndex.
func (e *Engine) FetchMsgsForward(ctx context.Context, lastIndex uint64, limit int) error {
	return e.call(ctx, "fetch_forward", func(ctx context.Context) error {
		return e.fetch(ctx, restore.Request{Kind: restore.RequestForward, LastIndex: lastIndex, Limit: limit})
	})
}

// HandleIncoming queues a payload received on topic. It does not wait for
// the dispatch to finish.
func (e *Engine) HandleIncoming(topic string, payload []byte) error {
	return e.enqueue("incoming", func(ctx context.Context) error {
		_, err := e.run(ctx, OpHandle, map[string]any{"topic": topic, "payload": payload}, dispatch.Context{})
		return err
	})
}

// OnRestoreFinished registers fn to run when the current or next restore
// completes. fn runs on the loop goroutine.
func (e *Engine) OnRestoreFinished(ctx context.Context, fn func()) error {
	return e.call(ctx, "on_restore_finished", func(context.Context) error {
		e.session.OnFinished(fn)
		return nil
	})
}

// Tick checks deadlines now instead of waiting for the next timer tick.
func (e *Engine) Tick(ctx context.Context) error {
	return e.call(ctx, "tick", func(ctx context.Context) error {
		e.tick(ctx)
		return nil
	})
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	RestorePhase       string `json:"restore_phase"`
	ContactProgress    int    `json:"contact_progress"`
	MessageProgress    int    `json:"message_progress"`
	PendingSends       int    `json:"pending_sends"`
	PendingSettlements int    `json:"pending_settlements"`
	PendingPings       int    `json:"pending_pings"`
	MaxIndex           uint64 `json:"max_index"`
	Queued             int    `json:"queued"`
	QueuePeak          int    `json:"queue_peak"`
}

// Status returns a snapshot taken on the loop goroutine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, "status", func(ctx context.Context) error {
		contacts, messages := e.session.Progress()
		maxIndex, err := e.store.MaxIndex(ctx)
		if err != nil {
			return err
		}
		st = Status{
			RestorePhase:       e.session.Phase().String(),
			ContactProgress:    contacts,
			MessageProgress:    messages,
			PendingSends:       e.tracker.Pending(),
			PendingSettlements: e.settlement.Len(),
			PendingPings:       e.dispatcher.PendingPings(),
			MaxIndex:           maxIndex,
			Queued:             e.queue.Len(),
			QueuePeak:          e.queue.Peak(),
		}
		return nil
	})
	return st, err
}
