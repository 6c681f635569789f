package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sphinxkit/rrsync/internal/delivery"
	"github.com/sphinxkit/rrsync/internal/rr"
	"github.com/sphinxkit/rrsync/internal/settlement"
	"github.com/sphinxkit/rrsync/internal/store"
)

func (d *Dispatcher) applyState(ctx context.Context, c *call) error {
	if len(c.r.StateMp) == 0 {
		return nil
	}
	n, err := d.mutations.ApplyMutations(ctx, c.r.StateMp)
	if err != nil {
		return err
	}
	d.log.Debug("state merged", "keys", n)
	return nil
}

func (d *Dispatcher) applyIdentity(ctx context.Context, c *call) error {
	r := c.r
	var errs []error
	if r.NewTribe != nil {
		t, err := rr.DecodeTribe(*r.NewTribe)
		if err == nil {
			err = d.store.UpsertTribe(ctx, tribeRow(t, true))
		}
		errs = append(errs, err)
	}
	if r.MyContactInfo != nil {
		errs = append(errs, d.store.SetMyContactInfo(ctx, *r.MyContactInfo))
	}
	if r.NewBalance != nil {
		errs = append(errs, d.store.SetBalance(ctx, *r.NewBalance))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) applyCounts(ctx context.Context, c *call) error {
	if c.r.MsgsCounts == nil {
		return nil
	}
	counts, err := rr.DecodeMsgsCounts(*c.r.MsgsCounts)
	if err != nil {
		return err
	}
	if d.restore != nil {
		d.issue(ctx, d.restore.OnCounts(ctx, counts, d.now()))
	}
	return nil
}

// missingTribes returns the tribe senders of group events that are not yet
// stored locally.
func (d *Dispatcher) missingTribes(ctx context.Context, r *rr.RunReturn) []rr.Sender {
	var missing []rr.Sender
	seen := make(map[string]bool)
	for _, m := range r.Msgs {
		if !m.Type.IsGroupEvent() {
			continue
		}
		s, err := m.DecodeSender()
		if err != nil || !s.IsTribe() || seen[s.Pubkey] {
			continue
		}
		seen[s.Pubkey] = true
		known, err := d.store.HasTribe(ctx, s.Pubkey)
		if err != nil {
			d.log.Warn("check tribe", "tribe", s.Pubkey, "error", err)
			continue
		}
		if !known {
			missing = append(missing, s)
		}
	}
	return missing
}

// lookupTribes resolves unknown tribes off the dispatch path and resumes
// the remaining steps once every lookup has returned.
func (d *Dispatcher) lookupTribes(ctx context.Context, c *call, missing []rr.Sender) {
	d.exec.Go(ctx, func(ctx context.Context) func(context.Context) {
		found := make([]rr.Tribe, 0, len(missing))
		for _, s := range missing {
			t, err := d.directory.LookupTribe(ctx, s.Host, s.Pubkey)
			if err != nil {
				d.log.Warn("tribe lookup failed", "tribe", s.Pubkey, "host", s.Host, "error", err)
				d.metrics.FacetFailed("tribes")
				continue
			}
			if t.Host == "" {
				t.Host = s.Host
			}
			found = append(found, t)
		}
		return func(ctx context.Context) {
			for _, t := range found {
				if err := d.store.UpsertTribe(ctx, tribeRow(t, true)); err != nil {
					d.log.Warn("store looked up tribe", "tribe", t.Pubkey, "error", err)
				}
			}
			c.applied |= rr.FacetTribes
			d.finish(ctx, c)
		}
	})
}

func (d *Dispatcher) applyMessages(ctx context.Context, c *call) error {
	var errs []error
	for _, m := range c.r.Msgs {
		if err := d.applyMessage(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) applyMessage(ctx context.Context, m rr.Msg) error {
	idx, idxErr := m.IndexValue()
	if idxErr == nil {
		if err := d.store.BumpMaxIndex(ctx, idx); err != nil {
			return err
		}
	}

	sender, err := m.DecodeSender()
	if err != nil && !m.FromMe {
		return err
	}
	content := m.DecodeContent()

	var errs []error
	switch {
	case m.Type.IsKeyExchange():
		errs = append(errs, d.upsertContact(ctx, m, sender))
	case m.Type == rr.MsgTypeConfirmation:
		// Confirmations carry the tag of the message the peer received.
		if m.Tag != "" {
			if d.tracker != nil && d.tracker.Resolve(ctx, m.Tag, delivery.Confirmed, "") {
				d.metrics.Delivery("confirmed")
			}
			_, err := d.store.SetStatusByTag(ctx, m.Tag, store.StatusReceived, "")
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	case m.Type == rr.MsgTypeDelete:
		// The delete row is kept so reconcile can reapply it to a target that
		// arrives later.
		if content.TargetUUID != "" {
			errs = append(errs, d.store.SoftDeleteMessage(ctx, content.TargetUUID))
		}
	case m.Type == rr.MsgTypeEdit:
		if content.TargetUUID != "" {
			errs = append(errs, d.store.UpdateMessageContent(ctx, content.TargetUUID, content.Text))
		}
		return errors.Join(errs...)
	case m.Type.IsGroupEvent():
		errs = append(errs, d.applyGroupEvent(ctx, m, sender))
	case m.Type.IsPayment():
		if m.PaymentHash != "" {
			n, err := d.store.MarkInvoicePaid(ctx, m.PaymentHash)
			if n > 0 {
				d.log.Debug("invoice paid", "payment_hash", m.PaymentHash)
			}
			errs = append(errs, err)
		}
	}

	if m.Type.IsKeyExchange() || m.UUID == "" {
		return errors.Join(errs...)
	}
	errs = append(errs, d.materialize(ctx, m, sender, content, idx, idxErr == nil))
	return errors.Join(errs...)
}

// materialize inserts m once per uuid. A uuid that already exists only has
// its index updated.
func (d *Dispatcher) materialize(ctx context.Context, m rr.Msg, sender rr.Sender, content rr.Content, idx uint64, hasIdx bool) error {
	row := store.Message{
		UUID:        m.UUID,
		Tag:         m.Tag,
		Type:        int(m.Type),
		Content:     content.Text,
		RefUUID:     content.ReplyUUID,
		AmountMsat:  m.Msat,
		PaymentHash: m.PaymentHash,
		FromMe:      m.FromMe,
		Error:       m.Error,
		CreatedAt:   int64(m.Timestamp),
	}
	if m.Type == rr.MsgTypeDelete {
		row.RefUUID = content.TargetUUID
	}
	if hasIdx {
		row.Index = sql.NullInt64{Int64: int64(idx), Valid: true}
	}
	switch {
	case sender.IsTribe():
		row.ChatPubkey = sender.Pubkey
		row.SenderPubkey = sender.ContactPubkey
	case m.FromMe:
		row.ChatPubkey = m.SentTo
	default:
		row.ChatPubkey = sender.Pubkey
		row.SenderPubkey = sender.Pubkey
	}
	if !m.FromMe {
		row.SenderAlias = sender.Alias
	}
	if m.FromMe {
		row.Status = store.StatusPending
		row.Seen = true
	} else {
		row.Status = store.StatusReceived
	}
	if m.Type == rr.MsgTypeInvoice && content.Amount > 0 && row.AmountMsat == 0 {
		row.AmountMsat = content.Amount
	}

	_, inserted, err := d.store.InsertMessage(ctx, row)
	if err != nil {
		return err
	}
	if !inserted && hasIdx {
		return d.store.SetMessageIndex(ctx, m.UUID, idx)
	}
	return nil
}

func (d *Dispatcher) upsertContact(ctx context.Context, m rr.Msg, s rr.Sender) error {
	if s.Pubkey == "" {
		return fmt.Errorf("key exchange %s: sender has no pubkey", m.UUID)
	}
	err := d.store.UpsertContact(ctx, store.Contact{
		Pubkey:    s.Pubkey,
		RouteHint: s.RouteHint,
		Alias:     s.Alias,
		PhotoURL:  s.PhotoURL,
		Person:    s.Person,
		Code:      s.Code,
		Confirmed: s.Confirmed || m.Type == rr.MsgTypeContactKeyConfirmation,
	})
	if err != nil {
		return err
	}
	if s.Code != "" {
		if _, err := d.store.AcceptInvite(ctx, s.Code, s.Pubkey); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applyGroupEvent(ctx context.Context, m rr.Msg, s rr.Sender) error {
	if !s.IsTribe() {
		return nil
	}
	switch m.Type {
	case rr.MsgTypeGroupJoin, rr.MsgTypeMemberApprove:
		if m.FromMe || m.Type == rr.MsgTypeMemberApprove {
			return d.store.SetTribeJoined(ctx, s.Pubkey, true)
		}
	case rr.MsgTypeGroupLeave:
		if m.FromMe {
			return d.store.SetTribeJoined(ctx, s.Pubkey, false)
		}
	case rr.MsgTypeGroupKick, rr.MsgTypeTribeDelete, rr.MsgTypeMemberReject:
		return d.store.SetTribeJoined(ctx, s.Pubkey, false)
	}
	return nil
}

// ackAsyncTag marks the local message acknowledged by an async tag.
func (d *Dispatcher) ackAsyncTag(ctx context.Context, c *call) error {
	if c.r.AsyncpayTag == nil || *c.r.AsyncpayTag == "" {
		return nil
	}
	tag := *c.r.AsyncpayTag
	if d.tracker != nil && d.tracker.Resolve(ctx, tag, delivery.Confirmed, "") {
		d.metrics.Delivery("confirmed")
		d.metrics.Pending("sends", d.tracker.Pending())
		return nil
	}
	// Untracked tags only settle sends still pending; a send that timed out
	// stays failed.
	_, err := d.store.SetPendingStatusByTag(ctx, tag, store.StatusConfirmed, "")
	return err
}

func (d *Dispatcher) applyReads(ctx context.Context, c *call) error {
	if c.r.LastRead == nil {
		return nil
	}
	reads, err := rr.DecodeLastRead(*c.r.LastRead)
	if err != nil {
		return err
	}
	var errs []error
	for pubkey, idx := range reads {
		errs = append(errs, d.store.SetLastRead(ctx, pubkey, idx))
	}
	return errors.Join(errs...)
}

// confirmPingTags completes pings whose outbound message came back tagged.
func (d *Dispatcher) confirmPingTags(_ context.Context, c *call) error {
	for _, m := range c.r.Msgs {
		if _, ok := d.pings[m.Tag]; ok && m.FromMe {
			delete(d.pings, m.Tag)
			d.log.Debug("ping delivered", "tag", m.Tag)
		}
	}
	d.metrics.Pending("pings", len(d.pings))
	return nil
}

// feedRestore hands the indexes of a fetched history page to the restore
// session.
func (d *Dispatcher) feedRestore(ctx context.Context, c *call) error {
	if c.r.MsgsTotal == nil || d.restore == nil {
		return nil
	}
	indexes := make([]uint64, 0, len(c.r.Msgs))
	for _, m := range c.r.Msgs {
		idx, err := m.IndexValue()
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	d.issue(ctx, d.restore.OnPage(ctx, indexes, d.now()))
	return nil
}

func (d *Dispatcher) resolveSettled(ctx context.Context, c *call) error {
	if c.r.SettledStatus == nil {
		return nil
	}
	st, err := rr.DecodeSettledStatus(*c.r.SettledStatus)
	if err != nil {
		return err
	}
	if _, ok := d.queue.ResolveBy(ctx, settlement.KindSettle, settlement.MatchIndex(st.HtlcIndex)); !ok {
		d.log.Debug("settlement for unknown htlc", "htlc_index", st.HtlcIndex)
	}
	return nil
}

func (d *Dispatcher) resolveAsyncTag(ctx context.Context, c *call) error {
	if c.r.AsyncpayTag == nil || *c.r.AsyncpayTag == "" {
		return nil
	}
	d.queue.ResolveBy(ctx, settlement.KindAsyncPay, settlement.MatchTag(*c.r.AsyncpayTag))
	return nil
}

// applyPing records ping liveness. The value is either a tag or
// "pubkey:timestamp".
func (d *Dispatcher) applyPing(ctx context.Context, c *call) error {
	if c.r.Ping == nil || *c.r.Ping == "" {
		return nil
	}
	ping := *c.r.Ping
	tag := ping
	if i := strings.IndexByte(ping, ':'); i >= 0 {
		tag = ping[:i]
	}
	if _, ok := d.pings[ping]; ok {
		delete(d.pings, ping)
	} else {
		delete(d.pings, tag)
	}
	d.metrics.Pending("pings", len(d.pings))
	return d.store.SetLastPing(ctx, ping)
}

func (d *Dispatcher) applyMutes(ctx context.Context, c *call) error {
	if c.r.MuteLevels == nil {
		return nil
	}
	levels, err := rr.DecodeMuteLevels(*c.r.MuteLevels)
	if err != nil {
		return err
	}
	var errs []error
	for pubkey, level := range levels {
		errs = append(errs, d.store.SetMuteLevel(ctx, pubkey, level))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) applySentStatus(ctx context.Context, c *call) error {
	if c.r.SentStatus == nil {
		return nil
	}
	st, err := rr.DecodeSentStatus(*c.r.SentStatus)
	if err != nil {
		return err
	}

	var (
		outcome delivery.Outcome
		status  store.MessageStatus
		label   string
	)
	switch {
	case st.Complete():
		outcome, status, label = delivery.Confirmed, store.StatusConfirmed, "confirmed"
	case st.Failed():
		outcome, status, label = delivery.Failed, store.StatusFailed, "failed"
	default:
		return nil
	}

	if d.tracker != nil && d.tracker.Resolve(ctx, st.Tag, outcome, st.Message) {
		d.metrics.Delivery(label)
		d.metrics.Pending("sends", d.tracker.Pending())
		return nil
	}
	_, err = d.store.SetPendingStatusByTag(ctx, st.Tag, status, st.Message)
	return err
}

// applyError matches a core-reported error against pending async-pay and
// ping tags. A match forces completion; anything else is only logged.
func (d *Dispatcher) applyError(ctx context.Context, c *call) error {
	if c.r.Error == nil || *c.r.Error == "" {
		return nil
	}
	errMsg := *c.r.Error
	matched := false

	for _, b := range d.queue.Boxes() {
		if b.Kind != settlement.KindAsyncPay {
			continue
		}
		for _, m := range b.RunReturn.Msgs {
			if !matchesPending(errMsg, m.Tag) {
				continue
			}
			matched = true
			if d.tracker != nil && d.tracker.Resolve(ctx, m.Tag, delivery.Failed, errMsg) {
				d.metrics.Delivery("failed")
			}
			d.queue.ResolveBy(ctx, settlement.KindAsyncPay, settlement.MatchTag(m.Tag))
			break
		}
	}
	for tag := range d.pings {
		if matchesPending(errMsg, tag) {
			matched = true
			delete(d.pings, tag)
			d.log.Info("ping failed", "tag", tag, "error", errMsg)
		}
	}

	if !matched {
		d.log.Warn("core reported error", "error", errMsg)
	}
	return nil
}

func (d *Dispatcher) applyInvite(ctx context.Context, c *call) error {
	if c.r.NewInvite == nil {
		return nil
	}
	inv, err := rr.DecodeInvite(*c.r.NewInvite)
	if err != nil {
		return err
	}
	return d.store.InsertInvite(ctx, store.Invite{
		Code:      inv.Code,
		Pubkey:    inv.Pubkey,
		RouteHint: inv.RouteHint,
		CreatedAt: d.now().Unix(),
	})
}

func (d *Dispatcher) applyTribeMembers(ctx context.Context, c *call) error {
	if c.r.TribeMembers == nil {
		return nil
	}
	tm, err := rr.DecodeTribeMembers(*c.r.TribeMembers)
	if err != nil {
		return err
	}
	if tm.Pubkey == "" {
		return &rr.DecodeError{Facet: "tribe_members", Err: errors.New("missing pubkey")}
	}
	members := make([]store.TribeMember, 0, len(tm.Confirmed)+len(tm.Pending))
	for _, m := range tm.Confirmed {
		members = append(members, memberRow(tm.Pubkey, m, false))
	}
	for _, m := range tm.Pending {
		members = append(members, memberRow(tm.Pubkey, m, true))
	}
	return d.store.ReplaceTribeMembers(ctx, tm.Pubkey, members)
}

func (d *Dispatcher) applyStateDelete(ctx context.Context, c *call) error {
	if len(c.r.StateToDelete) == 0 {
		return nil
	}
	return d.mutations.DeleteKeys(ctx, c.r.StateToDelete)
}

func (d *Dispatcher) applyPayments(ctx context.Context, c *call) error {
	if c.r.Payments == nil {
		return nil
	}
	ps, err := rr.DecodePayments(*c.r.Payments)
	if err != nil {
		return err
	}
	rows := make([]store.Payment, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, store.Payment{
			Timestamp:     p.Timestamp,
			Msat:          p.Msat,
			Remote:        p.Remote,
			MsgIndex:      p.MsgIdx,
			RHash:         p.RHash,
			Scid:          p.Scid,
			ContactPubkey: p.ContactPubkey,
		})
	}
	return d.store.UpsertPayments(ctx, rows)
}

func (d *Dispatcher) applySubscriptions(ctx context.Context, c *call) error {
	topics := c.r.SubscriptionTopics
	if len(topics) == 0 || d.transport == nil {
		return nil
	}
	d.exec.Go(ctx, func(ctx context.Context) func(context.Context) {
		for _, topic := range topics {
			if err := d.transport.Subscribe(ctx, topic); err != nil {
				d.log.Warn("subscribe failed", "topic", topic, "error", err)
			}
		}
		return nil
	})
	return nil
}

func tribeRow(t rr.Tribe, joined bool) store.Tribe {
	return store.Tribe{
		Pubkey:          t.Pubkey,
		Host:            t.Host,
		Name:            t.Name,
		Description:     t.Description,
		Img:             t.Img,
		OwnerPubkey:     t.OwnerPubkey,
		OwnerRouteHint:  t.OwnerRouteHint,
		PriceToJoin:     t.PriceToJoin,
		PricePerMessage: t.PricePerMessage,
		EscrowAmount:    t.EscrowAmount,
		Private:         t.Private,
		Joined:          joined,
	}
}

func memberRow(tribe string, m rr.TribeMember, pending bool) store.TribeMember {
	return store.TribeMember{
		TribePubkey: tribe,
		Pubkey:      m.Pubkey,
		RouteHint:   m.RouteHint,
		Alias:       m.Alias,
		PhotoURL:    m.PhotoURL,
		Pending:     pending,
	}
}
