package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sphinxkit/rrsync/internal/delivery"
	"github.com/sphinxkit/rrsync/internal/metrics"
	"github.com/sphinxkit/rrsync/internal/mutation"
	"github.com/sphinxkit/rrsync/internal/restore"
	"github.com/sphinxkit/rrsync/internal/rr"
	"github.com/sphinxkit/rrsync/internal/settlement"
	"github.com/sphinxkit/rrsync/internal/store"
)

// Transport publishes and subscribes on the pub/sub broker.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
}

// Directory resolves a tribe descriptor from its host.
type Directory interface {
	LookupTribe(ctx context.Context, host, pubkey string) (rr.Tribe, error)
}

// RestoreRequester issues the fetches a restore session asks for.
type RestoreRequester interface {
	IssueRestore(ctx context.Context, reqs []restore.Request)
}

// Context carries per-call dispatch flags.
type Context struct {
	// SkipSettleTopic and SkipAsyncTopic are set when re-dispatching a boxed
	// RunReturn so it is not boxed again for the same confirmation.
	SkipSettleTopic bool
	SkipAsyncTopic  bool
	// IsSend marks the result of an outbound send.
	IsSend bool
	// Applied lists facets a previous dispatch already handled.
	Applied rr.Facet
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store      *store.Store
	Mutations  *mutation.Store
	Tracker    *delivery.Tracker
	Settlement *settlement.Queue
	Restore    *restore.Session
	Transport  Transport
	Directory  Directory
	Requester  RestoreRequester
	Executor   Executor
	Metrics    *metrics.Metrics
	Now        func() time.Time
	Logger     *slog.Logger

	// Publisher runs transport publishes. It must run work in submission
	// order. Nil uses Executor.
	Publisher Executor
}

// Dispatcher routes RunReturn facets to their handlers in a fixed order.
// It must only be used from the engine's serialization point.
type Dispatcher struct {
	store     *store.Store
	mutations *mutation.Store
	tracker   *delivery.Tracker
	queue     *settlement.Queue
	restore   *restore.Session
	transport Transport
	directory Directory
	requester RestoreRequester
	exec      Executor
	pub       Executor
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *slog.Logger

	pings map[string]struct{}

	early []step
	late  []step
}

// step is one facet handler.
type step struct {
	name  string
	facet rr.Facet
	run   func(ctx context.Context, c *call) error
}

// call is the state of one Handle invocation.
type call struct {
	r       *rr.RunReturn
	dc      Context
	applied rr.Facet
}

// New wires a dispatcher and registers it as the settlement queue's
// release function.
func New(deps Deps) *Dispatcher {
	if deps.Executor == nil {
		deps.Executor = InlineExecutor{}
	}
	if deps.Publisher == nil {
		deps.Publisher = deps.Executor
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	d := &Dispatcher{
		store:     deps.Store,
		mutations: deps.Mutations,
		tracker:   deps.Tracker,
		queue:     deps.Settlement,
		restore:   deps.Restore,
		transport: deps.Transport,
		directory: deps.Directory,
		requester: deps.Requester,
		exec:      deps.Executor,
		pub:       deps.Publisher,
		metrics:   deps.Metrics,
		now:       deps.Now,
		log:       deps.Logger,
		pings:     make(map[string]struct{}),
	}

	d.early = []step{
		{"state", rr.FacetState, d.applyState},
		{"identity", rr.FacetIdentity, d.applyIdentity},
		{"counts", rr.FacetCounts, d.applyCounts},
	}
	d.late = []step{
		{"messages", rr.FacetMessages, d.applyMessages},
		{"async_tag_ack", rr.FacetAsyncTag, d.ackAsyncTag},
		{"reads", rr.FacetReads, d.applyReads},
		{"ping_confirm", rr.FacetPing, d.confirmPingTags},
		{"restore_page", rr.FacetRestore, d.feedRestore},
		{"settled_status", rr.FacetSettled, d.resolveSettled},
		{"asyncpay_tag", rr.FacetAsyncTag, d.resolveAsyncTag},
		{"ping", rr.FacetPing, d.applyPing},
		{"mute_levels", rr.FacetMutes, d.applyMutes},
		{"sent_status", rr.FacetSentStatus, d.applySentStatus},
		{"error", rr.FacetError, d.applyError},
		{"new_invite", rr.FacetInvite, d.applyInvite},
		{"tribe_members", rr.FacetTribeMembers, d.applyTribeMembers},
		{"state_to_delete", rr.FacetStateDelete, d.applyStateDelete},
		{"payments", rr.FacetPayments, d.applyPayments},
		{"subscription_topics", rr.FacetSubscriptions, d.applySubscriptions},
	}

	if d.queue != nil {
		d.queue.OnRelease(d.release)
	}
	return d
}

// ExpectPing records an outbound ping tag awaiting confirmation.
func (d *Dispatcher) ExpectPing(tag string) {
	if tag != "" {
		d.pings[tag] = struct{}{}
	}
}

// PendingPings returns the number of unconfirmed pings.
func (d *Dispatcher) PendingPings() int {
	return len(d.pings)
}

// Handle dispatches r. When dc.IsSend is set and r carries messages, the
// first message's tag is returned for delivery tracking.
func (d *Dispatcher) Handle(ctx context.Context, r *rr.RunReturn, dc Context) string {
	if r == nil {
		return ""
	}
	d.metrics.Dispatched()

	c := &call{r: r, dc: dc, applied: dc.Applied}
	d.run(ctx, c, d.early)

	if dc.Applied.Has(rr.FacetTribes) {
		d.finish(ctx, c)
	} else if missing := d.missingTribes(ctx, r); len(missing) == 0 || d.directory == nil {
		c.applied |= rr.FacetTribes
		d.finish(ctx, c)
	} else {
		d.lookupTribes(ctx, c, missing)
	}

	if dc.IsSend {
		return r.FirstTag()
	}
	return ""
}

func (d *Dispatcher) run(ctx context.Context, c *call, steps []step) {
	for _, s := range steps {
		if c.dc.Applied.Has(s.facet) {
			continue
		}
		if err := s.run(ctx, c); err != nil {
			d.log.Warn("facet skipped", "facet", s.name, "error", err)
			d.metrics.FacetFailed(s.name)
		}
		c.applied |= s.facet
	}
}

// finish runs the steps after tribe resolution and the publish phase.
func (d *Dispatcher) finish(ctx context.Context, c *call) {
	d.run(ctx, c, d.late)
	d.publishPhase(ctx, c)
}

func (d *Dispatcher) publishPhase(ctx context.Context, c *call) {
	r := c.r
	if r.HasSettle() && !c.dc.SkipSettleTopic {
		slot := d.queue.Enqueue(r, settlement.KindSettle, c.applied, d.now())
		d.metrics.Pending("settlements", d.queue.Len())
		d.log.Debug("awaiting settlement", "slot", slot)
		d.publish(ctx, []rr.Publish{{Topic: *r.SettleTopic, Payload: r.SettlePayload}}, nil)
		return
	}

	if r.HasRegister() && !c.dc.Applied.Has(rr.FacetRegister) {
		reg := rr.Publish{Topic: *r.RegisterTopic, Payload: r.RegisterPayload}
		d.publish(ctx, []rr.Publish{reg}, func(ctx context.Context) {
			c.applied |= rr.FacetRegister
			d.publishTopics(ctx, c)
		})
		return
	}
	d.publishTopics(ctx, c)
}

func (d *Dispatcher) publishTopics(ctx context.Context, c *call) {
	r := c.r
	if r.HasAsyncPay() && !c.dc.SkipAsyncTopic {
		slot := d.queue.Enqueue(r, settlement.KindAsyncPay, c.applied, d.now())
		d.metrics.Pending("settlements", d.queue.Len())
		d.log.Debug("awaiting async payment", "slot", slot)
		d.publish(ctx, []rr.Publish{{Topic: *r.AsyncpayTopic, Payload: r.AsyncpayPayload}}, nil)
		return
	}
	if pubs := r.Publishes(); len(pubs) > 0 {
		d.publish(ctx, pubs, nil)
	}
}

// publish sends pubs off the dispatch path, then runs then. Publishes keep
// the order of their publish calls.
func (d *Dispatcher) publish(ctx context.Context, pubs []rr.Publish, then func(ctx context.Context)) {
	if d.transport == nil {
		d.log.Warn("no transport, dropping publishes", "count", len(pubs))
		if then != nil {
			then(ctx)
		}
		return
	}
	d.pub.Go(ctx, func(ctx context.Context) func(context.Context) {
		for _, p := range pubs {
			err := d.transport.Publish(ctx, p.Topic, p.Payload)
			d.metrics.Published(err)
			if err != nil {
				d.log.Warn("publish failed", "topic", p.Topic, "error", err)
			}
		}
		return then
	})
}

// release re-dispatches a boxed RunReturn leaving the settlement queue.
func (d *Dispatcher) release(ctx context.Context, b settlement.Box, reason settlement.Reason) {
	d.metrics.Settlement(b.Kind.String(), reason.String())
	d.metrics.Pending("settlements", d.queue.Len())
	d.log.Debug("releasing boxed runreturn", "slot", b.Slot, "kind", b.Kind, "reason", reason)
	d.Handle(ctx, b.RunReturn, Context{
		SkipSettleTopic: true,
		SkipAsyncTopic:  b.Kind == settlement.KindAsyncPay,
		Applied:         b.Applied,
	})
}

// issue forwards restore requests to the engine.
func (d *Dispatcher) issue(ctx context.Context, reqs []restore.Request) {
	if len(reqs) == 0 || d.requester == nil {
		return
	}
	d.requester.IssueRestore(ctx, reqs)
}

// matchesPending reports whether errMsg mentions tag.
func matchesPending(errMsg, tag string) bool {
	return tag != "" && strings.Contains(errMsg, tag)
}
