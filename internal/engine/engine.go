package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sphinxkit/rrsync/internal/delivery"
	"github.com/sphinxkit/rrsync/internal/dispatch"
	"github.com/sphinxkit/rrsync/internal/metrics"
	"github.com/sphinxkit/rrsync/internal/mutation"
	"github.com/sphinxkit/rrsync/internal/restore"
	"github.com/sphinxkit/rrsync/internal/rr"
	"github.com/sphinxkit/rrsync/internal/settlement"
	"github.com/sphinxkit/rrsync/internal/store"
)

// DefaultTickInterval is how often deadlines are checked.
const DefaultTickInterval = time.Second

// Config holds the engine's tunables. Zero values fall back to defaults.
type Config struct {
	// Seed is passed verbatim with every crypto-core call.
	Seed    string
	Network string

	PageSize          int
	RestoreWatchdog   time.Duration
	DeliveryTimeout   time.Duration
	SettlementTimeout time.Duration
	TickInterval      time.Duration
}

// Deps are the engine's collaborators. Store and Core are required.
type Deps struct {
	Store     *store.Store
	Core      Core
	Transport dispatch.Transport
	Directory dispatch.Directory
	Metrics   *metrics.Metrics
	IDs       IDGenerator
	Now       func() time.Time
	Logger    *slog.Logger

	// Executor runs async dispatch work. Nil runs it on a goroutine and
	// feeds the continuation back through the event queue.
	Executor dispatch.Executor

	// OnProgress receives restore progress on the loop goroutine.
	OnProgress func(restore.Progress)
}

// Engine is the single serialization point of the sync core.
//
// All dispatcher, restore, tracker and settlement state is owned by the Run
// loop goroutine. Public operations enqueue an Event and wait for its
// result; transport deliveries, async completions and timer ticks re-enter
// the same way.
//
// Thread-safety model:
//   - Connect, Send, Pay, Ping, Fetch*, Status, Tick: safe from any goroutine
//   - HandleIncoming, Reconnected: safe from any goroutine, do not wait
//   - Run: must be called from exactly one goroutine, once
type Engine struct {
	cfg     Config
	store   *store.Store
	core    Core
	metrics *metrics.Metrics
	ids     IDGenerator
	nonce   *Nonce
	now     func() time.Time
	log     *slog.Logger

	mutations  *mutation.Store
	tracker    *delivery.Tracker
	settlement *settlement.Queue
	session    *restore.Session
	dispatcher *dispatch.Dispatcher

	queue     *eventQueue
	publisher *orderedExecutor
	done      chan struct{}

	// connected is set by Connect. Loop goroutine only.
	connected bool
}

// New wires an engine. Run must be started before any operation is called.
func New(cfg Config, deps Deps) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = UUIDv7Generator{}
	}

	e := &Engine{
		cfg:     cfg,
		store:   deps.Store,
		core:    deps.Core,
		metrics: deps.Metrics,
		ids:     deps.IDs,
		nonce:   NewNonce(),
		now:     deps.Now,
		log:     deps.Logger,
		queue:   newEventQueue(),
		done:    make(chan struct{}),
	}

	onProgress := func(p restore.Progress) {
		e.metrics.RestoreProgress(p.Kind.String(), p.Percent)
		if deps.OnProgress != nil {
			deps.OnProgress(p)
		}
	}

	e.mutations = mutation.New(deps.Store, deps.Logger)
	e.tracker = delivery.NewTracker(deps.Store, cfg.DeliveryTimeout, deps.Logger)
	e.settlement = settlement.NewQueue(cfg.SettlementTimeout, deps.Logger)
	e.session = restore.NewSession(deps.Store, restore.Options{
		PageSize:   cfg.PageSize,
		Watchdog:   cfg.RestoreWatchdog,
		OnProgress: onProgress,
		Logger:     deps.Logger,
	})

	exec := deps.Executor
	var pub dispatch.Executor = exec
	if exec == nil {
		exec = loopExecutor{e: e}
		e.publisher = &orderedExecutor{e: e, works: newEventQueue()}
		pub = e.publisher
	}
	e.dispatcher = dispatch.New(dispatch.Deps{
		Store:      deps.Store,
		Mutations:  e.mutations,
		Tracker:    e.tracker,
		Settlement: e.settlement,
		Restore:    e.session,
		Transport:  deps.Transport,
		Directory:  deps.Directory,
		Requester:  e,
		Executor:   exec,
		Publisher:  pub,
		Metrics:    deps.Metrics,
		Now:        deps.Now,
		Logger:     deps.Logger,
	})
	return e
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop() is called.
//
// ERROR HANDLING: a failing event is logged and processing continues.
// Callers waiting on the event receive the error themselves.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")
	defer close(e.done)

	if e.publisher != nil {
		go e.publisher.run(ctx)
		defer e.publisher.works.Close()
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.process(ctx, ev)
			// A busy queue must not starve the deadline checks.
			select {
			case <-ticker.C:
				e.tick(ctx)
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-ticker.C:
			e.tick(ctx)

		case <-e.queue.Wait():
			// The signal channel is closed along with the queue, so a closed
			// and drained queue ends the loop.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue. Events already queued are still processed
// before Run returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) process(ctx context.Context, ev Event) {
	if ev.Run == nil {
		return
	}
	if err := ev.Run(ctx); err != nil {
		e.log.Warn("event failed", "event", ev.Name, "error", err)
	}
}

// tick fires every deadline that has passed. Each component checks its own
// entries, so a timer for work that already completed is a no-op.
func (e *Engine) tick(ctx context.Context) {
	now := e.now()

	for range e.tracker.Expire(ctx, now) {
		e.metrics.Delivery("timeout")
	}
	e.metrics.Pending("sends", e.tracker.Pending())

	if slots := e.settlement.Expire(ctx, now); len(slots) > 0 {
		e.log.Info("settlements evicted", "slots", slots)
	}

	if e.session.Expire(now) {
		e.log.Info("restore abandoned by watchdog")
	}
	e.metrics.RestorePhase(int(e.session.Phase()))
}

// enqueue submits fn without waiting for it.
func (e *Engine) enqueue(name string, fn func(ctx context.Context) error) error {
	if !e.queue.Enqueue(Event{Name: name, Run: fn}) {
		return errStopped
	}
	return nil
}

// call runs fn on the loop goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	err := e.enqueue(name, func(ctx context.Context) error {
		err := fn(ctx)
		reply <- err
		return err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return errStopped
		}
	}
}

// invoke builds an operation from the current state blob and calls the core.
// Loop goroutine only: the blob read must follow every earlier write.
func (e *Engine) invoke(ctx context.Context, name OpName, params map[string]any) (*rr.RunReturn, error) {
	state, err := e.mutations.CurrentStateBlob(ctx)
	if err != nil {
		return nil, fmt.Errorf("read state blob: %w", err)
	}
	op := Operation{
		Name:       name,
		Seed:       e.cfg.Seed,
		UniqueTime: e.nonce.Next(e.now()),
		State:      state,
		Params:     params,
	}
	r, err := e.core.Invoke(ctx, op)
	if err != nil {
		return nil, NewCoreError(string(name), err)
	}
	return r, nil
}

// run invokes name and dispatches the result.
func (e *Engine) run(ctx context.Context, name OpName, params map[string]any, dc dispatch.Context) (string, error) {
	r, err := e.invoke(ctx, name, params)
	if err != nil {
		return "", err
	}
	return e.dispatcher.Handle(ctx, r, dc), nil
}

// IssueRestore queues one fetch per request. It is called by the dispatcher
// from inside the loop, so the fetches run after the current event.
func (e *Engine) IssueRestore(ctx context.Context, reqs []restore.Request) {
	for _, req := range reqs {
		err := e.enqueue("restore:"+req.Kind.String(), func(ctx context.Context) error {
			return e.fetch(ctx, req)
		})
		if err != nil {
			e.log.Debug("restore request dropped", "kind", req.Kind, "error", err)
		}
	}
}

func (e *Engine) fetch(ctx context.Context, req restore.Request) error {
	var (
		name   OpName
		params map[string]any
	)
	switch req.Kind {
	case restore.RequestCounts:
		name = OpGetMsgsCounts
	case restore.RequestFirstPerContact:
		name = OpFetchFirstMsgsPerKey
		params = pageParams(req.LastIndex, req.Limit, false)
	case restore.RequestContactMsgs:
		name = OpFetchMsgsBatchForContact
		params = pageParams(req.LastIndex, req.Limit, req.Reverse)
		params["pubkey"] = req.Pubkey
	case restore.RequestForward:
		name = OpFetchMsgsBatch
		params = pageParams(req.LastIndex, req.Limit, req.Reverse)
	case restore.RequestReadPing:
		name = OpPing
		params = map[string]any{"read": true}
	default:
		return fmt.Errorf("unknown restore request %d", req.Kind)
	}
	_, err := e.run(ctx, name, params, dispatch.Context{})
	return err
}

func pageParams(lastIndex uint64, limit int, reverse bool) map[string]any {
	return map[string]any{
		"last_msg_idx": lastIndex,
		"limit":        limit,
		"reverse":      reverse,
	}
}

// loopExecutor runs dispatch work off the loop and re-enters with its
// continuation.
type loopExecutor struct {
	e *Engine
}

func (x loopExecutor) Go(ctx context.Context, work dispatch.Work) {
	go func() {
		x.e.resume(work(ctx))
	}()
}

// orderedExecutor runs work one item at a time on a single worker, in the
// order Go was called. Continuations re-enter through the loop.
type orderedExecutor struct {
	e     *Engine
	works *eventQueue
}

func (x *orderedExecutor) Go(ctx context.Context, work dispatch.Work) {
	ok := x.works.Enqueue(Event{Name: "publish", Run: func(ctx context.Context) error {
		x.e.resume(work(ctx))
		return nil
	}})
	if !ok {
		x.e.log.Debug("publish dropped", "error", errStopped)
	}
}

// run drains works until ctx is done or the queue is closed and empty.
func (x *orderedExecutor) run(ctx context.Context) {
	for {
		if ev, ok := x.works.TryDequeue(); ok {
			ev.Run(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-x.works.Wait():
			if x.works.Closed() && x.works.Len() == 0 {
				return
			}
		}
	}
}

// resume queues a continuation returned by async work.
func (e *Engine) resume(next func(ctx context.Context)) {
	if next == nil {
		return
	}
	err := e.enqueue("continuation", func(ctx context.Context) error {
		next(ctx)
		return nil
	})
	if err != nil {
		e.log.Debug("continuation dropped", "error", err)
	}
}
