package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendearn/observability"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/session"
)

const (
	// DefaultInterval is the nominal timer-driven refresh cadence.
	DefaultInterval = 10 * time.Second
	// DefaultPassTimeout bounds a single resync pass.
	DefaultPassTimeout = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("sync: no connected session")
	ErrSessionChanged = errors.New("sync: session changed during pass")
)

// Counter reports the local referral visit count for an address.
type Counter interface {
	CountFor(addr common.Address) (int, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to stamp snapshots.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(metrics *observability.LoanSyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithInterval overrides the refresh ticker interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithPassTimeout overrides the per-pass deadline.
func WithPassTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.passTimeout = d
		}
	}
}

// WithReferralCounter supplies the local referral counter merged into
// snapshots.
func WithReferralCounter(counter Counter) Option {
	return func(e *Engine) {
		e.counter = counter
	}
}

// pass is one resync execution shared by every caller that joined it.
type pass struct {
	done    chan struct{}
	snap    *registry.Snapshot
	err     error
	waiters int
}

func newPass() *pass {
	return &pass{done: make(chan struct{})}
}

// Engine keeps the registry consistent with the ledger. At most one pass runs
// at a time; requests arriving during a pass are folded into a single
// follow-up pass.
type Engine struct {
	registry    *registry.Registry
	counter     Counter
	logger      *slog.Logger
	metrics     *observability.LoanSyncMetrics
	tracer      trace.Tracer
	clock       func() time.Time
	interval    time.Duration
	passTimeout time.Duration

	sessMu sync.Mutex
	sess   *session.Session
	subs   []ledger.Subscription

	mu       sync.Mutex
	inflight *pass
	next     *pass
	passes   uint64

	consumersMu sync.Mutex
	consumers   map[int]chan *registry.Snapshot
	nextID      int
}

// New constructs an engine publishing into reg.
func New(reg *registry.Registry, opts ...Option) *Engine {
	if reg == nil {
		reg = registry.New()
	}
	e := &Engine{
		registry:    reg,
		logger:      slog.Default(),
		tracer:      otel.Tracer("lendearn/syncer"),
		clock:       time.Now,
		interval:    DefaultInterval,
		passTimeout: DefaultPassTimeout,
		consumers:   make(map[int]chan *registry.Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("component", "syncer"))
	return e
}

// Registry returns the registry the engine publishes into.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Session returns the session the engine is bound to.
func (e *Engine) Session() *session.Session {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return e.sess
}

// Attach rebinds the engine whenever the holder swaps sessions.
func (e *Engine) Attach(holder *session.Holder) {
	holder.OnChange(func(_, next *session.Session) {
		e.Rebind(next)
	})
	if current := holder.Load(); current != nil {
		e.Rebind(current)
	}
}

// Rebind tears down every subscription, binds next and requests an immediate
// refresh. A nil or disconnected session resets the registry to empty.
func (e *Engine) Rebind(next *session.Session) {
	e.sessMu.Lock()
	for _, sub := range e.subs {
		if err := sub.Close(); err != nil {
			e.logger.Warn("close subscription", "error", err)
		}
	}
	e.subs = nil
	e.sess = next

	if next.Connected() {
		for _, name := range ledger.Events {
			sub, err := next.Ledger.Subscribe(context.Background(), name, e.onEvent)
			if err != nil {
				e.logger.Warn("subscribe failed", "event", string(name), "error", err)
				continue
			}
			e.subs = append(e.subs, sub)
		}
	}
	e.metrics.SetSubscriptions(len(e.subs))
	var empty *registry.Snapshot
	if !next.Connected() {
		empty = registry.Empty()
		e.registry.Replace(empty)
	}
	e.sessMu.Unlock()

	if empty != nil {
		e.publish(empty)
		e.logger.Info("session cleared")
		return
	}
	e.logger.Info("session bound",
		"account", next.Account.Hex(),
		"chain_id", chainLabel(next.ChainID),
		"generation", next.Generation,
		"subscriptions", len(e.subs))
	e.Request()
}

func chainLabel(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (e *Engine) onEvent(ev ledger.Event) {
	e.metrics.RecordEvent(string(ev.Name))
	e.logger.Debug("ledger event", "event", string(ev.Name), "block", ev.BlockNumber, "removed", ev.Removed)
	e.Request()
}

// Request schedules a refresh without waiting for it.
func (e *Engine) Request() {
	e.enqueue(false)
}

// Refresh runs or joins a resync pass and waits for its result. Callers that
// arrive while a pass is in flight share one follow-up pass.
func (e *Engine) Refresh(ctx context.Context) (*registry.Snapshot, error) {
	p := e.enqueue(true)
	select {
	case <-p.done:
		return p.snap, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) enqueue(wait bool) *pass {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight == nil {
		p := newPass()
		if wait {
			p.waiters++
		}
		e.inflight = p
		e.metrics.RecordRefreshRequest("started")
		go e.execute(p)
		return p
	}
	if e.next == nil {
		e.next = newPass()
		e.metrics.RecordRefreshRequest("coalesced")
	} else {
		e.metrics.RecordRefreshRequest("joined")
	}
	if wait {
		e.next.waiters++
	}
	return e.next
}

func (e *Engine) execute(p *pass) {
	for p != nil {
		p.snap, p.err = e.runPass()
		close(p.done)

		e.mu.Lock()
		p = e.next
		e.next = nil
		e.inflight = p
		e.mu.Unlock()
	}
}

func (e *Engine) runPass() (snap *registry.Snapshot, err error) {
	sess := e.Session()
	if !sess.Connected() {
		return nil, ErrNotConnected
	}

	e.mu.Lock()
	e.passes++
	number := e.passes
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.passTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "syncer.pass", trace.WithAttributes(
		attribute.Int64("sync.pass", int64(number)),
		attribute.String("sync.account", sess.Account.Hex()),
	))
	start := time.Now()
	defer func() {
		loans := 0
		if snap != nil {
			loans = snap.Len()
		}
		e.metrics.ObserveRefresh(err, loans, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	snap, err = e.read(ctx, sess, number)
	if err != nil {
		e.logger.Warn("sync pass failed", "pass", number, "error", err)
		return nil, err
	}

	// A pass that straddled a session swap must not overwrite the newer
	// binding's view.
	e.sessMu.Lock()
	if e.sess != sess {
		e.sessMu.Unlock()
		return nil, ErrSessionChanged
	}
	e.registry.Replace(snap)
	e.sessMu.Unlock()
	e.metrics.SetPoolBalance(snap.PoolBalance)
	e.publish(snap)
	e.logger.Debug("sync pass complete", "pass", number, "loans", snap.Len(), "duration", time.Since(start))
	return snap, nil
}

func (e *Engine) read(ctx context.Context, sess *session.Session, number uint64) (*registry.Snapshot, error) {
	l := sess.Ledger
	count, err := l.LoanCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("loan count: %w", err)
	}
	builder := registry.NewBuilder(number, sess.Account)
	for id := uint64(0); id < count; id++ {
		record, err := l.Loan(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loan %d: %w", id, err)
		}
		builder.Add(record)
	}

	pool, err := l.PoolBalance(ctx)
	if err != nil {
		e.logger.Warn("pool balance unavailable", "error", err)
		pool = nil
	}
	builder.SetPoolBalance(pool)

	referrer, err := l.ReferrerOf(ctx, sess.Account)
	if err != nil {
		e.logger.Warn("referrer lookup failed", "error", err)
		referrer = common.Address{}
	}
	visits := 0
	if e.counter != nil {
		if visits, err = e.counter.CountFor(sess.Account); err != nil {
			e.logger.Warn("referral counter unavailable", "error", err)
			visits = 0
		}
	}
	builder.SetReferral(referrer, visits)

	balance, err := l.BalanceOf(ctx, sess.Account)
	if err != nil {
		e.logger.Warn("account balance unavailable", "error", err)
		balance = nil
	}
	builder.SetAccountBalance(balance)

	return builder.Build(e.clock()), nil
}

// Subscribe registers a consumer. The channel holds at most one snapshot;
// slow consumers only observe the latest. Call cancel to release it.
func (e *Engine) Subscribe() (<-chan *registry.Snapshot, func()) {
	ch := make(chan *registry.Snapshot, 1)
	e.consumersMu.Lock()
	e.nextID++
	id := e.nextID
	e.consumers[id] = ch
	e.consumersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.consumersMu.Lock()
			delete(e.consumers, id)
			e.consumersMu.Unlock()
		})
	}
}

func (e *Engine) publish(snap *registry.Snapshot) {
	e.consumersMu.Lock()
	defer e.consumersMu.Unlock()
	for _, ch := range e.consumers {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Drop the stale snapshot in favour of the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Run drives the refresh ticker until ctx is cancelled, then closes every
// subscription.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.closeSubscriptions()
			return nil
		case <-ticker.C:
			if e.Session().Connected() {
				e.Request()
			}
		}
	}
}

func (e *Engine) closeSubscriptions() {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	for _, sub := range e.subs {
		_ = sub.Close()
	}
	e.subs = nil
	e.metrics.SetSubscriptions(0)
}
