package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendearn/native/loan"
	"lendearn/observability"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/session"
)

// Snapshots exposes the current registry view.
type Snapshots interface {
	Load() *registry.Snapshot
}

// Refresher schedules a registry refresh without waiting for it.
type Refresher interface {
	Request()
}

// PendingReferrer reports the referrer captured for this process.
type PendingReferrer interface {
	Pending() (common.Address, bool)
}

// Prepare validates an action against the session and snapshot and returns
// the call to submit. Returned errors are classified before reaching the
// caller; return an *ActionError to choose the class explicitly. A call
// without an Action is submitted under the executed action.
type Prepare func(ctx context.Context, sess *session.Session, snap *registry.Snapshot) (ledger.Call, error)

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(metrics *observability.LoanSyncMetrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// WithReferrals supplies the pending referrer used by referral-aware accepts.
func WithReferrals(source PendingReferrer) Option {
	return func(c *Controller) {
		c.referrals = source
	}
}

// Controller validates and dispatches state-changing actions. One action may
// be in flight at a time across all loans.
type Controller struct {
	sessions  *session.Holder
	snapshots Snapshots
	refresher Refresher
	referrals PendingReferrer
	logger    *slog.Logger
	metrics   *observability.LoanSyncMetrics
	tracer    trace.Tracer
	clock     func() time.Time

	busy atomic.Bool

	mu        sync.Mutex
	completed map[common.Address]int
}

// New constructs a controller. refresher may be nil.
func New(sessions *session.Holder, snapshots Snapshots, refresher Refresher, opts ...Option) (*Controller, error) {
	if sessions == nil {
		return nil, fmt.Errorf("lifecycle: session holder required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("lifecycle: snapshot source required")
	}
	c := &Controller{
		sessions:  sessions,
		snapshots: snapshots,
		refresher: refresher,
		logger:    slog.Default(),
		tracer:    otel.Tracer("lendearn/lifecycle"),
		clock:     time.Now,
		completed: make(map[common.Address]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(slog.String("component", "lifecycle"))
	return c, nil
}

// Busy reports whether an action currently holds the gate.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Completed returns the number of loans repaid through this controller by
// addr during the process lifetime.
func (c *Controller) Completed(addr common.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[addr]
}

// Execute runs prepare and submits its call under the busy gate. It is the
// single entry point for every state-changing action.
func (c *Controller) Execute(ctx context.Context, action ledger.Action, prepare Prepare) (receipt ledger.Receipt, err error) {
	correlation := uuid.NewString()
	logger := c.logger.With("action", string(action), "correlation_id", correlation)
	ctx, span := c.tracer.Start(ctx, "lifecycle."+string(action), trace.WithAttributes(
		attribute.String("lifecycle.correlation_id", correlation),
	))
	start := time.Now()
	submitted := false
	defer func() {
		result := "success"
		if err != nil {
			result = ClassOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.ObserveAction(string(action), result, submitted, time.Since(start))
		span.End()
	}()

	sess := c.sessions.Load()
	if !sess.Connected() {
		return ledger.Receipt{}, Validation(action, ErrNotConnected)
	}
	if !c.busy.CompareAndSwap(false, true) {
		logger.Debug("action refused: gate held")
		return ledger.Receipt{}, classify(action, ErrBusy)
	}
	defer c.busy.Store(false)

	call, err := prepare(ctx, sess, c.snapshots.Load())
	if err != nil {
		actionErr := classify(action, err)
		logger.Info("action refused", "class", actionErr.Class.String(), "error", err)
		return ledger.Receipt{}, actionErr
	}
	if call.Action == "" {
		call.Action = action
	}
	span.SetAttributes(
		attribute.String("lifecycle.account", sess.Account.Hex()),
		attribute.String("lifecycle.method", string(call.Action)),
	)

	submitted = true
	receipt, err = sess.Ledger.Submit(ctx, call)
	if err != nil {
		actionErr := classify(action, err)
		logger.Warn("action failed", "class", actionErr.Class.String(), "error", err)
		return ledger.Receipt{}, actionErr
	}
	logger.Info("action finalised",
		"account", sess.Account.Hex(),
		"tx", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber,
		"duration", time.Since(start))
	if c.refresher != nil {
		c.refresher.Request()
	}
	return receipt, nil
}

func lookup(snap *registry.Snapshot, id uint64) (loan.Loan, error) {
	record, ok := snap.Loan(id)
	if !ok {
		return loan.Loan{}, fmt.Errorf("loan %d: %w", id, ErrLoanNotFound)
	}
	return record, nil
}

func closed(record loan.Loan) error {
	if record.Cancelled {
		return fmt.Errorf("loan %d: %w: %w", record.ID, ErrLoanClosed, ErrLoanCancelled)
	}
	return fmt.Errorf("loan %d: %w", record.ID, ErrLoanClosed)
}

// CreateLoan funds a new offer with the principal.
func (c *Controller) CreateLoan(ctx context.Context, params loan.CreateParams) (ledger.Receipt, error) {
	return c.Execute(ctx, ledger.ActionCreateLoan, func(context.Context, *session.Session, *registry.Snapshot) (ledger.Call, error) {
		if err := params.Validate(); err != nil {
			return ledger.Call{}, err
		}
		return ledger.CreateLoanCall(params), nil
	})
}

// AcceptLoan posts the offer's collateral. When a pending referrer other than
// the caller is known and the ledger supports it, the referral-aware entry
// point is used.
func (c *Controller) AcceptLoan(ctx context.Context, id uint64) (ledger.Receipt, error) {
	return c.Execute(ctx, ledger.ActionAcceptLoan, func(_ context.Context, sess *session.Session, snap *registry.Snapshot) (ledger.Call, error) {
		record, err := lookup(snap, id)
		if err != nil {
			return ledger.Call{}, err
		}
		switch {
		case record.Active:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanActive)
		case record.Terminal():
			return ledger.Call{}, closed(record)
		case !record.OpenToAnyone() && record.Borrower != sess.Account:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrNotBorrower)
		}
		if ref, ok := c.pendingReferrer(); ok && ref != sess.Account && sess.Ledger.SupportsReferralAccept() {
			return ledger.AcceptLoanWithRefCall(id, ref, record.CollateralAmount), nil
		}
		return ledger.AcceptLoanCall(id, record.CollateralAmount), nil
	})
}

func (c *Controller) pendingReferrer() (common.Address, bool) {
	if c.referrals == nil {
		return common.Address{}, false
	}
	ref, ok := c.referrals.Pending()
	if !ok || ref == (common.Address{}) {
		return common.Address{}, false
	}
	return ref, true
}

// RepayLoan pays back an outstanding loan.
func (c *Controller) RepayLoan(ctx context.Context, id uint64) (ledger.Receipt, error) {
	var account common.Address
	receipt, err := c.Execute(ctx, ledger.ActionRepayLoan, func(_ context.Context, sess *session.Session, snap *registry.Snapshot) (ledger.Call, error) {
		record, err := lookup(snap, id)
		if err != nil {
			return ledger.Call{}, err
		}
		switch {
		case !record.Active:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanNotActive)
		case record.Repaid:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanRepaid)
		case !record.OpenToAnyone() && record.Borrower != sess.Account:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrNotBorrower)
		}
		account = sess.Account
		return ledger.RepayLoanCall(id, record.PaybackAmount), nil
	})
	if err == nil {
		c.mu.Lock()
		c.completed[account]++
		c.mu.Unlock()
	}
	return receipt, err
}

// CancelLoan withdraws an offer that has not been accepted.
func (c *Controller) CancelLoan(ctx context.Context, id uint64) (ledger.Receipt, error) {
	return c.Execute(ctx, ledger.ActionCancelLoan, func(_ context.Context, sess *session.Session, snap *registry.Snapshot) (ledger.Call, error) {
		record, err := lookup(snap, id)
		if err != nil {
			return ledger.Call{}, err
		}
		switch {
		case record.Terminal():
			return ledger.Call{}, closed(record)
		case record.Active:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanActive)
		case record.Lender != sess.Account:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrNotLender)
		}
		return ledger.CancelLoanCall(id), nil
	})
}

// ClaimCollateral claims the collateral of an outstanding loan. Whether the
// loan is overdue is left to the ledger; see CanClaim.
func (c *Controller) ClaimCollateral(ctx context.Context, id uint64) (ledger.Receipt, error) {
	return c.Execute(ctx, ledger.ActionClaimCollateral, func(_ context.Context, sess *session.Session, snap *registry.Snapshot) (ledger.Call, error) {
		record, err := lookup(snap, id)
		if err != nil {
			return ledger.Call{}, err
		}
		switch {
		case !record.Active:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanNotActive)
		case record.Repaid:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrLoanRepaid)
		case record.Lender != sess.Account:
			return ledger.Call{}, fmt.Errorf("loan %d: %w", id, ErrNotLender)
		}
		if !record.Overdue(c.clock()) {
			c.logger.Debug("claim submitted before deadline", "loan", id, "deadline", record.Deadline())
		}
		return ledger.ClaimCollateralCall(id), nil
	})
}

// SetReferrer binds the caller's referrer. The ledger binding is read first so
// an existing binding is refused without a submission.
func (c *Controller) SetReferrer(ctx context.Context, ref common.Address) (ledger.Receipt, error) {
	return c.Execute(ctx, ledger.ActionSetReferrer, func(ctx context.Context, sess *session.Session, _ *registry.Snapshot) (ledger.Call, error) {
		if ref == (common.Address{}) {
			return ledger.Call{}, ErrInvalidReferrer
		}
		if ref == sess.Account {
			return ledger.Call{}, ErrSelfReferral
		}
		existing, err := sess.Ledger.ReferrerOf(ctx, sess.Account)
		if err != nil {
			return ledger.Call{}, err
		}
		if existing != (common.Address{}) {
			return ledger.Call{}, fmt.Errorf("bound to %s: %w", existing.Hex(), ErrReferrerAlreadySet)
		}
		return ledger.SetReferrerCall(ref), nil
	})
}

// BindReferrer adapts SetReferrer to the referral store's binder signature.
func (c *Controller) BindReferrer(ctx context.Context, ref common.Address) error {
	_, err := c.SetReferrer(ctx, ref)
	if errors.Is(err, ErrReferrerAlreadySet) {
		return nil
	}
	return err
}
