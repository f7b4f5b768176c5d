package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
	"lendearn/observability"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/lifecycle"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/session"
)

var (
	ErrNotOwner         = errors.New("rewardpool: caller is not the pool owner")
	ErrInvalidRecipient = errors.New("rewardpool: invalid recipient")
)

// Result reports the pool balance after a successful action.
type Result struct {
	Receipt ledger.Receipt
	Balance *big.Int
}

// Manager deposits into and withdraws from the shared reward pool. Actions
// share the lifecycle controller's busy gate.
type Manager struct {
	ctrl     *lifecycle.Controller
	sessions *session.Holder
	logger   *slog.Logger
	metrics  *observability.LoanSyncMetrics
}

// New constructs a manager dispatching through ctrl.
func New(ctrl *lifecycle.Controller, sessions *session.Holder, logger *slog.Logger, metrics *observability.LoanSyncMetrics) (*Manager, error) {
	if ctrl == nil || sessions == nil {
		return nil, fmt.Errorf("rewardpool: controller and session holder required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ctrl:     ctrl,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "rewardpool")),
		metrics:  metrics,
	}, nil
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive: %w", loan.ErrInvalidAmount)
	}
	if !loan.FitsUint256(amount) {
		return loan.ErrAmountOverflow
	}
	return nil
}

// Deposit transfers amount into the pool.
func (m *Manager) Deposit(ctx context.Context, amount *big.Int) (Result, error) {
	receipt, err := m.ctrl.Execute(ctx, ledger.ActionDepositRewardPool, func(context.Context, *session.Session, *registry.Snapshot) (ledger.Call, error) {
		if err := positive(amount); err != nil {
			return ledger.Call{}, err
		}
		return ledger.DepositRewardPoolCall(new(big.Int).Set(amount)), nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Receipt: receipt, Balance: m.balance(ctx)}, nil
}

// Withdraw moves amount from the pool to the recipient. Only the ledger
// reported owner may withdraw; other callers are refused before submission.
func (m *Manager) Withdraw(ctx context.Context, amount *big.Int, to common.Address) (Result, error) {
	action := ledger.ActionWithdrawRewardPool
	receipt, err := m.ctrl.Execute(ctx, action, func(ctx context.Context, sess *session.Session, _ *registry.Snapshot) (ledger.Call, error) {
		if err := positive(amount); err != nil {
			return ledger.Call{}, err
		}
		if to == (common.Address{}) {
			return ledger.Call{}, lifecycle.Validation(action, ErrInvalidRecipient)
		}
		owner, err := sess.Ledger.Owner(ctx)
		if err != nil {
			return ledger.Call{}, err
		}
		if owner != sess.Account {
			return ledger.Call{}, lifecycle.Authorization(action, ErrNotOwner)
		}
		return ledger.WithdrawRewardPoolCall(amount, to), nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Receipt: receipt, Balance: m.balance(ctx)}, nil
}

// Rates reports the per-referral reward amounts.
func (m *Manager) Rates(ctx context.Context) (ledger.RewardRates, error) {
	sess := m.sessions.Load()
	if !sess.Connected() {
		return ledger.RewardRates{}, lifecycle.ErrNotConnected
	}
	return sess.Ledger.RewardRates(ctx)
}

// Owner reports the pool owner.
func (m *Manager) Owner(ctx context.Context) (common.Address, error) {
	sess := m.sessions.Load()
	if !sess.Connected() {
		return common.Address{}, lifecycle.ErrNotConnected
	}
	return sess.Ledger.Owner(ctx)
}

// balance reads the post-action pool balance. Failures degrade to zero.
func (m *Manager) balance(ctx context.Context) *big.Int {
	sess := m.sessions.Load()
	if !sess.Connected() {
		return new(big.Int)
	}
	bal, err := sess.Ledger.PoolBalance(ctx)
	if err != nil {
		m.logger.Warn("pool balance read failed", "error", err)
		return new(big.Int)
	}
	m.metrics.SetPoolBalance(bal)
	return bal
}
