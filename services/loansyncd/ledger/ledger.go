package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
)

// EventName identifies one of the contract events the sync engine listens to.
type EventName string

const (
	EventLoanCreated         EventName = "LoanCreated"
	EventLoanAccepted        EventName = "LoanAccepted"
	EventLoanRepaid          EventName = "LoanRepaid"
	EventLoanCancelled       EventName = "LoanCancelled"
	EventCollateralClaimed   EventName = "CollateralClaimed"
	EventFundsReleased       EventName = "FundsReleased"
	EventReferralRewardPaid  EventName = "ReferralRewardPaid"
	EventRewardPoolDeposited EventName = "RewardPoolDeposited"
	EventRewardPoolWithdrawn EventName = "RewardPoolWithdrawn"
)

// Events is the fixed set of subscribable event names.
var Events = []EventName{
	EventLoanCreated,
	EventLoanAccepted,
	EventLoanRepaid,
	EventLoanCancelled,
	EventCollateralClaimed,
	EventFundsReleased,
	EventReferralRewardPaid,
	EventRewardPoolDeposited,
	EventRewardPoolWithdrawn,
}

// Valid reports whether the name belongs to the fixed event set.
func (e EventName) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Event is a decoded notification delivered to subscription handlers.
type Event struct {
	Name        EventName
	BlockNumber uint64
	TxHash      common.Hash
	Removed     bool
}

// Handler receives event notifications. Handlers run on the subscription's
// goroutine and must not block.
type Handler func(Event)

// Subscription is an owned notification handle. Close is idempotent.
type Subscription interface {
	Close() error
}

// Receipt describes a submission that reached finality.
type Receipt struct {
	Action      Action
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// RewardRates are the per-referral amounts paid from the reward pool.
type RewardRates struct {
	Referrer *big.Int
	Borrower *big.Int
}

// Reader is the read-only half of the ledger gateway.
type Reader interface {
	LoanCount(ctx context.Context) (uint64, error)
	Loan(ctx context.Context, id uint64) (loan.Loan, error)
	PoolBalance(ctx context.Context) (*big.Int, error)
	ReferrerOf(ctx context.Context, addr common.Address) (common.Address, error)
	Owner(ctx context.Context) (common.Address, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	RewardRates(ctx context.Context) (RewardRates, error)
}

// Ledger is the typed gateway to the loan contract. Submit returns only once
// the call has reached finality or failed.
type Ledger interface {
	Reader
	SupportsReferralAccept() bool
	Submit(ctx context.Context, call Call) (Receipt, error)
	Subscribe(ctx context.Context, name EventName, handler Handler) (Subscription, error)
}
