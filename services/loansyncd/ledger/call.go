package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
)

// Action names a state-changing contract entry point.
type Action string

const (
	ActionCreateLoan         Action = "createLoan"
	ActionAcceptLoan         Action = "acceptLoan"
	ActionAcceptLoanWithRef  Action = "acceptLoanWithRef"
	ActionRepayLoan          Action = "repayLoan"
	ActionCancelLoan         Action = "cancelLoan"
	ActionClaimCollateral    Action = "claimCollateral"
	ActionSetReferrer        Action = "setReferrer"
	ActionDepositRewardPool  Action = "depositRewardPool"
	ActionWithdrawRewardPool Action = "withdrawRewardPool"
)

// Call is a packed submission request. Args are in ABI order; Value is the
// amount of funds attached and may be nil.
type Call struct {
	Action Action
	Args   []any
	Value  *big.Int
}

// Funds returns the attached value, never nil.
func (c Call) Funds() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.Value)
}

func loanID(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}

// CreateLoanCall funds the principal of a new offer.
func CreateLoanCall(p loan.CreateParams) Call {
	return Call{
		Action: ActionCreateLoan,
		Args: []any{
			p.BorrowerOrZero(),
			new(big.Int).Set(p.Principal),
			new(big.Int).Set(p.Payback),
			big.NewInt(p.DueDays),
			p.PreSigned,
			new(big.Int).Set(p.Collateral),
		},
		Value: new(big.Int).Set(p.Principal),
	}
}

// AcceptLoanCall posts collateral for an offer.
func AcceptLoanCall(id uint64, collateral *big.Int) Call {
	return Call{Action: ActionAcceptLoan, Args: []any{loanID(id)}, Value: collateral}
}

// AcceptLoanWithRefCall posts collateral and names a referrer in one call.
func AcceptLoanWithRefCall(id uint64, referrer common.Address, collateral *big.Int) Call {
	return Call{Action: ActionAcceptLoanWithRef, Args: []any{loanID(id), referrer}, Value: collateral}
}

// RepayLoanCall pays back an active loan.
func RepayLoanCall(id uint64, payback *big.Int) Call {
	return Call{Action: ActionRepayLoan, Args: []any{loanID(id)}, Value: payback}
}

// CancelLoanCall withdraws an unaccepted offer.
func CancelLoanCall(id uint64) Call {
	return Call{Action: ActionCancelLoan, Args: []any{loanID(id)}}
}

// ClaimCollateralCall claims the collateral of an overdue loan.
func ClaimCollateralCall(id uint64) Call {
	return Call{Action: ActionClaimCollateral, Args: []any{loanID(id)}}
}

// SetReferrerCall binds the caller's referrer.
func SetReferrerCall(ref common.Address) Call {
	return Call{Action: ActionSetReferrer, Args: []any{ref}}
}

// DepositRewardPoolCall transfers funds into the reward pool.
func DepositRewardPoolCall(amount *big.Int) Call {
	return Call{Action: ActionDepositRewardPool, Value: amount}
}

// WithdrawRewardPoolCall moves pool funds to a recipient. Owner only.
func WithdrawRewardPoolCall(amount *big.Int, to common.Address) Call {
	return Call{Action: ActionWithdrawRewardPool, Args: []any{new(big.Int).Set(amount), to}}
}
