package loan

import (
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	msPerSecond = big.NewInt(1000)
	msPerDay    = big.NewInt(86_400_000)
	maxMillis   = big.NewInt(math.MaxInt64)
)

// Loan mirrors a single P2P loan record as reported by the ledger. Amount
// values are denominated in wei and expressed as big integers to match
// on-chain precision.
type Loan struct {
	// ID is the monotonically assigned ledger identifier.
	ID uint64
	// Lender funded the principal when the offer was created.
	Lender common.Address
	// Borrower is the zero address for offers open to anyone until the
	// loan is accepted, at which point it is bound to the accepting account.
	Borrower common.Address
	// Principal is the amount transferred to the borrower on acceptance.
	Principal *big.Int
	// PaybackAmount is owed by the borrower and always exceeds Principal.
	PaybackAmount *big.Int
	// CollateralAmount is posted by the borrower on acceptance.
	CollateralAmount *big.Int
	// DueDays is the loan term in days, fixed at creation.
	DueDays uint64
	// DueDate is the raw due date field stored by the contract.
	DueDate uint64
	// StartTime is the acceptance timestamp in epoch seconds. Zero before
	// acceptance.
	StartTime uint64
	// PreSigned is opaque metadata fixed at creation.
	PreSigned bool
	// Active is set once the loan is accepted and never reverts.
	Active bool
	// Repaid is set once the borrower repays.
	Repaid bool
	// Cancelled is set when the lender withdrew the offer before acceptance.
	// Only populated when the ledger exposes the cancelled view.
	Cancelled bool
}

// Open reports whether the record is an offer that has not been accepted or
// repaid. Cancelled offers also satisfy Open; use Available for offers that
// can still be accepted.
func (l Loan) Open() bool {
	return !l.Active && !l.Repaid
}

// Available reports whether the offer can still be accepted.
func (l Loan) Available() bool {
	return l.Open() && !l.Cancelled
}

// Terminal reports whether the loan reached a frozen sub-state.
func (l Loan) Terminal() bool {
	return l.Repaid || l.Cancelled
}

// OpenToAnyone reports whether the lender left the borrower unbound.
func (l Loan) OpenToAnyone() bool {
	return l.Borrower == (common.Address{})
}

// Outstanding reports whether the loan is accepted and not yet repaid.
func (l Loan) Outstanding() bool {
	return l.Active && !l.Repaid
}

// Deadline returns the wall clock instant after which the loan is overdue.
func (l Loan) Deadline() time.Time {
	return time.UnixMilli(l.deadlineMillis())
}

// deadlineMillis saturates at math.MaxInt64 for terms beyond the range of
// time.Time.
func (l Loan) deadlineMillis() int64 {
	start := new(big.Int).Mul(new(big.Int).SetUint64(l.StartTime), msPerSecond)
	term := new(big.Int).Mul(new(big.Int).SetUint64(l.DueDays), msPerDay)
	deadline := start.Add(start, term)
	if deadline.Cmp(maxMillis) > 0 {
		return math.MaxInt64
	}
	return deadline.Int64()
}

// Overdue reports whether an outstanding loan's term has elapsed at now.
// Inactive or repaid loans are never overdue.
func (l Loan) Overdue(now time.Time) bool {
	if !l.Outstanding() {
		return false
	}
	return now.UnixMilli() > l.deadlineMillis()
}

// Involves reports whether addr is the lender or the bound borrower.
func (l Loan) Involves(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	return l.Lender == addr || l.Borrower == addr
}

// Clone returns a deep copy of the loan.
func (l Loan) Clone() Loan {
	out := l
	out.Principal = cloneBigInt(l.Principal)
	out.PaybackAmount = cloneBigInt(l.PaybackAmount)
	out.CollateralAmount = cloneBigInt(l.CollateralAmount)
	return out
}

// Interest returns PaybackAmount minus Principal, or zero when either is unset.
func (l Loan) Interest() *big.Int {
	if l.Principal == nil || l.PaybackAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(l.PaybackAmount, l.Principal)
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
