package lifecycle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
)

// CanAccept reports whether caller may accept the offer.
func CanAccept(l loan.Loan, caller common.Address) bool {
	if caller == (common.Address{}) || l.Lender == caller {
		return false
	}
	return l.Available() && (l.OpenToAnyone() || l.Borrower == caller)
}

// CanRepay reports whether caller is the borrower of an outstanding loan.
func CanRepay(l loan.Loan, caller common.Address) bool {
	return caller != (common.Address{}) && l.Outstanding() && l.Borrower == caller
}

// CanCancel reports whether caller may withdraw the offer.
func CanCancel(l loan.Loan, caller common.Address) bool {
	return caller != (common.Address{}) && l.Available() && l.Lender == caller
}

// CanClaim gates collateral claims to the lender of an overdue loan. The
// controller itself does not enforce the overdue condition.
func CanClaim(l loan.Loan, caller common.Address, now time.Time) bool {
	return caller != (common.Address{}) && l.Lender == caller && l.Overdue(now)
}

// Flags bundles the presentation predicates for one loan.
type Flags struct {
	Overdue   bool `json:"overdue"`
	CanAccept bool `json:"can_accept"`
	CanRepay  bool `json:"can_repay"`
	CanCancel bool `json:"can_cancel"`
	CanClaim  bool `json:"can_claim"`
}

// Evaluate computes Flags for caller at now.
func Evaluate(l loan.Loan, caller common.Address, now time.Time) Flags {
	return Flags{
		Overdue:   l.Overdue(now),
		CanAccept: CanAccept(l, caller),
		CanRepay:  CanRepay(l, caller),
		CanCancel: CanCancel(l, caller),
		CanClaim:  CanClaim(l, caller, now),
	}
}
