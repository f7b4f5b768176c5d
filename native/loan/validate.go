package loan

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CreateParams are the lender supplied terms for a new offer.
type CreateParams struct {
	// Borrower restricts the offer to a single account. Nil leaves the offer
	// open to anyone.
	Borrower   *common.Address
	Principal  *big.Int
	Payback    *big.Int
	DueDays    int64
	PreSigned  bool
	Collateral *big.Int
}

// BorrowerOrZero returns the bound borrower or the zero address.
func (p CreateParams) BorrowerOrZero() common.Address {
	if p.Borrower == nil {
		return common.Address{}
	}
	return *p.Borrower
}

// Validate enforces the creation invariants: positive principal, positive
// interest, a positive term and non-negative collateral, all within uint256.
func (p CreateParams) Validate() error {
	if p.Principal == nil || p.Principal.Sign() <= 0 {
		return fmt.Errorf("principal must be positive: %w", ErrInvalidAmount)
	}
	if p.Payback == nil || p.Payback.Cmp(p.Principal) <= 0 {
		return ErrInvalidPayback
	}
	if p.DueDays <= 0 {
		return ErrInvalidDueDays
	}
	if p.Collateral == nil || p.Collateral.Sign() < 0 {
		return fmt.Errorf("collateral must be non-negative: %w", ErrInvalidAmount)
	}
	for _, v := range []*big.Int{p.Principal, p.Payback, p.Collateral} {
		if !FitsUint256(v) {
			return ErrAmountOverflow
		}
	}
	return nil
}

// CreateRequest is the string form of CreateParams as entered by an operator.
type CreateRequest struct {
	Borrower   string `json:"borrower"`
	Amount     string `json:"amount"`
	Payback    string `json:"payback_amount"`
	DueDays    int64  `json:"due_days"`
	PreSigned  bool   `json:"pre_signed"`
	Collateral string `json:"collateral_amount"`
}

// Params parses the request into CreateParams. Amounts are ether decimals. A
// non-empty borrower must be a well-formed address.
func (r CreateRequest) Params() (CreateParams, error) {
	var params CreateParams
	if r.Borrower != "" {
		addr, err := ParseAddress(r.Borrower)
		if err != nil {
			return CreateParams{}, fmt.Errorf("borrower: %w", err)
		}
		params.Borrower = &addr
	}
	var err error
	if params.Principal, err = ParseEther(r.Amount); err != nil {
		return CreateParams{}, fmt.Errorf("amount: %w", err)
	}
	if params.Payback, err = ParseEther(r.Payback); err != nil {
		return CreateParams{}, fmt.Errorf("payback: %w", err)
	}
	if params.Collateral, err = ParseEther(r.Collateral); err != nil {
		return CreateParams{}, fmt.Errorf("collateral: %w", err)
	}
	params.DueDays = r.DueDays
	params.PreSigned = r.PreSigned
	return params, nil
}
