package loan

import "errors"

var (
	ErrInvalidAmount   = errors.New("loan: invalid amount")
	ErrInvalidPayback  = errors.New("loan: payback amount must exceed principal")
	ErrInvalidDueDays  = errors.New("loan: due days must be positive")
	ErrInvalidAddress  = errors.New("loan: invalid address")
	ErrAmountOverflow  = errors.New("loan: amount exceeds uint256")
	ErrInvalidDecimals = errors.New("loan: too many decimal places")
)
