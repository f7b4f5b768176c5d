package loan

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimal places between ether and wei.
const EtherDecimals = 18

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20 byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ParseAddress validates and decodes a hex address.
func ParseAddress(s string) (common.Address, error) {
	trimmed := strings.TrimSpace(s)
	if !IsAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return common.HexToAddress(trimmed), nil
}

// FitsUint256 reports whether v is non-negative and representable as a uint256.
func FitsUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// ParseEther converts a decimal ether string into wei. Empty input parses as
// zero. Negative values are returned as-is so callers can apply their own
// sign rules.
func ParseEther(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, ErrInvalidAmount)
	}
	shifted := d.Shift(EtherDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("parse %q: %w", s, ErrInvalidDecimals)
	}
	return shifted.BigInt(), nil
}

// FormatEther renders a wei amount as a decimal ether string without trailing
// zeros. A nil amount renders as "0".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals).String()
}
