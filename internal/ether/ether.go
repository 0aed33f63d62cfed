// Package ether converts between the human unit used by every policy and
// rule (ether, as decimal.Decimal) and the chain's base units (wei, gwei).
//
// Amounts are compared only in ether. Wei appear only at the chain
// boundary: balances are converted with FromWei before any rule sees them,
// and transfer values are converted with ToWei right before signing.
package ether

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of wei decimal places in one ether.
const Decimals = 18

// GweiDecimals is the number of wei decimal places in one gwei.
const GweiDecimals = 9

var (
	ErrEmptyAmount    = errors.New("ether: empty amount")
	ErrInvalidAmount  = errors.New("ether: invalid amount")
	ErrTooManyDigits  = errors.New("ether: more than 18 fractional digits")
	ErrNegativeAmount = errors.New("ether: negative amount")
)

// Parse converts a decimal string (e.g. "1.5") to an ether amount.
// Zero and negative values parse successfully; the amount policy rejects
// them with a precise reason. More than 18 fractional digits is an error
// because the value would not be representable in wei.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmptyAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if -d.Exponent() > Decimals {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrTooManyDigits, s)
	}
	return d, nil
}

// ToWei converts a non-negative ether amount to wei.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	wei := amount.Shift(Decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, ErrTooManyDigits
	}
	return wei.BigInt(), nil
}

// FromWei converts a wei amount to ether. A nil amount is zero.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -Decimals)
}

// ToGwei converts a wei amount (typically a gas price) to gwei.
func ToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -GweiDecimals)
}

// Format renders an ether amount with four decimal places, the precision
// the dashboard shows balances with.
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(4)
}
