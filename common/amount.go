package common

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

const (
	// Both BTC and ZEC use 8 decimal places.
	SatoshiDecimals = 8
)

var (
	ErrNonPositiveAmount = errors.New("amount must be greater than 0")
	ErrAmountTooPrecise  = errors.New("amount has more than 8 decimal places")
)

// ParseAmount parses a positive decimal amount such as "0.5".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	return d, nil
}

// ToSatoshi converts whole units to satoshi (zatoshi for ZEC) without rounding.
func ToSatoshi(amount decimal.Decimal) (btcutil.Amount, error) {
	shifted := amount.Shift(SatoshiDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrAmountTooPrecise
	}
	return btcutil.Amount(shifted.IntPart()), nil
}

func FromSatoshi(a btcutil.Amount) decimal.Decimal {
	return decimal.New(int64(a), -SatoshiDecimals)
}
