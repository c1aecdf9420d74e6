package model

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MaxAssetNameLen is the fixed width of an asset identifier in bytes.
const MaxAssetNameLen = 32

// ValidateAssetName checks an asset identifier fits the fixed-size slot.
func ValidateAssetName(name string) error {
	if name == "" || len(name) > MaxAssetNameLen {
		return errors.Wrapf(ErrValueMismatch, "asset name %q must be 1..%d bytes", name, MaxAssetNameLen)
	}
	return nil
}

// ValidateAmount checks a value is a non-negative integer in the implicit unit.
func ValidateAmount(a decimal.Decimal) error {
	if a.IsNegative() {
		return errors.Wrapf(ErrValueMismatch, "amount %s is negative", a)
	}
	if !a.Equal(a.Truncate(0)) {
		return errors.Wrapf(ErrValueMismatch, "amount %s is not an integer", a)
	}
	return nil
}

// ValidatePrice checks a price is a positive integer. Prices are divisors in
// the return formula so zero is rejected.
func ValidatePrice(p decimal.Decimal) error {
	if err := ValidateAmount(p); err != nil {
		return err
	}
	if p.IsZero() {
		return errors.Wrap(ErrValueMismatch, "price must be positive")
	}
	return nil
}

// WeightDecimal converts an unsigned weight without going through int64.
func WeightDecimal(w uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(w), 0)
}
