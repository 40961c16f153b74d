/*
This file contains common utility functions for ledger arithmetic on SDK integers,
particularly floor-rounded proportional conversions and parsing of user supplied amounts.
*/

package utils

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling
var (
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrConversionFailed = errors.New("conversion failed")
	ErrAmountOverflow   = errors.New("amount exceeds 256 bits")
)

// MulDiv returns floor(a * b / c) for non-negative operands.
// The product is computed on big.Int; only a result wider than 256 bits is an error.
func MulDiv(a, b, c sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() || c.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if a.IsNegative() || b.IsNegative() || c.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	if c.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}

	product := new(big.Int).Mul(a.BigInt(), b.BigInt())
	result := product.Quo(product, c.BigInt())
	if result.BitLen() > sdkmath.MaxBitLen {
		return sdkmath.ZeroInt(), ErrAmountOverflow
	}
	return sdkmath.NewIntFromBigInt(result), nil
}

// CheckedAdd returns a + b, or ErrAmountOverflow where Int.Add would panic.
func CheckedAdd(a, b sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	sum := new(big.Int).Add(a.BigInt(), b.BigInt())
	if sum.BitLen() > sdkmath.MaxBitLen {
		return sdkmath.ZeroInt(), ErrAmountOverflow
	}
	return sdkmath.NewIntFromBigInt(sum), nil
}

// MustMulDiv is MulDiv for call sites that have already validated their operands.
func MustMulDiv(a, b, c sdkmath.Int) sdkmath.Int {
	result, err := MulDiv(a, b, c)
	if err != nil {
		panic(fmt.Sprintf("muldiv %s*%s/%s: %v", a, b, c, err))
	}
	return result
}

// SaturatingSub returns a - b, or zero when b exceeds a.
func SaturatingSub(a, b sdkmath.Int) sdkmath.Int {
	if b.GTE(a) {
		return sdkmath.ZeroInt()
	}
	return a.Sub(b)
}

// ParseAmount parses a base-10 non-negative integer amount.
func ParseAmount(s string) (sdkmath.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	amount, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %q is not an integer", ErrConversionFailed, s)
	}
	if amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return amount, nil
}

// ParseSignedAmount parses a base-10 integer that may be negative (cumulative rewards).
func ParseSignedAmount(s string) (sdkmath.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	amount, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %q is not an integer", ErrConversionFailed, s)
	}
	return amount, nil
}
