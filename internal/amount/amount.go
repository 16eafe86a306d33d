// Package amount provides overflow-checked arithmetic for token amounts.
//
// Amounts are big.Int values constrained to the signed 128-bit range, in
// the asset's smallest unit. Every operation that can leave the range
// returns ErrOverflow instead of wrapping.
package amount

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// Max is the largest representable amount (2^127 - 1).
	Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	// Min is the smallest representable amount (-2^127).
	Min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// ErrOverflow is returned when a result does not fit in 128 signed bits.
var ErrOverflow = errors.New("amount: overflow")

// Zero returns a fresh zero amount.
func Zero() *big.Int { return new(big.Int) }

// Of returns v as an amount.
func Of(v int64) *big.Int { return big.NewInt(v) }

// InRange reports whether x fits in the signed 128-bit range.
func InRange(x *big.Int) bool {
	return x != nil && x.Cmp(Min) >= 0 && x.Cmp(Max) <= 0
}

// Positive reports whether x > 0.
func Positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }

// Negative reports whether x < 0.
func Negative(x *big.Int) bool { return x != nil && x.Sign() < 0 }

func checked(r *big.Int) (*big.Int, error) {
	if !InRange(r) {
		return nil, ErrOverflow
	}
	return r, nil
}

// Add returns a + b.
func Add(a, b *big.Int) (*big.Int, error) {
	return checked(new(big.Int).Add(a, b))
}

// Sub returns a - b.
func Sub(a, b *big.Int) (*big.Int, error) {
	return checked(new(big.Int).Sub(a, b))
}

// Mul returns a * b.
func Mul(a, b *big.Int) (*big.Int, error) {
	return checked(new(big.Int).Mul(a, b))
}

// SaturatingAdd returns total + x, or a copy of total when the sum
// overflows.
func SaturatingAdd(total, x *big.Int) *big.Int {
	if r, err := Add(total, x); err == nil {
		return r
	}
	return new(big.Int).Set(total)
}

// Parse reads a base-10 integer amount in smallest units ("-5", "1500000").
// Returns (nil, false) on malformed input or when the value is out of range.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !InRange(v) {
		return nil, false
	}
	return v, true
}

// ParseDecimal converts a human-readable decimal ("1.50") into smallest
// units for an asset with the given number of decimals. Digits beyond the
// asset precision are truncated.
func ParseDecimal(s string, decimals int32) (*big.Int, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, false
	}
	v := d.Shift(decimals).Truncate(0).BigInt()
	if !InRange(v) {
		return nil, false
	}
	return v, true
}

// Format renders x with exactly decimals fractional digits ("1.500000").
func Format(x *big.Int, decimals int32) string {
	if x == nil {
		x = Zero()
	}
	return decimal.NewFromBigInt(x, -decimals).StringFixed(decimals)
}

// String renders x in smallest units, "0" for nil.
func String(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
