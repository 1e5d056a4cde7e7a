// Package money provides shared parsing, formatting, and fee arithmetic for
// monetary amounts.
//
// Amounts use 2 decimal places and are held as big.Int in minor units
// (1.00 = 100 units). All arithmetic happens on minor units so that
// fee + net == amount holds exactly, with no floating-point drift.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "200.00") to its minor-unit
// big.Int representation (20000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 2 digits are rejected, shorter ones
//     are zero-padded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a minor-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "195.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Split divides an amount into a platform fee and a net remainder.
// The fee is amount * feeBps / 10000, truncated toward zero, so
// fee + net always equals amount exactly.
func Split(amount *big.Int, feeBps int) (fee, net *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(10000))
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}
