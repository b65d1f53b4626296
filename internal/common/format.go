package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NanosPerTON is the fixed-point scale: all internal amounts are int64
// nanotons, converted to decimal TON strings only at the API edge.
const NanosPerTON = 1_000_000_000

var nanosPerTON = decimal.NewFromInt(NanosPerTON)

// ParseTON converts a decimal TON amount string ("1.5") into nanotons.
// Rejects negative amounts and precision finer than one nanoton.
func ParseTON(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", s)
	}
	nano := d.Mul(nanosPerTON)
	if !nano.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-nanoton precision", s)
	}
	if !nano.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return nano.IntPart(), nil
}

// FormatNano renders nanotons as a decimal TON string without trailing zeros.
func FormatNano(nano int64) string {
	return decimal.NewFromInt(nano).Div(nanosPerTON).String()
}

// PercentToBps converts a percentage ("2.5") to basis points (250).
func PercentToBps(percent string) (int64, error) {
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", percent, err)
	}
	bps := d.Mul(decimal.NewFromInt(100))
	if !bps.IsInteger() {
		return 0, fmt.Errorf("percentage %q finer than a basis point", percent)
	}
	return bps.IntPart(), nil
}
