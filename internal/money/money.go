// Package money implements the engine's only numeric type for currency:
// fixed-point integer micros (1 unit = 1e-6 of the display currency).
//
// No floating-point type ever represents an amount that touches the
// ledger. Conversion to a decimal display string happens only at the
// API boundary, and that conversion is the sole place rounding occurs.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Micros is an amount of money in fixed-point micro-units.
type Micros int64

// PerUnit is the number of Micros in one display-currency unit.
const PerUnit Micros = 1_000_000

var (
	// ErrInvalidScale is returned when a decimal string carries more than
	// four fractional digits, or isn't a plain decimal number at all.
	ErrInvalidScale = errors.New("money: more than 4 fractional digits or not a plain decimal")
	ErrNegative     = errors.New("money: negative amount")
	ErrEmpty        = errors.New("money: empty amount string")
)

// ParseDecimalString converts a decimal string such as "0.5000" into
// Micros. At most 4 fractional digits are accepted (the API's
// contracted precision); exponents, signs other than a single leading
// '-', "NaN", and "Inf" are all rejected as INVALID_MONEY_SCALE.
func ParseDecimalString(s string) (Micros, error) {
	if s == "" {
		return 0, ErrEmpty
	}
	for _, r := range s {
		if r != '.' && r != '-' && (r < '0' || r > '9') {
			return 0, ErrInvalidScale
		}
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, ErrInvalidScale
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") {
		return 0, ErrInvalidScale
	}
	if intPart == "" {
		intPart = "0"
	}
	if hasDot && len(fracPart) > 4 {
		return 0, ErrInvalidScale
	}
	// fracPart carries at most 4 significant digits (validated above);
	// pad it out to 6 so the concatenated digit string is a whole count
	// of micros (PerUnit is 1e6, i.e. 6 fractional digits).
	for len(fracPart) < 6 {
		fracPart += "0"
	}

	digits := intPart + fracPart
	val, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScale, err)
	}
	if neg {
		val = -val
	}
	if val < 0 {
		return 0, ErrNegative
	}
	return Micros(val), nil
}

// String renders Micros as a 4-decimal display string, half-up rounded.
// Values produced by ParseDecimalString are whole multiples of 100
// micros and convert losslessly; other values, such as a minimum fee
// computed from a reservation, are rounded to 4 decimals.
func (m Micros) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	whole := v / int64(PerUnit)
	frac := v % int64(PerUnit)
	// Round the 6-digit micro remainder to 4 display digits, half-up.
	frac = (frac + 50) / 100
	if frac == 10000 {
		frac = 0
		whole++
	}
	sign := ""
	if neg && (whole != 0 || frac != 0) {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%04d", sign, whole, frac)
}

// Clamp returns v bounded to [lo, hi].
func Clamp(v, lo, hi Micros) Micros {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MinimumFee computes clamp(reserved * rate, floor, ceiling), flooring
// the product to the nearest whole micro.
func MinimumFee(reserved Micros, rate float64, floor, ceiling Micros) Micros {
	product := int64(float64(reserved) * rate) // truncation == floor for non-negative inputs
	return Clamp(Micros(product), floor, ceiling)
}
