package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point multiplier for prices and volumes (8 decimals).
// Comparisons and window sums stay exact in int64; floats never enter the pipeline.
const Scale = int64(100_000_000)

// ScaleDigits is log10(Scale).
const ScaleDigits = 8

// ParseFixed parses a plain decimal string into fixed point, truncating past 8 decimals.
func ParseFixed(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
		if s == "" {
			return 0, false
		}
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, false
	}

	var ip int64
	for i := 0; i < len(intPart); i++ {
		c := intPart[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		ip = ip*10 + int64(c-'0')
		if ip > (1<<62)/Scale {
			return 0, false
		}
	}

	fp := int64(0)
	digits := 0
	for i := 0; i < len(fracPart); i++ {
		c := fracPart[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		if digits < ScaleDigits {
			fp = fp*10 + int64(c-'0')
			digits++
		}
	}
	for digits < ScaleDigits {
		fp *= 10
		digits++
	}

	val := ip*Scale + fp
	if neg {
		val = -val
	}
	return val, true
}

// FormatFixed renders fixed point with trailing zeros trimmed ("1.0845").
func FormatFixed(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%08d", v/Scale, v%Scale)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if neg {
		return "-" + s
	}
	return s
}

// FixedFromDecimal converts a decimal, truncating past 8 decimals.
func FixedFromDecimal(d decimal.Decimal) int64 {
	return d.Shift(ScaleDigits).IntPart()
}

var (
	maxFixed = decimal.NewFromInt(math.MaxInt64)
	minFixed = decimal.NewFromInt(math.MinInt64)
)

// FixedFromDecimalChecked is FixedFromDecimal that reports false instead of
// wrapping when the scaled value does not fit in int64.
func FixedFromDecimalChecked(d decimal.Decimal) (int64, bool) {
	scaled := d.Shift(ScaleDigits).Truncate(0)
	if scaled.GreaterThan(maxFixed) || scaled.LessThan(minFixed) {
		return 0, false
	}
	return scaled.IntPart(), true
}

// DecimalFromFixed is the inverse of FixedFromDecimal.
func DecimalFromFixed(v int64) decimal.Decimal {
	return decimal.New(v, -ScaleDigits)
}
