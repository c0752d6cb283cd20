// Package money holds the amount arithmetic shared by workers and the
// solver: continuous demurrage and principal overflow clamping.
package money

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SecondsInYear = 365.25 * 24 * 60 * 60

	MaxInt64 = math.MaxInt64
	MinInt64 = -math.MaxInt64
)

var (
	maxPrincipal = decimal.NewFromInt(MaxInt64)
	minPrincipal = decimal.NewFromInt(MinInt64)
)

// RateCoefficient converts an annual interest rate in percents into the
// continuous per-second coefficient k(r) = ln(1 + r/100) / SecondsInYear.
func RateCoefficient(rate float64) float64 {
	return math.Log(1+rate/100) / SecondsInYear
}

// CalcDemurrage returns the fraction of an amount that remains after the
// given interval under a negative interest rate. The result is within
// [0, 1]; non-negative rates never increase the amount.
func CalcDemurrage(rate float64, interval time.Duration) float64 {
	if interval <= 0 {
		return 1
	}
	if rate <= -100 {
		return 0
	}
	k := RateCoefficient(rate)
	return math.Min(math.Exp(k*interval.Seconds()), 1)
}

// ContainPrincipalOverflow clamps an exact amount to ±(2⁶³−1).
func ContainPrincipalOverflow(value decimal.Decimal) int64 {
	if value.GreaterThan(maxPrincipal) {
		return MaxInt64
	}
	if value.LessThan(minPrincipal) {
		return MinInt64
	}
	return value.IntPart()
}

// ContainFloat clamps a float amount to ±(2⁶³−1) and truncates it toward
// negative infinity.
func ContainFloat(value float64) int64 {
	if math.IsNaN(value) {
		return 0
	}
	return ContainPrincipalOverflow(decimal.NewFromFloat(math.Floor(value)))
}

// CeilDiv returns ceil(amount / factor) clamped to the principal range.
// A zero factor yields MaxInt64.
func CeilDiv(amount int64, factor float64) int64 {
	if factor <= 0 {
		return MaxInt64
	}
	q := decimal.NewFromInt(amount).Div(decimal.NewFromFloat(factor)).Ceil()
	return ContainPrincipalOverflow(q)
}

// FloorMul returns floor(amount * factor) clamped to the principal range.
func FloorMul(amount int64, factor float64) int64 {
	p := decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(factor)).Floor()
	return ContainPrincipalOverflow(p)
}

// AddAmounts adds two principals without overflowing.
func AddAmounts(a, b int64) int64 {
	return ContainPrincipalOverflow(decimal.NewFromInt(a).Add(decimal.NewFromInt(b)))
}
