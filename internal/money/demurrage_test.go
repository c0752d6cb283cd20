package money

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const day = 24 * time.Hour

func TestCalcDemurrage(t *testing.T) {
	assert.Equal(t, 1.0, CalcDemurrage(-50, 0))
	assert.Equal(t, 1.0, CalcDemurrage(-50, -time.Hour))
	assert.Equal(t, 0.0, CalcDemurrage(-100, time.Second))
	assert.Equal(t, 0.0, CalcDemurrage(-100, 365*day))
	assert.Equal(t, 1.0, CalcDemurrage(0, 365*day))
	assert.Equal(t, 1.0, CalcDemurrage(10, 365*day))

	assert.InDelta(t, 0.5, CalcDemurrage(-50, time.Duration(SecondsInYear)*time.Second), 1e-9)
	assert.InDelta(t, 0.944658, CalcDemurrage(-50, 30*day), 1e-6)
}

func TestRepricingUnderWorstDemurrage(t *testing.T) {
	worst := CalcDemurrage(-50, 30*day)

	assert.Equal(t, int64(1039), FloorMul(1100, worst))
	assert.Equal(t, int64(1059), CeilDiv(1000, worst))
}

func TestContainPrincipalOverflow(t *testing.T) {
	twoTo63 := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 63), 0)

	assert.Equal(t, int64(-math.MaxInt64), ContainPrincipalOverflow(twoTo63.Neg()))
	assert.Equal(t, int64(math.MaxInt64), ContainPrincipalOverflow(twoTo63))
	assert.Equal(t, int64(-5), ContainPrincipalOverflow(decimal.NewFromInt(-5)))
}

func TestAmountHelpers(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), AddAmounts(math.MaxInt64, 1))
	assert.Equal(t, int64(-math.MaxInt64), AddAmounts(-math.MaxInt64, -10))
	assert.Equal(t, int64(math.MaxInt64), CeilDiv(10, 0))
	assert.Equal(t, int64(0), ContainFloat(math.NaN()))
	assert.Equal(t, int64(math.MaxInt64), ContainFloat(1e30))
	assert.Equal(t, int64(-3), ContainFloat(-2.5))
}
