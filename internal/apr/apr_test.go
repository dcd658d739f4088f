package apr

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestCalculateAprBps_OneYear(t *testing.T) {
	bps, err := CalculateAprBps(usdc(1000), usdc(10000), SecondsPerYear)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bps)
}

func TestCalculateAprBps(t *testing.T) {
	tests := []struct {
		name     string
		fee      *big.Int
		basis    *big.Int
		duration int64
		want     int64
	}{
		{"half year doubles", usdc(500), usdc(10000), SecondsPerYear / 2, 1000},
		{"zero fee", big.NewInt(0), usdc(10000), 86400, 0},
		{"floors", big.NewInt(1), big.NewInt(3), SecondsPerYear, 3333},
		{"one day", usdc(10), usdc(10000), 86400, 3652},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateAprBps(tt.fee, tt.basis, tt.duration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateAprBps_Rejects(t *testing.T) {
	_, err := CalculateAprBps(usdc(1), big.NewInt(0), SecondsPerYear)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CalculateAprBps(usdc(1), big.NewInt(-1), SecondsPerYear)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CalculateAprBps(usdc(1), usdc(1), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CalculateAprBps(usdc(1), usdc(1), -10)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CalculateAprBps(big.NewInt(-1), usdc(1), SecondsPerYear)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CalculateAprBps(nil, usdc(1), SecondsPerYear)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTimeWeightedCostBasis(t *testing.T) {
	// 100 for 1s, 300 for 3s -> (100*1000 + 300*3000) / 4000 = 250
	got, err := TimeWeightedCostBasis([]Sample{
		{Timestamp: 0, CostBasis: big.NewInt(100)},
		{Timestamp: 1000, CostBasis: big.NewInt(300)},
		{Timestamp: 4000, CostBasis: big.NewInt(999)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.Int64())
}

func TestTimeWeightedCostBasis_Truncates(t *testing.T) {
	// (1*1 + 2*2) / 3 = 1.66 -> 1
	got, err := TimeWeightedCostBasis([]Sample{
		{Timestamp: 0, CostBasis: big.NewInt(1)},
		{Timestamp: 1, CostBasis: big.NewInt(2)},
		{Timestamp: 3, CostBasis: big.NewInt(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Int64())
}

func TestTimeWeightedCostBasis_SingleSample(t *testing.T) {
	got, err := TimeWeightedCostBasis([]Sample{{Timestamp: 5, CostBasis: big.NewInt(42)}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Int64())
}

func TestTimeWeightedCostBasis_Rejects(t *testing.T) {
	_, err := TimeWeightedCostBasis(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = TimeWeightedCostBasis([]Sample{
		{Timestamp: 10, CostBasis: big.NewInt(1)},
		{Timestamp: 5, CostBasis: big.NewInt(1)},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = TimeWeightedCostBasis([]Sample{
		{Timestamp: 10, CostBasis: big.NewInt(1)},
		{Timestamp: 10, CostBasis: big.NewInt(2)},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = TimeWeightedCostBasis([]Sample{{Timestamp: 10}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBpsPercentConversion(t *testing.T) {
	assert.True(t, BpsToPercent(1234).Equal(decimal.RequireFromString("12.34")))
	assert.True(t, BpsToPercent(-5).Equal(decimal.RequireFromString("-0.05")))

	assert.Equal(t, int64(1234), PercentToBps(decimal.RequireFromString("12.34")))
	assert.Equal(t, int64(1235), PercentToBps(decimal.RequireFromString("12.345")))
	assert.Equal(t, int64(1234), PercentToBps(decimal.RequireFromString("12.3449")))
	assert.Equal(t, int64(1000), PercentToBps(BpsToPercent(1000)))
}
