// Package apr computes annualized returns over a position's ledger using integer arithmetic only.
package apr

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Constants for APR calculation.
const (
	SecondsPerYear        int64 = 31_557_600 // 365.25 days
	BasisPointsMultiplier int64 = 10_000
)

// ErrInvalidInput marks a contract violation of the APR math.
var ErrInvalidInput = errors.New("invalid apr input")

// Sample is the cost basis in effect from Timestamp until the next sample.
type Sample struct {
	Timestamp int64 // Unix milliseconds
	CostBasis *big.Int
}

// TimeWeightedCostBasis averages cost basis over time.
// Each sample is weighted by the milliseconds until the next one; the last
// sample only closes the window. A single sample is returned unweighted.
// Samples must be chronologically non-decreasing and span a non-zero duration.
func TimeWeightedCostBasis(samples []Sample) (*big.Int, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidInput)
	}
	for i, s := range samples {
		if s.CostBasis == nil {
			return nil, fmt.Errorf("%w: sample %d has nil cost basis", ErrInvalidInput, i)
		}
	}
	if len(samples) == 1 {
		return new(big.Int).Set(samples[0].CostBasis), nil
	}

	weighted := new(big.Int)
	for i := 0; i < len(samples)-1; i++ {
		dt := samples[i+1].Timestamp - samples[i].Timestamp
		if dt < 0 {
			return nil, fmt.Errorf("%w: sample %d at %d precedes sample %d at %d",
				ErrInvalidInput, i+1, samples[i+1].Timestamp, i, samples[i].Timestamp)
		}
		term := new(big.Int).Mul(samples[i].CostBasis, big.NewInt(dt))
		weighted.Add(weighted, term)
	}

	total := samples[len(samples)-1].Timestamp - samples[0].Timestamp
	if total <= 0 {
		return nil, fmt.Errorf("%w: samples span zero duration", ErrInvalidInput)
	}
	return weighted.Quo(weighted, big.NewInt(total)), nil
}

// CalculateAprBps returns floor(fee * secondsPerYear * 10000 / (costBasis * durationSeconds)).
func CalculateAprBps(feeValue, costBasis *big.Int, durationSeconds int64) (int64, error) {
	if feeValue == nil || feeValue.Sign() < 0 {
		return 0, fmt.Errorf("%w: fee value must be non-negative", ErrInvalidInput)
	}
	if costBasis == nil || costBasis.Sign() <= 0 {
		return 0, fmt.Errorf("%w: cost basis must be positive", ErrInvalidInput)
	}
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidInput, durationSeconds)
	}

	num := new(big.Int).Mul(feeValue, big.NewInt(SecondsPerYear))
	num.Mul(num, big.NewInt(BasisPointsMultiplier))
	den := new(big.Int).Mul(costBasis, big.NewInt(durationSeconds))
	// both operands are non-negative, so truncation is floor
	bps := num.Quo(num, den)
	if !bps.IsInt64() {
		return 0, fmt.Errorf("%w: apr of %s bps overflows", ErrInvalidInput, bps)
	}
	return bps.Int64(), nil
}

// BpsToPercent converts basis points to percent (1 bps = 0.01%).
func BpsToPercent(bps int64) decimal.Decimal {
	return decimal.New(bps, -2)
}

// PercentToBps converts percent to basis points, rounding half away from zero.
func PercentToBps(percent decimal.Decimal) int64 {
	return percent.Shift(2).Round(0).IntPart()
}
