package apr

import (
	"fmt"
	"math/big"

	"position-ledger/internal/domain"
)

// BuildPeriods partitions an ordered ledger into APR periods.
//
// A period starts at the first event, or at the collect that closed the previous
// period, and closes at the first later collect with a strictly later timestamp.
// Fees are the rewards of collects after the start event, up to and including
// the closing one. Events after the last closing collect form no period.
// A period with zero cost basis or less than one second of duration has AprBps 0.
func BuildPeriods(positionID string, events []*domain.LedgerEvent) ([]*domain.AprPeriod, error) {
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			return nil, fmt.Errorf("%w: ledger event %s at %d precedes %s at %d",
				ErrInvalidInput, events[i].ID, events[i].Timestamp, events[i-1].ID, events[i-1].Timestamp)
		}
	}

	var periods []*domain.AprPeriod
	start := 0
	for j := 1; j < len(events); j++ {
		e := events[j]
		if e.EventType != domain.EventTypeCollect || e.Timestamp <= events[start].Timestamp {
			continue
		}
		p, err := buildPeriod(positionID, events[start:j+1])
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
		start = j
	}
	return periods, nil
}

func buildPeriod(positionID string, window []*domain.LedgerEvent) (*domain.AprPeriod, error) {
	first, last := window[0], window[len(window)-1]

	samples := make([]Sample, len(window))
	fees := new(big.Int)
	for i, e := range window {
		samples[i] = Sample{Timestamp: e.Timestamp, CostBasis: costBasisOf(e)}
		if i > 0 && e.EventType == domain.EventTypeCollect {
			fees.Add(fees, e.RewardValue())
		}
	}

	costBasis, err := TimeWeightedCostBasis(samples)
	if err != nil {
		return nil, fmt.Errorf("period %s..%s: %w", first.ID, last.ID, err)
	}

	durationSeconds := (last.Timestamp - first.Timestamp) / 1000
	var bps int64
	if costBasis.Sign() > 0 && durationSeconds > 0 {
		bps, err = CalculateAprBps(fees, costBasis, durationSeconds)
		if err != nil {
			return nil, fmt.Errorf("period %s..%s: %w", first.ID, last.ID, err)
		}
	}

	return &domain.AprPeriod{
		PositionID:        positionID,
		StartEventID:      first.ID,
		EndEventID:        last.ID,
		StartTimestamp:    first.Timestamp,
		EndTimestamp:      last.Timestamp,
		DurationSeconds:   durationSeconds,
		EventCount:        len(window),
		CostBasis:         costBasis,
		CollectedFeeValue: fees,
		AprBps:            bps,
	}, nil
}

func costBasisOf(e *domain.LedgerEvent) *big.Int {
	if e.CostBasisAfter == nil {
		return new(big.Int)
	}
	return e.CostBasisAfter
}

// PeriodSummary aggregates a position's periods.
type PeriodSummary struct {
	Periods              int
	TotalDurationSeconds int64
	TotalFeeValue        *big.Int
	WeightedAprBps       int64 // duration-weighted mean of period AprBps
}

// Summary returns the duration-weighted APR across periods.
func Summary(periods []*domain.AprPeriod) PeriodSummary {
	s := PeriodSummary{Periods: len(periods), TotalFeeValue: new(big.Int)}
	weighted := new(big.Int)
	for _, p := range periods {
		s.TotalDurationSeconds += p.DurationSeconds
		if p.CollectedFeeValue != nil {
			s.TotalFeeValue.Add(s.TotalFeeValue, p.CollectedFeeValue)
		}
		term := new(big.Int).Mul(big.NewInt(p.AprBps), big.NewInt(p.DurationSeconds))
		weighted.Add(weighted, term)
	}
	if s.TotalDurationSeconds > 0 {
		s.WeightedAprBps = weighted.Quo(weighted, big.NewInt(s.TotalDurationSeconds)).Int64()
	}
	return s
}
