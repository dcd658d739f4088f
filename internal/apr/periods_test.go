package apr

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-ledger/internal/domain"
)

const day = int64(86_400_000)

type ledgerBuilder struct {
	events []*domain.LedgerEvent
}

func (b *ledgerBuilder) add(eventType domain.EventType, ts int64, costBasis int64, fee int64) *ledgerBuilder {
	e := &domain.LedgerEvent{
		ID:             fmt.Sprintf("e%d", len(b.events)),
		EventType:      eventType,
		Timestamp:      ts,
		CostBasisAfter: big.NewInt(costBasis),
	}
	if fee > 0 {
		e.Rewards = []domain.Reward{{TokenSymbol: "USDC", Amount: big.NewInt(fee), Value: big.NewInt(fee)}}
	}
	b.events = append(b.events, e)
	return b
}

func TestBuildPeriods_SplitsAtCollects(t *testing.T) {
	year := SecondsPerYear * 1000
	b := &ledgerBuilder{}
	b.add(domain.EventTypeIncreasePosition, 0, 10_000, 0).
		add(domain.EventTypeCollect, year, 10_000, 1_000).
		add(domain.EventTypeCollect, 2*year, 10_000, 500).
		add(domain.EventTypeIncreasePosition, 2*year+day, 20_000, 0)

	periods, err := BuildPeriods("pos-1", b.events)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	p0 := periods[0]
	assert.Equal(t, "pos-1", p0.PositionID)
	assert.Equal(t, "e0", p0.StartEventID)
	assert.Equal(t, "e1", p0.EndEventID)
	assert.Equal(t, SecondsPerYear, p0.DurationSeconds)
	assert.Equal(t, 2, p0.EventCount)
	assert.Equal(t, int64(10_000), p0.CostBasis.Int64())
	assert.Equal(t, int64(1_000), p0.CollectedFeeValue.Int64())
	assert.Equal(t, int64(1000), p0.AprBps)

	// boundary collect is shared and its fee belongs only to the period it closes
	p1 := periods[1]
	assert.Equal(t, "e1", p1.StartEventID)
	assert.Equal(t, "e2", p1.EndEventID)
	assert.Equal(t, int64(500), p1.CollectedFeeValue.Int64())
	assert.Equal(t, int64(500), p1.AprBps)
}

func TestBuildPeriods_TimeWeightsCostBasis(t *testing.T) {
	b := &ledgerBuilder{}
	b.add(domain.EventTypeIncreasePosition, 0, 1_000, 0).
		add(domain.EventTypeIncreasePosition, day, 3_000, 0).
		add(domain.EventTypeCollect, 4*day, 3_000, 10)

	periods, err := BuildPeriods("pos-1", b.events)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	// (1000*1d + 3000*3d) / 4d
	assert.Equal(t, int64(2_500), periods[0].CostBasis.Int64())
	assert.Equal(t, 3, periods[0].EventCount)
	assert.Equal(t, int64(4*86_400), periods[0].DurationSeconds)
}

func TestBuildPeriods_SameTimestampCollectDoesNotClose(t *testing.T) {
	b := &ledgerBuilder{}
	b.add(domain.EventTypeIncreasePosition, 1_000, 100, 0).
		add(domain.EventTypeCollect, 1_000, 100, 5).
		add(domain.EventTypeCollect, 1_000+day, 100, 7)

	periods, err := BuildPeriods("pos-1", b.events)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, "e2", periods[0].EndEventID)
	assert.Equal(t, int64(12), periods[0].CollectedFeeValue.Int64())
}

func TestBuildPeriods_NoClosingCollect(t *testing.T) {
	b := &ledgerBuilder{}
	b.add(domain.EventTypeIncreasePosition, 0, 100, 0).
		add(domain.EventTypeDecreasePosition, day, 50, 0)

	periods, err := BuildPeriods("pos-1", b.events)
	require.NoError(t, err)
	assert.Empty(t, periods)

	periods, err = BuildPeriods("pos-1", nil)
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestBuildPeriods_ZeroCostBasisYieldsZeroApr(t *testing.T) {
	b := &ledgerBuilder{}
	b.add(domain.EventTypeDecreasePosition, 0, 0, 0).
		add(domain.EventTypeCollect, day, 0, 50)

	periods, err := BuildPeriods("pos-1", b.events)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, int64(0), periods[0].AprBps)
	assert.Equal(t, int64(50), periods[0].CollectedFeeValue.Int64())
}

func TestBuildPeriods_RejectsDisorderedTimestamps(t *testing.T) {
	b := &ledgerBuilder{}
	b.add(domain.EventTypeIncreasePosition, day, 100, 0).
		add(domain.EventTypeCollect, 0, 100, 1)

	_, err := BuildPeriods("pos-1", b.events)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSummary(t *testing.T) {
	periods := []*domain.AprPeriod{
		{DurationSeconds: 100, AprBps: 1000, CollectedFeeValue: big.NewInt(3)},
		{DurationSeconds: 300, AprBps: 200, CollectedFeeValue: big.NewInt(4)},
	}

	s := Summary(periods)
	assert.Equal(t, 2, s.Periods)
	assert.Equal(t, int64(400), s.TotalDurationSeconds)
	assert.Equal(t, int64(7), s.TotalFeeValue.Int64())
	// (1000*100 + 200*300) / 400
	assert.Equal(t, int64(400), s.WeightedAprBps)

	empty := Summary(nil)
	assert.Equal(t, int64(0), empty.WeightedAprBps)
}
