// Package reporting renders position ledger and APR period reports.
package reporting

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"position-ledger/internal/apr"
	"position-ledger/internal/domain"
	"position-ledger/internal/ledger"
)

// Report represents one position's ledger report.
type Report struct {
	GeneratedAt time.Time

	Position PositionSummary
	Ledger   LedgerSummary

	// Periods, ordered by start timestamp
	Periods            []PeriodRow
	WeightedAprPercent string

	// Chain verification failures; empty for a healthy ledger
	IntegrityErrors []string
}

// PositionSummary describes the reported position.
type PositionSummary struct {
	ID          string
	ChainID     int64
	NFTID       string
	PoolID      string
	Pair        string // BASE/QUOTE
	QuoteSymbol string
}

// LedgerSummary contains running totals after the last event.
// Values are formatted in whole quote tokens.
type LedgerSummary struct {
	Events      int
	Increases   int
	Decreases   int
	Collects    int
	FirstBlock  uint64
	LastBlock   uint64
	Liquidity   string
	CostBasis   string
	RealizedPnl string
	TotalFees   string
}

// PeriodRow represents one row in the periods table.
type PeriodRow struct {
	StartEventID    string
	EndEventID      string
	StartTimestamp  int64 // Unix ms
	EndTimestamp    int64 // Unix ms
	DurationSeconds int64
	EventCount      int
	CostBasis       string
	Fees            string
	AprBps          int64
	AprPercent      string
}

// Build assembles a report from a position's ordered ledger and periods.
func Build(p *domain.Position, events []*domain.LedgerEvent, periods []*domain.AprPeriod, generatedAt time.Time) *Report {
	quoteDecimals := p.QuoteToken().Decimals
	r := &Report{
		GeneratedAt: generatedAt,
		Position: PositionSummary{
			ID:          p.ID,
			ChainID:     p.ChainID,
			NFTID:       p.NFTID,
			PoolID:      p.PoolID,
			Pair:        p.BaseToken().Symbol + "/" + p.QuoteToken().Symbol,
			QuoteSymbol: p.QuoteToken().Symbol,
		},
	}

	fees := new(big.Int)
	for _, e := range events {
		switch e.EventType {
		case domain.EventTypeIncreasePosition:
			r.Ledger.Increases++
		case domain.EventTypeDecreasePosition:
			r.Ledger.Decreases++
		case domain.EventTypeCollect:
			r.Ledger.Collects++
			fees.Add(fees, e.RewardValue())
		}
	}
	r.Ledger.Events = len(events)
	r.Ledger.TotalFees = formatQuote(fees, quoteDecimals)
	if len(events) > 0 {
		first, last := events[0], events[len(events)-1]
		r.Ledger.FirstBlock = first.BlockNumber
		r.Ledger.LastBlock = last.BlockNumber
		r.Ledger.Liquidity = intString(last.LiquidityAfter)
		r.Ledger.CostBasis = formatQuote(last.CostBasisAfter, quoteDecimals)
		r.Ledger.RealizedPnl = formatQuote(last.PnlAfter, quoteDecimals)
	}

	if err := ledger.VerifyChain(events); err != nil {
		r.IntegrityErrors = append(r.IntegrityErrors, err.Error())
	}

	for _, period := range periods {
		r.Periods = append(r.Periods, PeriodRow{
			StartEventID:    period.StartEventID,
			EndEventID:      period.EndEventID,
			StartTimestamp:  period.StartTimestamp,
			EndTimestamp:    period.EndTimestamp,
			DurationSeconds: period.DurationSeconds,
			EventCount:      period.EventCount,
			CostBasis:       formatQuote(period.CostBasis, quoteDecimals),
			Fees:            formatQuote(period.CollectedFeeValue, quoteDecimals),
			AprBps:          period.AprBps,
			AprPercent:      apr.BpsToPercent(period.AprBps).StringFixed(2),
		})
	}
	r.WeightedAprPercent = apr.BpsToPercent(apr.Summary(periods).WeightedAprBps).StringFixed(2)

	return r
}

// formatQuote renders raw quote units as a decimal amount of whole tokens.
func formatQuote(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
