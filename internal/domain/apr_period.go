package domain

import "math/big"

// AprPeriod is a derived return-measurement window over a slice of the ledger.
// Periods are disposable: all periods of a position are replaced on every recompute.
type AprPeriod struct {
	PositionID        string
	StartEventID      string
	EndEventID        string
	StartTimestamp    int64 // Unix milliseconds
	EndTimestamp      int64 // Unix milliseconds
	DurationSeconds   int64
	EventCount        int
	CostBasis         *big.Int // time-weighted average, quote units
	CollectedFeeValue *big.Int // quote units
	AprBps            int64
	CreatedAt         int64
}
