package ingestion

import (
	"context"

	"position-ledger/internal/domain"
)

// BlockRange is an inclusive block window [FromBlock, ToBlock].
type BlockRange struct {
	FromBlock uint64
	ToBlock   uint64
}

// EventSource provides raw position manager events from external sources.
type EventSource interface {
	// FetchPositionEvents returns events for one NFT position within the range.
	// Events may be unordered; the ledger normalizer enforces ordering.
	FetchPositionEvents(ctx context.Context, chainID int64, nftID string, r BlockRange) ([]*domain.RawEvent, error)
}

// FinalitySource reports the finality boundary of a chain.
type FinalitySource interface {
	// LastFinalizedBlockNumber returns the latest irreversible block,
	// or nil if it cannot be determined.
	LastFinalizedBlockNumber(ctx context.Context, chainID int64) (*uint64, error)
}

// PriceSource provides historic pool prices.
type PriceSource interface {
	// HistoricPoolPrice returns the pool's slot0 price at the given block.
	HistoricPoolPrice(ctx context.Context, chainID int64, poolID string, blockNumber uint64) (*domain.HistoricPrice, error)
}
