package storage

import "context"

// HeadProgress is the last chain head handled by the watcher for one chain.
type HeadProgress struct {
	ChainID     int64
	BlockNumber uint64
	BlockHash   string // hex, empty if unknown
	UpdatedAt   int64 // Unix milliseconds
}

// HeadProgressStore persists watcher progress.
// This lets watch mode resume after restarts without resyncing for heads it already handled.
type HeadProgressStore interface {
	// GetLastHead returns the last handled head for the chain.
	// Returns ErrNotFound if no progress has been saved yet.
	GetLastHead(ctx context.Context, chainID int64) (*HeadProgress, error)

	// SetLastHead saves the last handled head for the chain.
	SetLastHead(ctx context.Context, progress *HeadProgress) error
}
