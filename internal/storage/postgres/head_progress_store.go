package postgres

import (
	"context"

	"position-ledger/internal/storage"
)

// HeadProgressStore is a PostgreSQL implementation of storage.HeadProgressStore.
type HeadProgressStore struct {
	pool *Pool
}

// NewHeadProgressStore creates a new PostgreSQL head progress store.
func NewHeadProgressStore(pool *Pool) *HeadProgressStore {
	return &HeadProgressStore{pool: pool}
}

// GetLastHead returns the last handled head for the chain.
func (s *HeadProgressStore) GetLastHead(ctx context.Context, chainID int64) (*storage.HeadProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT chain_id, block_number, block_hash, updated_at
		FROM watcher_head_progress
		WHERE chain_id = $1
	`, chainID)

	var (
		progress storage.HeadProgress
		block    int64
	)
	err := row.Scan(&progress.ChainID, &block, &progress.BlockHash, &progress.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	progress.BlockNumber = uint64(block)

	return &progress, nil
}

// SetLastHead saves the last handled head for the chain.
// Uses upsert to handle initial insert and subsequent updates.
func (s *HeadProgressStore) SetLastHead(ctx context.Context, progress *storage.HeadProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO watcher_head_progress (chain_id, block_number, block_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number,
		    block_hash = EXCLUDED.block_hash,
		    updated_at = EXCLUDED.updated_at
	`, progress.ChainID, int64(progress.BlockNumber), progress.BlockHash, progress.UpdatedAt)

	return err
}

var _ storage.HeadProgressStore = (*HeadProgressStore)(nil)
