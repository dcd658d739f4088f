package memory

import (
	"context"
	"sync"

	"position-ledger/internal/storage"
)

// HeadProgressStore is an in-memory implementation of storage.HeadProgressStore.
type HeadProgressStore struct {
	mu       sync.RWMutex
	progress map[int64]storage.HeadProgress
}

// NewHeadProgressStore creates a new in-memory head progress store.
func NewHeadProgressStore() *HeadProgressStore {
	return &HeadProgressStore{
		progress: make(map[int64]storage.HeadProgress),
	}
}

// GetLastHead returns the last handled head for the chain.
func (s *HeadProgressStore) GetLastHead(_ context.Context, chainID int64) (*storage.HeadProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[chainID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

// SetLastHead saves the last handled head for the chain.
func (s *HeadProgressStore) SetLastHead(_ context.Context, progress *storage.HeadProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress[progress.ChainID] = *progress
	return nil
}

var _ storage.HeadProgressStore = (*HeadProgressStore)(nil)
