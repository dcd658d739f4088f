package memory

import (
	"context"
	"sync"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// SyncStateStore is an in-memory implementation of storage.SyncStateStore.
type SyncStateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SyncState // keyed by position_id
}

// NewSyncStateStore creates a new in-memory sync state store.
func NewSyncStateStore() *SyncStateStore {
	return &SyncStateStore{
		data: make(map[string]*domain.SyncState),
	}
}

// Get returns the position's sync state, or a zero state if none was stored.
func (s *SyncStateStore) Get(_ context.Context, positionID string) (*domain.SyncState, error) {
	if positionID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.data[positionID]
	if !exists {
		return domain.NewSyncState(positionID), nil
	}
	return cloneSyncState(st), nil
}

// Upsert replaces the stored sync state wholesale.
func (s *SyncStateStore) Upsert(_ context.Context, st *domain.SyncState) error {
	if st == nil || st.PositionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[st.PositionID] = cloneSyncState(st)
	return nil
}

// Delete removes the position's sync state.
func (s *SyncStateStore) Delete(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, positionID)
	return nil
}

func cloneSyncState(st *domain.SyncState) *domain.SyncState {
	c := *st
	c.MissingEvents = make([]*domain.RawEvent, len(st.MissingEvents))
	for i, e := range st.MissingEvents {
		c.MissingEvents[i] = e.Clone()
	}
	return &c
}

var _ storage.SyncStateStore = (*SyncStateStore)(nil)
