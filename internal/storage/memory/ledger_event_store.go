package memory

import (
	"context"
	"sort"
	"sync"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// LedgerEventStore is an in-memory implementation of storage.LedgerEventStore.
// It has no transactions: a failed rebuild leaves the deleted tail missing until the next sync.
type LedgerEventStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.LedgerEvent // keyed by position_id, ordered by (block, tx, log)
}

// NewLedgerEventStore creates a new in-memory ledger event store.
func NewLedgerEventStore() *LedgerEventStore {
	return &LedgerEventStore{
		data: make(map[string][]*domain.LedgerEvent),
	}
}

// Insert adds a new event. Returns ErrDuplicateKey if (position_id, input_hash) exists.
func (s *LedgerEventStore) Insert(_ context.Context, e *domain.LedgerEvent) error {
	if e == nil || e.ID == "" || e.PositionID == "" || e.InputHash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.data[e.PositionID]
	for _, existing := range events {
		if existing.InputHash == e.InputHash || existing.ID == e.ID {
			return storage.ErrDuplicateKey
		}
	}

	idx := sort.Search(len(events), func(i int) bool {
		return compareLedgerEvents(events[i], e) > 0
	})
	events = append(events, nil)
	copy(events[idx+1:], events[idx:])
	events[idx] = e.Clone()
	s.data[e.PositionID] = events
	return nil
}

// DeleteFromBlock removes every event of the position with block_number >= fromBlock.
func (s *LedgerEventStore) DeleteFromBlock(_ context.Context, positionID string, fromBlock uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.data[positionID]
	kept := make([]*domain.LedgerEvent, 0, len(events))
	for _, e := range events {
		if e.BlockNumber < fromBlock {
			kept = append(kept, e)
		}
	}
	deleted := len(events) - len(kept)
	if len(kept) == 0 {
		delete(s.data, positionID)
	} else {
		s.data[positionID] = kept
	}
	return deleted, nil
}

// FindLast returns the latest event of the position. Returns ErrNotFound if none exists.
func (s *LedgerEventStore) FindLast(_ context.Context, positionID string) (*domain.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.data[positionID]
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	return events[len(events)-1].Clone(), nil
}

// ListByPosition returns all events of the position ordered by (block, tx, log) ASC.
func (s *LedgerEventStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.LedgerEvent, error) {
	return s.ListFromBlock(ctx, positionID, 0)
}

// ListFromBlock returns events of the position with block_number >= fromBlock, ordered.
func (s *LedgerEventStore) ListFromBlock(_ context.Context, positionID string, fromBlock uint64) ([]*domain.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LedgerEvent
	for _, e := range s.data[positionID] {
		if e.BlockNumber >= fromBlock {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

// compareLedgerEvents orders by (block_number ASC, transaction_index ASC, log_index ASC).
func compareLedgerEvents(a, b *domain.LedgerEvent) int {
	if a.BlockNumber != b.BlockNumber {
		if a.BlockNumber < b.BlockNumber {
			return -1
		}
		return 1
	}
	if a.TransactionIndex != b.TransactionIndex {
		if a.TransactionIndex < b.TransactionIndex {
			return -1
		}
		return 1
	}
	if a.LogIndex != b.LogIndex {
		if a.LogIndex < b.LogIndex {
			return -1
		}
		return 1
	}
	return 0
}

var _ storage.LedgerEventStore = (*LedgerEventStore)(nil)
