package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// AprPeriodStore is an in-memory implementation of storage.AprPeriodStore.
type AprPeriodStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.AprPeriod // keyed by position_id
}

// NewAprPeriodStore creates a new in-memory APR period store.
func NewAprPeriodStore() *AprPeriodStore {
	return &AprPeriodStore{
		data: make(map[string][]*domain.AprPeriod),
	}
}

// ReplaceForPosition deletes all periods of the position and inserts the given ones.
func (s *AprPeriodStore) ReplaceForPosition(_ context.Context, positionID string, periods []*domain.AprPeriod) error {
	if positionID == "" {
		return storage.ErrInvalidInput
	}
	copies := make([]*domain.AprPeriod, 0, len(periods))
	for _, p := range periods {
		if p == nil || p.PositionID != positionID {
			return storage.ErrInvalidInput
		}
		copies = append(copies, cloneAprPeriod(p))
	}
	sort.SliceStable(copies, func(i, j int) bool {
		return copies[i].StartTimestamp < copies[j].StartTimestamp
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(copies) == 0 {
		delete(s.data, positionID)
		return nil
	}
	s.data[positionID] = copies
	return nil
}

// ListByPosition returns the position's periods ordered by start_timestamp ASC.
func (s *AprPeriodStore) ListByPosition(_ context.Context, positionID string) ([]*domain.AprPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AprPeriod
	for _, p := range s.data[positionID] {
		result = append(result, cloneAprPeriod(p))
	}
	return result, nil
}

// DeleteByPosition removes all periods of the position.
func (s *AprPeriodStore) DeleteByPosition(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, positionID)
	return nil
}

func cloneAprPeriod(p *domain.AprPeriod) *domain.AprPeriod {
	c := *p
	if p.CostBasis != nil {
		c.CostBasis = new(big.Int).Set(p.CostBasis)
	}
	if p.CollectedFeeValue != nil {
		c.CollectedFeeValue = new(big.Int).Set(p.CollectedFeeValue)
	}
	return &c
}

var _ storage.AprPeriodStore = (*AprPeriodStore)(nil)
