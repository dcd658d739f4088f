package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// SyncStateStore is a PostgreSQL implementation of storage.SyncStateStore.
// Missing events are stored as a JSONB array.
type SyncStateStore struct {
	pool *Pool
}

// NewSyncStateStore creates a new PostgreSQL sync state store.
func NewSyncStateStore(pool *Pool) *SyncStateStore {
	return &SyncStateStore{pool: pool}
}

// Get returns the position's sync state, or a zero state if none was stored.
func (s *SyncStateStore) Get(ctx context.Context, positionID string) (*domain.SyncState, error) {
	if positionID == "" {
		return nil, storage.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT missing_events, last_sync_at, last_sync_by
		FROM position_sync_states
		WHERE position_id = $1
	`, positionID)

	st := domain.NewSyncState(positionID)
	var missingJSON []byte
	err := row.Scan(&missingJSON, &st.LastSyncAt, &st.LastSyncBy)
	if err != nil {
		if isNotFoundError(err) {
			return st, nil
		}
		return nil, fmt.Errorf("query sync state: %w", err)
	}

	if err := json.Unmarshal(missingJSON, &st.MissingEvents); err != nil {
		return nil, fmt.Errorf("unmarshal missing events: %w", err)
	}
	return st, nil
}

// Upsert replaces the stored sync state wholesale.
func (s *SyncStateStore) Upsert(ctx context.Context, st *domain.SyncState) error {
	if st == nil || st.PositionID == "" {
		return storage.ErrInvalidInput
	}

	missing := st.MissingEvents
	if missing == nil {
		missing = []*domain.RawEvent{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("marshal missing events: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO position_sync_states (position_id, missing_events, last_sync_at, last_sync_by)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (position_id) DO UPDATE
		SET missing_events = EXCLUDED.missing_events,
		    last_sync_at = EXCLUDED.last_sync_at,
		    last_sync_by = EXCLUDED.last_sync_by
	`, st.PositionID, string(missingJSON), st.LastSyncAt, st.LastSyncBy)
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

// Delete removes the position's sync state.
func (s *SyncStateStore) Delete(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM position_sync_states WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	return nil
}

var _ storage.SyncStateStore = (*SyncStateStore)(nil)
