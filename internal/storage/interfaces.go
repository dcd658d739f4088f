package storage

import (
	"context"

	"position-ledger/internal/domain"
)

// LedgerEventStore provides access to position_ledger_events storage.
// Events are immutable; only bulk deletion of a position's tail is allowed.
type LedgerEventStore interface {
	// Insert adds a new event. Returns ErrDuplicateKey if (position_id, input_hash) exists.
	Insert(ctx context.Context, e *domain.LedgerEvent) error

	// DeleteFromBlock removes every event of the position with block_number >= fromBlock.
	// Returns the number of deleted events.
	DeleteFromBlock(ctx context.Context, positionID string, fromBlock uint64) (int, error)

	// FindLast returns the latest event of the position. Returns ErrNotFound if none exists.
	FindLast(ctx context.Context, positionID string) (*domain.LedgerEvent, error)

	// ListByPosition returns all events of the position ordered by (block, tx, log) ASC.
	ListByPosition(ctx context.Context, positionID string) ([]*domain.LedgerEvent, error)

	// ListFromBlock returns events of the position with block_number >= fromBlock, ordered.
	ListFromBlock(ctx context.Context, positionID string, fromBlock uint64) ([]*domain.LedgerEvent, error)
}

// Transactor is implemented by ledger stores that can run a rebuild atomically.
type Transactor interface {
	// WithinTx runs fn against a transaction-scoped store.
	// The transaction commits if fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(LedgerEventStore) error) error
}

// SyncStateStore provides access to position_sync_states storage.
type SyncStateStore interface {
	// Get returns the position's sync state, or a zero state if none was stored.
	Get(ctx context.Context, positionID string) (*domain.SyncState, error)

	// Upsert replaces the stored sync state wholesale.
	Upsert(ctx context.Context, s *domain.SyncState) error

	// Delete removes the position's sync state. Deleting a missing state is not an error.
	Delete(ctx context.Context, positionID string) error
}

// AprPeriodStore provides access to position_apr_periods storage.
// Periods are a disposable projection and are always replaced as a set.
type AprPeriodStore interface {
	// ReplaceForPosition deletes all periods of the position and inserts the given ones.
	ReplaceForPosition(ctx context.Context, positionID string, periods []*domain.AprPeriod) error

	// ListByPosition returns the position's periods ordered by start_timestamp ASC.
	ListByPosition(ctx context.Context, positionID string) ([]*domain.AprPeriod, error)

	// DeleteByPosition removes all periods of the position.
	DeleteByPosition(ctx context.Context, positionID string) error
}

// PositionStore provides access to positions storage.
type PositionStore interface {
	// Get retrieves a position by ID. Returns ErrNotFound if not exists.
	Get(ctx context.Context, positionID string) (*domain.Position, error)

	// List returns all positions ordered by ID.
	List(ctx context.Context) ([]*domain.Position, error)

	// Upsert inserts or replaces a position.
	Upsert(ctx context.Context, p *domain.Position) error
}
