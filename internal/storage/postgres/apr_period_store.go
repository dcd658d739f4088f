package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// AprPeriodStore is a PostgreSQL implementation of storage.AprPeriodStore.
type AprPeriodStore struct {
	pool *Pool
}

// NewAprPeriodStore creates a new PostgreSQL APR period store.
func NewAprPeriodStore(pool *Pool) *AprPeriodStore {
	return &AprPeriodStore{pool: pool}
}

// ReplaceForPosition deletes all periods of the position and inserts the given ones
// in a single transaction.
func (s *AprPeriodStore) ReplaceForPosition(ctx context.Context, positionID string, periods []*domain.AprPeriod) error {
	if positionID == "" {
		return storage.ErrInvalidInput
	}
	for _, p := range periods {
		if p == nil || p.PositionID != positionID {
			return storage.ErrInvalidInput
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM position_apr_periods WHERE position_id = $1`, positionID); err != nil {
			return fmt.Errorf("delete apr periods: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range periods {
			batch.Queue(`
				INSERT INTO position_apr_periods (
					position_id, start_event_id, end_event_id,
					start_timestamp_ms, end_timestamp_ms, duration_seconds, event_count,
					cost_basis, collected_fee_value, apr_bps, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11)
			`,
				p.PositionID, p.StartEventID, p.EndEventID,
				p.StartTimestamp, p.EndTimestamp, p.DurationSeconds, p.EventCount,
				numeric(p.CostBasis), numeric(p.CollectedFeeValue), p.AprBps, p.CreatedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}

		results := tx.SendBatch(ctx, batch)
		for range periods {
			if _, err := results.Exec(); err != nil {
				results.Close()
				if isDuplicateKeyError(err) {
					return storage.ErrDuplicateKey
				}
				return fmt.Errorf("insert apr period: %w", err)
			}
		}
		return results.Close()
	})
}

// ListByPosition returns the position's periods ordered by start_timestamp ASC.
func (s *AprPeriodStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.AprPeriod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			position_id, start_event_id, end_event_id,
			start_timestamp_ms, end_timestamp_ms, duration_seconds, event_count,
			cost_basis::text, collected_fee_value::text, apr_bps, created_at
		FROM position_apr_periods
		WHERE position_id = $1
		ORDER BY start_timestamp_ms ASC, start_event_id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query apr periods: %w", err)
	}
	defer rows.Close()

	var periods []*domain.AprPeriod
	for rows.Next() {
		var (
			p                   domain.AprPeriod
			costBasis, feeValue string
		)
		err := rows.Scan(
			&p.PositionID, &p.StartEventID, &p.EndEventID,
			&p.StartTimestamp, &p.EndTimestamp, &p.DurationSeconds, &p.EventCount,
			&costBasis, &feeValue, &p.AprBps, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan apr period row: %w", err)
		}
		if p.CostBasis, err = parseNumeric("cost_basis", costBasis); err != nil {
			return nil, err
		}
		if p.CollectedFeeValue, err = parseNumeric("collected_fee_value", feeValue); err != nil {
			return nil, err
		}
		periods = append(periods, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apr period rows: %w", err)
	}
	return periods, nil
}

// DeleteByPosition removes all periods of the position.
func (s *AprPeriodStore) DeleteByPosition(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM position_apr_periods WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("delete apr periods: %w", err)
	}
	return nil
}

var _ storage.AprPeriodStore = (*AprPeriodStore)(nil)
