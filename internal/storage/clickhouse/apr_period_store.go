package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// AprPeriodStore implements storage.AprPeriodStore using ClickHouse.
// Every replace writes a new version of the position's period set and drops
// older versions with a lightweight delete; reads only see the latest version.
type AprPeriodStore struct {
	conn *Conn
	now  func() time.Time
}

// NewAprPeriodStore creates a new AprPeriodStore.
func NewAprPeriodStore(conn *Conn) *AprPeriodStore {
	return &AprPeriodStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.AprPeriodStore = (*AprPeriodStore)(nil)

// ReplaceForPosition writes periods as the position's new period set.
func (s *AprPeriodStore) ReplaceForPosition(ctx context.Context, positionID string, periods []*domain.AprPeriod) error {
	if positionID == "" {
		return storage.ErrInvalidInput
	}
	for _, p := range periods {
		if p == nil || p.PositionID != positionID {
			return storage.ErrInvalidInput
		}
	}

	version := uint64(s.now().UnixNano())

	if len(periods) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO position_apr_periods (
				position_id, version, start_event_id, end_event_id,
				start_timestamp_ms, end_timestamp_ms, duration_seconds, event_count,
				cost_basis, collected_fee_value, apr_bps, created_at
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}

		for _, p := range periods {
			err = batch.Append(
				p.PositionID, version, p.StartEventID, p.EndEventID,
				p.StartTimestamp, p.EndTimestamp, p.DurationSeconds, uint32(p.EventCount),
				intString(p.CostBasis), intString(p.CollectedFeeValue), p.AprBps, p.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}

	err := s.conn.Exec(ctx, `
		DELETE FROM position_apr_periods
		WHERE position_id = ? AND version < ?
	`, positionID, version)
	if err != nil {
		return fmt.Errorf("delete previous apr periods: %w", err)
	}
	return nil
}

// ListByPosition returns the latest period set ordered by start_timestamp ASC.
func (s *AprPeriodStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.AprPeriod, error) {
	query := `
		SELECT
			position_id, start_event_id, end_event_id,
			start_timestamp_ms, end_timestamp_ms, duration_seconds, event_count,
			cost_basis, collected_fee_value, apr_bps, created_at
		FROM position_apr_periods FINAL
		WHERE position_id = ?
		  AND version = (SELECT max(version) FROM position_apr_periods WHERE position_id = ?)
		ORDER BY start_timestamp_ms ASC, start_event_id ASC
	`

	rows, err := s.conn.Query(ctx, query, positionID, positionID)
	if err != nil {
		return nil, fmt.Errorf("query apr periods: %w", err)
	}
	defer rows.Close()

	return scanAprPeriods(rows)
}

// DeleteByPosition removes all periods of the position.
func (s *AprPeriodStore) DeleteByPosition(ctx context.Context, positionID string) error {
	if err := s.conn.Exec(ctx, `DELETE FROM position_apr_periods WHERE position_id = ?`, positionID); err != nil {
		return fmt.Errorf("delete apr periods: %w", err)
	}
	return nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanAprPeriods scans multiple rows into a slice.
func scanAprPeriods(rows chRows) ([]*domain.AprPeriod, error) {
	var periods []*domain.AprPeriod

	for rows.Next() {
		var (
			p                   domain.AprPeriod
			eventCount          uint32
			costBasis, feeValue string
		)
		err := rows.Scan(
			&p.PositionID, &p.StartEventID, &p.EndEventID,
			&p.StartTimestamp, &p.EndTimestamp, &p.DurationSeconds, &eventCount,
			&costBasis, &feeValue, &p.AprBps, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan apr period row: %w", err)
		}
		p.EventCount = int(eventCount)

		var ok bool
		if p.CostBasis, ok = new(big.Int).SetString(costBasis, 10); !ok {
			return nil, fmt.Errorf("parse cost_basis %q", costBasis)
		}
		if p.CollectedFeeValue, ok = new(big.Int).SetString(feeValue, 10); !ok {
			return nil, fmt.Errorf("parse collected_fee_value %q", feeValue)
		}
		periods = append(periods, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apr period rows: %w", err)
	}

	return periods, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
