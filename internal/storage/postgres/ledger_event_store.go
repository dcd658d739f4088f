package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// LedgerEventStore is a PostgreSQL implementation of storage.LedgerEventStore.
// It also implements storage.Transactor so a rebuild can run in one transaction.
type LedgerEventStore struct {
	pool *Pool
	db   querier
}

// NewLedgerEventStore creates a new PostgreSQL ledger event store.
func NewLedgerEventStore(pool *Pool) *LedgerEventStore {
	return &LedgerEventStore{pool: pool, db: pool}
}

// WithinTx runs fn against a store bound to a single transaction.
func (s *LedgerEventStore) WithinTx(ctx context.Context, fn func(storage.LedgerEventStore) error) error {
	if s.pool == nil {
		// already inside a transaction
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&LedgerEventStore{db: tx})
	})
}

// Insert adds a new event. Returns ErrDuplicateKey if (position_id, input_hash) exists.
func (s *LedgerEventStore) Insert(ctx context.Context, e *domain.LedgerEvent) error {
	if e == nil || e.ID == "" || e.PositionID == "" || e.InputHash == "" {
		return storage.ErrInvalidInput
	}

	rewards := e.Rewards
	if rewards == nil {
		rewards = []domain.Reward{}
	}
	rewardsJSON, err := json.Marshal(rewards)
	if err != nil {
		return fmt.Errorf("marshal rewards: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO position_ledger_events (
			id, position_id, previous_id,
			chain_id, nft_id, block_number, transaction_index, log_index, transaction_hash, timestamp_ms,
			event_type, input_hash,
			sqrt_price_x96, pool_price, token0_amount, token1_amount, token_value,
			delta_liquidity, liquidity_after, delta_cost_basis, cost_basis_after, delta_pnl, pnl_after,
			uncollected_principal0_after, uncollected_principal1_after, fees_collected0, fees_collected1,
			rewards, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9, $10,
			$11, $12,
			$13::numeric, $14::numeric, $15::numeric, $16::numeric, $17::numeric,
			$18::numeric, $19::numeric, $20::numeric, $21::numeric, $22::numeric, $23::numeric,
			$24::numeric, $25::numeric, $26::numeric, $27::numeric,
			$28::jsonb, $29
		)
	`,
		e.ID, e.PositionID, e.PreviousID,
		e.ChainID, e.NFTID, int64(e.BlockNumber), int64(e.TransactionIndex), int64(e.LogIndex), e.TransactionHash, e.Timestamp,
		string(e.EventType), e.InputHash,
		numeric(e.SqrtPriceX96), numeric(e.PoolPrice), numeric(e.Token0Amount), numeric(e.Token1Amount), numeric(e.TokenValue),
		numeric(e.DeltaLiquidity), numeric(e.LiquidityAfter), numeric(e.DeltaCostBasis), numeric(e.CostBasisAfter), numeric(e.DeltaPnl), numeric(e.PnlAfter),
		numeric(e.UncollectedPrincipal0After), numeric(e.UncollectedPrincipal1After), numeric(e.FeesCollected0), numeric(e.FeesCollected1),
		string(rewardsJSON), e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

// DeleteFromBlock removes every event of the position with block_number >= fromBlock.
func (s *LedgerEventStore) DeleteFromBlock(ctx context.Context, positionID string, fromBlock uint64) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM position_ledger_events
		WHERE position_id = $1 AND block_number >= $2
	`, positionID, int64(fromBlock))
	if err != nil {
		return 0, fmt.Errorf("delete ledger events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindLast returns the latest event of the position. Returns ErrNotFound if none exists.
func (s *LedgerEventStore) FindLast(ctx context.Context, positionID string) (*domain.LedgerEvent, error) {
	rows, err := s.db.Query(ctx, selectLedgerEvents+`
		WHERE position_id = $1
		ORDER BY block_number DESC, transaction_index DESC, log_index DESC
		LIMIT 1
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query last ledger event: %w", err)
	}
	defer rows.Close()

	events, err := scanLedgerEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	return events[0], nil
}

// ListByPosition returns all events of the position ordered by (block, tx, log) ASC.
func (s *LedgerEventStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.LedgerEvent, error) {
	return s.ListFromBlock(ctx, positionID, 0)
}

// ListFromBlock returns events of the position with block_number >= fromBlock, ordered.
func (s *LedgerEventStore) ListFromBlock(ctx context.Context, positionID string, fromBlock uint64) ([]*domain.LedgerEvent, error) {
	rows, err := s.db.Query(ctx, selectLedgerEvents+`
		WHERE position_id = $1 AND block_number >= $2
		ORDER BY block_number ASC, transaction_index ASC, log_index ASC
	`, positionID, int64(fromBlock))
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	return scanLedgerEvents(rows)
}

const selectLedgerEvents = `
	SELECT
		id, position_id, previous_id,
		chain_id, nft_id, block_number, transaction_index, log_index, transaction_hash, timestamp_ms,
		event_type, input_hash,
		sqrt_price_x96::text, pool_price::text, token0_amount::text, token1_amount::text, token_value::text,
		delta_liquidity::text, liquidity_after::text, delta_cost_basis::text, cost_basis_after::text,
		delta_pnl::text, pnl_after::text,
		uncollected_principal0_after::text, uncollected_principal1_after::text,
		fees_collected0::text, fees_collected1::text,
		rewards, created_at
	FROM position_ledger_events
`

// scanLedgerEvents scans multiple rows into a slice.
func scanLedgerEvents(rows pgx.Rows) ([]*domain.LedgerEvent, error) {
	var events []*domain.LedgerEvent

	for rows.Next() {
		var (
			e                      domain.LedgerEvent
			block, txIndex, logIdx int64
			eventType              string
			nums                   [15]string
			rewardsJSON            []byte
		)
		err := rows.Scan(
			&e.ID, &e.PositionID, &e.PreviousID,
			&e.ChainID, &e.NFTID, &block, &txIndex, &logIdx, &e.TransactionHash, &e.Timestamp,
			&eventType, &e.InputHash,
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
			&nums[5], &nums[6], &nums[7], &nums[8],
			&nums[9], &nums[10],
			&nums[11], &nums[12],
			&nums[13], &nums[14],
			&rewardsJSON, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger event row: %w", err)
		}

		e.BlockNumber = uint64(block)
		e.TransactionIndex = uint(txIndex)
		e.LogIndex = uint(logIdx)
		e.EventType = domain.EventType(eventType)

		targets := []struct {
			name string
			dst  **big.Int
		}{
			{"sqrt_price_x96", &e.SqrtPriceX96},
			{"pool_price", &e.PoolPrice},
			{"token0_amount", &e.Token0Amount},
			{"token1_amount", &e.Token1Amount},
			{"token_value", &e.TokenValue},
			{"delta_liquidity", &e.DeltaLiquidity},
			{"liquidity_after", &e.LiquidityAfter},
			{"delta_cost_basis", &e.DeltaCostBasis},
			{"cost_basis_after", &e.CostBasisAfter},
			{"delta_pnl", &e.DeltaPnl},
			{"pnl_after", &e.PnlAfter},
			{"uncollected_principal0_after", &e.UncollectedPrincipal0After},
			{"uncollected_principal1_after", &e.UncollectedPrincipal1After},
			{"fees_collected0", &e.FeesCollected0},
			{"fees_collected1", &e.FeesCollected1},
		}
		for i, t := range targets {
			v, err := parseNumeric(t.name, nums[i])
			if err != nil {
				return nil, err
			}
			*t.dst = v
		}

		if err := json.Unmarshal(rewardsJSON, &e.Rewards); err != nil {
			return nil, fmt.Errorf("unmarshal rewards: %w", err)
		}
		if len(e.Rewards) == 0 {
			e.Rewards = nil
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger event rows: %w", err)
	}

	return events, nil
}

var (
	_ storage.LedgerEventStore = (*LedgerEventStore)(nil)
	_ storage.Transactor       = (*LedgerEventStore)(nil)
)
