package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"position-ledger/internal/domain"
	"position-ledger/internal/storage"
)

// PositionStore is a PostgreSQL implementation of storage.PositionStore.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PostgreSQL position store.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const selectPositions = `
	SELECT
		id, chain_id, nft_id, pool_id,
		token0_address, token0_symbol, token0_decimals,
		token1_address, token1_symbol, token1_decimals,
		is_token0_quote, created_at
	FROM positions
`

// Get retrieves a position by ID. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(ctx context.Context, positionID string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx, selectPositions+` WHERE id = $1`, positionID)

	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// List returns all positions ordered by ID.
func (s *PositionStore) List(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}

// Upsert inserts or replaces a position.
func (s *PositionStore) Upsert(ctx context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" || p.NFTID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			id, chain_id, nft_id, pool_id,
			token0_address, token0_symbol, token0_decimals,
			token1_address, token1_symbol, token1_decimals,
			is_token0_quote, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET chain_id = EXCLUDED.chain_id,
		    nft_id = EXCLUDED.nft_id,
		    pool_id = EXCLUDED.pool_id,
		    token0_address = EXCLUDED.token0_address,
		    token0_symbol = EXCLUDED.token0_symbol,
		    token0_decimals = EXCLUDED.token0_decimals,
		    token1_address = EXCLUDED.token1_address,
		    token1_symbol = EXCLUDED.token1_symbol,
		    token1_decimals = EXCLUDED.token1_decimals,
		    is_token0_quote = EXCLUDED.is_token0_quote
	`,
		p.ID, p.ChainID, p.NFTID, p.PoolID,
		p.Token0.Address, p.Token0.Symbol, int16(p.Token0.Decimals),
		p.Token1.Address, p.Token1.Symbol, int16(p.Token1.Decimals),
		p.IsToken0Quote, p.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p          domain.Position
		dec0, dec1 int16
	)
	err := row.Scan(
		&p.ID, &p.ChainID, &p.NFTID, &p.PoolID,
		&p.Token0.Address, &p.Token0.Symbol, &dec0,
		&p.Token1.Address, &p.Token1.Symbol, &dec1,
		&p.IsToken0Quote, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Token0.Decimals = uint8(dec0)
	p.Token1.Decimals = uint8(dec1)
	return &p, nil
}

var _ storage.PositionStore = (*PositionStore)(nil)
