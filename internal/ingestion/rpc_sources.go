package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"position-ledger/internal/domain"
	"position-ledger/internal/evm"
	"position-ledger/internal/ledger"
	"position-ledger/internal/storage"
)

// DefaultMaxLogRange is the block span of one eth_getLogs request.
const DefaultMaxLogRange = 10_000

// ChainClient is the subset of evm.Client used by the RPC sources.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FinalizedBlockNumber(ctx context.Context) (*uint64, error)
	BlockTimestamp(ctx context.Context, n uint64) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ ChainClient = (*evm.Client)(nil)

// RPCEventSource fetches position manager logs over JSON-RPC.
type RPCEventSource struct {
	chainID     int64
	client      ChainClient
	manager     common.Address
	maxLogRange uint64
	logger      *slog.Logger
}

// NewRPCEventSource creates an event source for one chain's position manager.
// A zero maxLogRange uses DefaultMaxLogRange; a nil logger uses slog.Default().
func NewRPCEventSource(chainID int64, client ChainClient, manager common.Address, maxLogRange uint64, logger *slog.Logger) *RPCEventSource {
	if maxLogRange == 0 {
		maxLogRange = DefaultMaxLogRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCEventSource{
		chainID:     chainID,
		client:      client,
		manager:     manager,
		maxLogRange: maxLogRange,
		logger:      logger,
	}
}

// FetchPositionEvents returns the position's events within r, in chunks of maxLogRange blocks.
func (s *RPCEventSource) FetchPositionEvents(ctx context.Context, chainID int64, nftID string, r BlockRange) ([]*domain.RawEvent, error) {
	if chainID != s.chainID {
		return nil, fmt.Errorf("event source for chain %d asked for chain %d", s.chainID, chainID)
	}
	if r.ToBlock < r.FromBlock {
		return nil, nil
	}

	tokenTopic, err := TokenIDTopic(nftID)
	if err != nil {
		return nil, err
	}

	topics := [][]common.Hash{
		{TopicIncreaseLiquidity, TopicDecreaseLiquidity, TopicCollect},
		{tokenTopic},
	}

	var events []*domain.RawEvent
	timestamps := make(map[uint64]int64)

	for from := r.FromBlock; from <= r.ToBlock; {
		to := r.ToBlock
		if span := to - from; span >= s.maxLogRange {
			to = from + s.maxLogRange - 1
		}

		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.manager},
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("get logs [%d, %d]: %w", from, to, err)
		}

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, err := DecodePositionLog(s.chainID, lg)
			if err != nil {
				return nil, err
			}

			ts, ok := timestamps[ev.BlockNumber]
			if !ok {
				sec, err := s.client.BlockTimestamp(ctx, ev.BlockNumber)
				if err != nil {
					return nil, fmt.Errorf("block %d timestamp: %w", ev.BlockNumber, err)
				}
				ts = int64(sec) * 1000
				timestamps[ev.BlockNumber] = ts
			}
			ev.BlockTimestamp = ts
			events = append(events, ev)
		}

		if to == r.ToBlock {
			break
		}
		from = to + 1
	}

	s.logger.Debug("fetched position events",
		"chain", s.chainID, "nft", nftID, "from", r.FromBlock, "to", r.ToBlock, "events", len(events))
	return events, nil
}

// RPCFinalitySource reads the finality boundary over JSON-RPC.
// Nodes without the "finalized" tag fall back to latest - confirmations
// when confirmations is non-zero.
type RPCFinalitySource struct {
	chainID       int64
	client        ChainClient
	confirmations uint64
}

// NewRPCFinalitySource creates a finality source for one chain.
func NewRPCFinalitySource(chainID int64, client ChainClient, confirmations uint64) *RPCFinalitySource {
	return &RPCFinalitySource{chainID: chainID, client: client, confirmations: confirmations}
}

// LastFinalizedBlockNumber returns the finality boundary or nil if undeterminable.
func (s *RPCFinalitySource) LastFinalizedBlockNumber(ctx context.Context, chainID int64) (*uint64, error) {
	if chainID != s.chainID {
		return nil, fmt.Errorf("finality source for chain %d asked for chain %d", s.chainID, chainID)
	}

	finalized, err := s.client.FinalizedBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("finalized block: %w", err)
	}
	if finalized != nil || s.confirmations == 0 {
		return finalized, nil
	}

	latest, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	if latest < s.confirmations {
		return nil, nil
	}
	boundary := latest - s.confirmations
	return &boundary, nil
}

// RPCPriceSource reads historic slot0 prices with eth_call at a block.
type RPCPriceSource struct {
	chainID int64
	client  ChainClient
}

// NewRPCPriceSource creates a price source for one chain.
func NewRPCPriceSource(chainID int64, client ChainClient) *RPCPriceSource {
	return &RPCPriceSource{chainID: chainID, client: client}
}

// HistoricPoolPrice returns poolID's sqrtPriceX96 and block time at blockNumber.
func (s *RPCPriceSource) HistoricPoolPrice(ctx context.Context, chainID int64, poolID string, blockNumber uint64) (*domain.HistoricPrice, error) {
	if chainID != s.chainID {
		return nil, fmt.Errorf("price source for chain %d asked for chain %d", s.chainID, chainID)
	}
	if !common.IsHexAddress(poolID) {
		return nil, fmt.Errorf("%w: invalid pool address %q", storage.ErrInvalidInput, poolID)
	}

	data, err := packSlot0Call()
	if err != nil {
		return nil, fmt.Errorf("pack slot0: %w", err)
	}

	pool := common.HexToAddress(poolID)
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("slot0 at block %d: %w", blockNumber, err)
	}
	sqrtP, err := unpackSqrtPrice(out)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s at block %d: %v", ledger.ErrConsistency, poolID, blockNumber, err)
	}

	sec, err := s.client.BlockTimestamp(ctx, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("block %d timestamp: %w", blockNumber, err)
	}

	return &domain.HistoricPrice{
		PoolID:       poolID,
		BlockNumber:  blockNumber,
		SqrtPriceX96: sqrtP,
		Timestamp:    int64(sec) * 1000,
	}, nil
}
