// Package stub provides in-memory collaborator sources for tests and local runs.
package stub

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"position-ledger/internal/domain"
	"position-ledger/internal/ingestion"
)

// EventSource returns fixed in-memory raw events.
// Events can be intentionally unordered to test normalization.
// Implements ingestion.EventSource interface.
type EventSource struct {
	mu     sync.Mutex
	events []*domain.RawEvent
	err    error
	calls  int
}

var _ ingestion.EventSource = (*EventSource)(nil)

// NewEventSource creates a new stub event source with the given events.
func NewEventSource(events ...*domain.RawEvent) *EventSource {
	return &EventSource{events: events}
}

// Add appends events, simulating new on-chain activity.
func (s *EventSource) Add(events ...*domain.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

// Remove drops the events at the given block, simulating a reorg.
func (s *EventSource) Remove(blockNumber uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if e.BlockNumber != blockNumber {
			kept = append(kept, e)
		}
	}
	s.events = kept
}

// SetError makes subsequent fetches fail with err; nil clears it.
func (s *EventSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of fetches served.
func (s *EventSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// FetchPositionEvents returns events matching the chain, NFT and range.
// Returns copies to prevent mutation.
func (s *EventSource) FetchPositionEvents(_ context.Context, chainID int64, nftID string, r ingestion.BlockRange) ([]*domain.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}

	var result []*domain.RawEvent
	for _, e := range s.events {
		if e.ChainID == chainID && e.NFTID == nftID && e.BlockNumber >= r.FromBlock && e.BlockNumber <= r.ToBlock {
			copy := *e
			result = append(result, &copy)
		}
	}
	return result, nil
}

// FinalitySource returns a settable finality boundary per chain.
// Implements ingestion.FinalitySource interface.
type FinalitySource struct {
	mu     sync.Mutex
	blocks map[int64]uint64
	err    error
}

var _ ingestion.FinalitySource = (*FinalitySource)(nil)

// NewFinalitySource creates a stub with no known boundaries.
func NewFinalitySource() *FinalitySource {
	return &FinalitySource{blocks: make(map[int64]uint64)}
}

// Set records the finality boundary for a chain.
func (s *FinalitySource) Set(chainID int64, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[chainID] = block
}

// Unset forgets the boundary for a chain, making it undeterminable.
func (s *FinalitySource) Unset(chainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, chainID)
}

// SetError makes subsequent lookups fail with err; nil clears it.
func (s *FinalitySource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// LastFinalizedBlockNumber returns the boundary set for the chain, or nil.
func (s *FinalitySource) LastFinalizedBlockNumber(_ context.Context, chainID int64) (*uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.blocks[chainID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// PriceSource returns fixed pool prices.
// Per-block prices take precedence over the pool's default price.
// Implements ingestion.PriceSource interface.
type PriceSource struct {
	mu        sync.Mutex
	defaults  map[string]*big.Int
	perBlock  map[string]map[uint64]*big.Int
	blockTime func(block uint64) int64
	err       error
}

var _ ingestion.PriceSource = (*PriceSource)(nil)

// NewPriceSource creates a stub whose timestamps are block * 12s.
func NewPriceSource() *PriceSource {
	return &PriceSource{
		defaults: make(map[string]*big.Int),
		perBlock: make(map[string]map[uint64]*big.Int),
		blockTime: func(block uint64) int64 {
			return int64(block) * 12_000
		},
	}
}

// SetDefault sets the price returned for any block of the pool.
func (s *PriceSource) SetDefault(poolID string, sqrtPriceX96 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[poolID] = new(big.Int).Set(sqrtPriceX96)
}

// SetAt sets the price of the pool at one block.
func (s *PriceSource) SetAt(poolID string, block uint64, sqrtPriceX96 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perBlock[poolID] == nil {
		s.perBlock[poolID] = make(map[uint64]*big.Int)
	}
	s.perBlock[poolID][block] = new(big.Int).Set(sqrtPriceX96)
}

// SetError makes subsequent lookups fail with err; nil clears it.
func (s *PriceSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// HistoricPoolPrice returns the configured price, or an error if none is set.
func (s *PriceSource) HistoricPoolPrice(_ context.Context, _ int64, poolID string, blockNumber uint64) (*domain.HistoricPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	sqrtP := s.perBlock[poolID][blockNumber]
	if sqrtP == nil {
		sqrtP = s.defaults[poolID]
	}
	if sqrtP == nil {
		return nil, fmt.Errorf("no price for pool %s at block %d", poolID, blockNumber)
	}

	return &domain.HistoricPrice{
		PoolID:       poolID,
		BlockNumber:  blockNumber,
		SqrtPriceX96: new(big.Int).Set(sqrtP),
		Timestamp:    s.blockTime(blockNumber),
	}, nil
}
