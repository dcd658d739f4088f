package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"position-ledger/internal/domain"
)

// ErrUnknownChain is returned when no sources are registered for a chain.
var ErrUnknownChain = errors.New("unknown chain")

// ChainSources bundles the collaborators for one chain.
type ChainSources struct {
	Events   EventSource
	Finality FinalitySource
	Prices   PriceSource
}

// Router dispatches source calls to the sources registered for the chain.
// It implements EventSource, FinalitySource and PriceSource.
type Router struct {
	mu     sync.RWMutex
	chains map[int64]ChainSources
}

var (
	_ EventSource    = (*Router)(nil)
	_ FinalitySource = (*Router)(nil)
	_ PriceSource    = (*Router)(nil)
)

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{chains: make(map[int64]ChainSources)}
}

// Register sets the sources for a chain, replacing any previous registration.
func (r *Router) Register(chainID int64, sources ChainSources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[chainID] = sources
}

// Chains returns the registered chain IDs in ascending order.
func (r *Router) Chains() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Router) lookup(chainID int64) (ChainSources, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.chains[chainID]
	if !ok {
		return ChainSources{}, fmt.Errorf("chain %d: %w", chainID, ErrUnknownChain)
	}
	return s, nil
}

// FetchPositionEvents implements EventSource.
func (r *Router) FetchPositionEvents(ctx context.Context, chainID int64, nftID string, br BlockRange) ([]*domain.RawEvent, error) {
	s, err := r.lookup(chainID)
	if err != nil {
		return nil, err
	}
	if s.Events == nil {
		return nil, fmt.Errorf("chain %d has no event source: %w", chainID, ErrUnknownChain)
	}
	return s.Events.FetchPositionEvents(ctx, chainID, nftID, br)
}

// LastFinalizedBlockNumber implements FinalitySource.
func (r *Router) LastFinalizedBlockNumber(ctx context.Context, chainID int64) (*uint64, error) {
	s, err := r.lookup(chainID)
	if err != nil {
		return nil, err
	}
	if s.Finality == nil {
		return nil, fmt.Errorf("chain %d has no finality source: %w", chainID, ErrUnknownChain)
	}
	return s.Finality.LastFinalizedBlockNumber(ctx, chainID)
}

// HistoricPoolPrice implements PriceSource.
func (r *Router) HistoricPoolPrice(ctx context.Context, chainID int64, poolID string, blockNumber uint64) (*domain.HistoricPrice, error) {
	s, err := r.lookup(chainID)
	if err != nil {
		return nil, err
	}
	if s.Prices == nil {
		return nil, fmt.Errorf("chain %d has no price source: %w", chainID, ErrUnknownChain)
	}
	return s.Prices.HistoricPoolPrice(ctx, chainID, poolID, blockNumber)
}
