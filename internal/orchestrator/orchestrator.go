// Package orchestrator rebuilds position ledgers from finalized chain data
// and recomputes their APR periods.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"position-ledger/internal/apr"
	"position-ledger/internal/domain"
	"position-ledger/internal/ingestion"
	"position-ledger/internal/ledger"
	"position-ledger/internal/notify"
	"position-ledger/internal/observability"
	"position-ledger/internal/storage"
)

// Phase is one step of a position sync.
type Phase string

// Sync phases. A sync moves forward through them and ends in DONE or FAILED.
const (
	PhaseIdle              Phase = "IDLE"
	PhaseDeterminingWindow Phase = "DETERMINING_WINDOW"
	PhaseFetching          Phase = "FETCHING"
	PhaseRebuilding        Phase = "REBUILDING"
	PhaseReplaying         Phase = "REPLAYING"
	PhasePeriodizing       Phase = "PERIODIZING"
	PhaseDone              Phase = "DONE"
	PhaseFailed            Phase = "FAILED"
)

func (p Phase) inFlight() bool {
	switch p {
	case "", PhaseIdle, PhaseDone, PhaseFailed:
		return false
	}
	return true
}

// DefaultSyncedBy is recorded as the sync author when Options.SyncedBy is empty.
const DefaultSyncedBy = "ledgersync"

// Options configures the Orchestrator.
type Options struct {
	Positions  storage.PositionStore
	Ledger     storage.LedgerEventStore
	SyncStates storage.SyncStateStore
	Periods    storage.AprPeriodStore

	// PeriodsMirror optionally receives every recomputed period set.
	// Mirror failures are logged and do not fail the sync.
	PeriodsMirror storage.AprPeriodStore

	Events   ingestion.EventSource
	Finality ingestion.FinalitySource
	Prices   ingestion.PriceSource

	// DeploymentBlocks maps chain id to the position manager deployment block.
	// Chains without an entry start at block 0.
	DeploymentBlocks map[int64]uint64

	Publisher notify.Publisher // nil disables notifications
	SyncedBy  string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Orchestrator runs ledger syncs for individual positions.
type Orchestrator struct {
	positions     storage.PositionStore
	ledger        storage.LedgerEventStore
	syncStates    storage.SyncStateStore
	periods       storage.AprPeriodStore
	periodsMirror storage.AprPeriodStore

	events   ingestion.EventSource
	finality ingestion.FinalitySource
	prices   ingestion.PriceSource

	deploymentBlocks map[int64]uint64
	publisher        notify.Publisher
	syncedBy         string
	now              func() time.Time
	logger           *slog.Logger

	mu     sync.Mutex
	phases map[string]Phase
}

// SyncResult describes one completed sync.
type SyncResult struct {
	PositionID     string
	ChainID        int64
	NFTID          string
	FromBlock      uint64
	FinalizedBlock uint64
	EventsAdded    int // replayed events not present before the sync
	EventsDeleted  int
	EventsReplayed int
	Periods        int
}

// New creates a new orchestrator.
func New(opts Options) *Orchestrator {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	syncedBy := opts.SyncedBy
	if syncedBy == "" {
		syncedBy = DefaultSyncedBy
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deployments := make(map[int64]uint64, len(opts.DeploymentBlocks))
	for chainID, block := range opts.DeploymentBlocks {
		deployments[chainID] = block
	}

	return &Orchestrator{
		positions:        opts.Positions,
		ledger:           opts.Ledger,
		syncStates:       opts.SyncStates,
		periods:          opts.Periods,
		periodsMirror:    opts.PeriodsMirror,
		events:           opts.Events,
		finality:         opts.Finality,
		prices:           opts.Prices,
		deploymentBlocks: deployments,
		publisher:        publisher,
		syncedBy:         syncedBy,
		now:              now,
		logger:           logger,
		phases:           make(map[string]Phase),
	}
}

// Phase returns the current or last phase of the position's sync.
func (o *Orchestrator) Phase(positionID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.phases[positionID]; ok {
		return p
	}
	return PhaseIdle
}

func (o *Orchestrator) begin(positionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.phases[positionID]; ok && p.inFlight() {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, positionID)
	}
	o.phases[positionID] = PhaseDeterminingWindow
	return nil
}

func (o *Orchestrator) setPhase(positionID string, p Phase) {
	o.mu.Lock()
	o.phases[positionID] = p
	o.mu.Unlock()
	o.logger.Debug("sync phase", "position", positionID, "phase", string(p))
}

// SyncLedgerEvents discards the position's ledger tail from the sync window start
// and rebuilds it from events up to the chain's finality boundary, then
// recomputes the position's APR periods.
//
// Re-running a failed or completed sync is safe: the window is derived from
// stored state and chain data, and the tail is always rebuilt from scratch.
func (o *Orchestrator) SyncLedgerEvents(ctx context.Context, positionID string, force bool) (*SyncResult, error) {
	if err := o.begin(positionID); err != nil {
		return nil, err
	}
	start := o.now()
	o.logger.Info("sync started", "position", positionID, "force", force)

	res, err := o.sync(ctx, positionID, force)
	elapsed := o.now().Sub(start).Seconds()
	if err != nil {
		o.setPhase(positionID, PhaseFailed)
		observability.RecordSync(observability.SyncOutcome{Status: "failed", DurationSeconds: elapsed})
		o.logger.Error("sync failed", "position", positionID, "retryable", IsRetryable(err), "error", err)
		return nil, err
	}

	o.setPhase(positionID, PhaseDone)
	completed := o.now()
	observability.RecordSync(observability.SyncOutcome{
		Status:          "ok",
		DurationSeconds: elapsed,
		Replayed:        res.EventsReplayed,
		Deleted:         res.EventsDeleted,
		Added:           res.EventsAdded,
		Periods:         res.Periods,
		CompletedAtUnix: completed.Unix(),
	})
	o.logger.Info("sync completed",
		"position", positionID,
		"from_block", res.FromBlock,
		"finalized_block", res.FinalizedBlock,
		"deleted", res.EventsDeleted,
		"replayed", res.EventsReplayed,
		"added", res.EventsAdded,
		"periods", res.Periods,
	)

	err = o.publisher.PublishSynced(ctx, notify.SyncedEvent{
		PositionID:     res.PositionID,
		ChainID:        res.ChainID,
		NFTID:          res.NFTID,
		FromBlock:      res.FromBlock,
		FinalizedBlock: res.FinalizedBlock,
		EventsAdded:    res.EventsAdded,
		EventsDeleted:  res.EventsDeleted,
		EventsReplayed: res.EventsReplayed,
		Periods:        res.Periods,
		SyncedAt:       completed.UnixMilli(),
	})
	if err != nil {
		o.logger.Warn("sync notification failed", "position", positionID, "error", err)
	}

	return res, nil
}

func (o *Orchestrator) sync(ctx context.Context, positionID string, force bool) (*SyncResult, error) {
	position, err := o.loadPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	// Phase 1: determine window
	finalized, err := o.finalizedBlock(ctx, position.ChainID)
	if err != nil {
		return nil, err
	}
	fromBlock, err := o.windowStart(ctx, position, finalized, force)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (determine window) failed: %w", err)
	}
	o.logger.Info("sync window", "position", positionID, "from_block", fromBlock, "finalized_block", finalized)

	state, err := o.syncStates.Get(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (load sync state) failed: %w", err)
	}
	if pruned := state.PruneMissingEvents(finalized); pruned > 0 {
		o.logger.Debug("pruned finalized missing events", "position", positionID, "count", pruned)
	}

	// Phase 2: fetch events and prices. Nothing is written until both succeed.
	o.setPhase(positionID, PhaseFetching)
	raw, err := o.fetchEvents(ctx, position, fromBlock, finalized, state)
	if err != nil {
		return nil, fmt.Errorf("phase 2 (fetch events) failed: %w", err)
	}
	prices, err := o.fetchPrices(ctx, position, raw)
	if err != nil {
		return nil, fmt.Errorf("phase 2 (fetch prices) failed: %w", err)
	}

	// Phase 3: delete the tail and replay
	o.setPhase(positionID, PhaseRebuilding)
	var counts rebuildCounts
	rebuild := func(store storage.LedgerEventStore) error {
		var err error
		counts, err = o.rebuild(ctx, store, position, fromBlock, raw, prices)
		return err
	}
	if tx, ok := o.ledger.(storage.Transactor); ok {
		err = tx.WithinTx(ctx, rebuild)
	} else {
		err = rebuild(o.ledger)
	}
	if err != nil {
		return nil, fmt.Errorf("phase 3 (rebuild ledger) failed: %w", err)
	}

	state.LastSyncAt = o.now().UnixMilli()
	state.LastSyncBy = o.syncedBy
	if err := o.syncStates.Upsert(ctx, state); err != nil {
		return nil, fmt.Errorf("phase 3 (save sync state) failed: %w", err)
	}

	// Phase 4: periodize, even if nothing was replayed
	o.setPhase(positionID, PhasePeriodizing)
	periods, err := o.recomputePeriods(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("phase 4 (periodize) failed: %w", err)
	}

	return &SyncResult{
		PositionID:     position.ID,
		ChainID:        position.ChainID,
		NFTID:          position.NFTID,
		FromBlock:      fromBlock,
		FinalizedBlock: finalized,
		EventsAdded:    counts.added,
		EventsDeleted:  counts.deleted,
		EventsReplayed: counts.replayed,
		Periods:        len(periods),
	}, nil
}

func (o *Orchestrator) loadPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	position, err := o.positions.Get(ctx, positionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", positionID, err)
	}
	return position, nil
}

func (o *Orchestrator) finalizedBlock(ctx context.Context, chainID int64) (uint64, error) {
	block, err := o.finality.LastFinalizedBlockNumber(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("%w: chain %d: %w", ErrFinalityUnavailable, chainID, err)
	}
	if block == nil {
		return 0, fmt.Errorf("%w: chain %d", ErrFinalityUnavailable, chainID)
	}
	observability.UpdateFinalizedBlock(strconv.FormatInt(chainID, 10), *block)
	return *block, nil
}

// windowStart returns the first block to rebuild. A forced sync starts at the
// deployment block. Otherwise the window starts at the last recorded event
// (or the deployment block), capped at the finality boundary.
func (o *Orchestrator) windowStart(ctx context.Context, position *domain.Position, finalized uint64, force bool) (uint64, error) {
	deployment := o.deploymentBlocks[position.ChainID]
	if force {
		return deployment, nil
	}

	base := deployment
	last, err := o.ledger.FindLast(ctx, position.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("find last ledger event: %w", err)
	default:
		base = last.BlockNumber
	}
	return min(base, finalized), nil
}

// fetchEvents returns the normalized replay set: finalized events in
// [fromBlock, finalized] plus tracked missing events not already fetched.
func (o *Orchestrator) fetchEvents(ctx context.Context, position *domain.Position, fromBlock, finalized uint64, state *domain.SyncState) ([]*domain.RawEvent, error) {
	var fetched []*domain.RawEvent
	if fromBlock <= finalized {
		var err error
		fetched, err = o.events.FetchPositionEvents(ctx, position.ChainID, position.NFTID, ingestion.BlockRange{
			FromBlock: fromBlock,
			ToBlock:   finalized,
		})
		if err != nil {
			return nil, fmt.Errorf("blocks [%d, %d]: %w", fromBlock, finalized, err)
		}
	}

	merged := fetched
	for _, m := range state.MissingEvents {
		if m.BlockNumber < fromBlock || containsCoordinates(fetched, m) {
			continue
		}
		merged = append(merged, m)
	}
	return ledger.Normalize(merged), nil
}

func containsCoordinates(events []*domain.RawEvent, e *domain.RawEvent) bool {
	for _, x := range events {
		if x.SameCoordinates(e) {
			return true
		}
	}
	return false
}

// fetchPrices loads one historic pool price per distinct event block.
func (o *Orchestrator) fetchPrices(ctx context.Context, position *domain.Position, events []*domain.RawEvent) (map[uint64]*domain.HistoricPrice, error) {
	prices := make(map[uint64]*domain.HistoricPrice)
	for _, e := range events {
		if _, ok := prices[e.BlockNumber]; ok {
			continue
		}
		p, err := o.prices.HistoricPoolPrice(ctx, position.ChainID, position.PoolID, e.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("pool %s at block %d: %w", position.PoolID, e.BlockNumber, err)
		}
		prices[e.BlockNumber] = p
	}
	return prices, nil
}

type rebuildCounts struct {
	deleted  int
	replayed int
	added    int
}

// rebuild deletes the ledger tail at or after fromBlock and replays events in
// order, persisting each event before the next one is derived from it.
func (o *Orchestrator) rebuild(
	ctx context.Context,
	store storage.LedgerEventStore,
	position *domain.Position,
	fromBlock uint64,
	events []*domain.RawEvent,
	prices map[uint64]*domain.HistoricPrice,
) (rebuildCounts, error) {
	var counts rebuildCounts

	existing, err := store.ListFromBlock(ctx, position.ID, fromBlock)
	if err != nil {
		return counts, fmt.Errorf("list ledger tail: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		known[e.InputHash] = struct{}{}
	}

	counts.deleted, err = store.DeleteFromBlock(ctx, position.ID, fromBlock)
	if err != nil {
		return counts, fmt.Errorf("delete ledger tail: %w", err)
	}
	o.logger.Info("deleted ledger tail", "position", position.ID, "from_block", fromBlock, "count", counts.deleted)

	o.setPhase(position.ID, PhaseReplaying)
	state := ledger.ZeroState()
	last, err := store.FindLast(ctx, position.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return counts, fmt.Errorf("find last ledger event: %w", err)
	default:
		state = ledger.StateFrom(last)
	}

	createdAt := o.now().UnixMilli()
	for _, raw := range events {
		ev, err := ledger.Apply(state, position, raw, prices[raw.BlockNumber])
		if err != nil {
			return counts, fmt.Errorf("replay %s at (%d,%d,%d): %w",
				raw.Type, raw.BlockNumber, raw.TransactionIndex, raw.LogIndex, err)
		}
		ev.CreatedAt = createdAt
		if err := store.Insert(ctx, ev); err != nil {
			return counts, fmt.Errorf("insert ledger event %s: %w", ev.ID, err)
		}
		counts.replayed++
		if _, ok := known[ev.InputHash]; !ok {
			counts.added++
		}
		state = ledger.StateFrom(ev)
	}

	all, err := store.ListByPosition(ctx, position.ID)
	if err != nil {
		return counts, fmt.Errorf("list ledger: %w", err)
	}
	if err := ledger.VerifyChain(all); err != nil {
		return counts, err
	}
	return counts, nil
}

// CalculateAprPeriods recomputes and stores the position's APR periods
// from its full ledger. Returns ErrPositionNotFound for an unknown position.
func (o *Orchestrator) CalculateAprPeriods(ctx context.Context, positionID string) ([]*domain.AprPeriod, error) {
	if _, err := o.loadPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return o.recomputePeriods(ctx, positionID)
}

func (o *Orchestrator) recomputePeriods(ctx context.Context, positionID string) ([]*domain.AprPeriod, error) {
	events, err := o.ledger.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	periods, err := apr.BuildPeriods(positionID, events)
	if errors.Is(err, apr.ErrInvalidInput) {
		return nil, fmt.Errorf("%w: %w", ledger.ErrConsistency, err)
	}
	if err != nil {
		return nil, err
	}

	createdAt := o.now().UnixMilli()
	for _, p := range periods {
		p.CreatedAt = createdAt
	}

	if err := o.periods.ReplaceForPosition(ctx, positionID, periods); err != nil {
		return nil, fmt.Errorf("store periods: %w", err)
	}
	if o.periodsMirror != nil {
		if err := o.periodsMirror.ReplaceForPosition(ctx, positionID, periods); err != nil {
			o.logger.Warn("period mirror update failed", "position", positionID, "error", err)
		}
	}

	o.logger.Debug("periods recomputed", "position", positionID, "events", len(events), "periods", len(periods))
	return periods, nil
}

// RecordUnfinalized fetches the position's events above the finality boundary
// up to head and tracks them as missing events. The fetch replaces whatever was
// tracked inside that range, so reorged-out events are forgotten. The next sync
// replays them and they are pruned once finalized. Returns the number of newly
// tracked events.
func (o *Orchestrator) RecordUnfinalized(ctx context.Context, positionID string, head uint64) (int, error) {
	position, err := o.loadPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	finalized, err := o.finalizedBlock(ctx, position.ChainID)
	if err != nil {
		return 0, err
	}
	if head <= finalized {
		return 0, nil
	}

	events, err := o.events.FetchPositionEvents(ctx, position.ChainID, position.NFTID, ingestion.BlockRange{
		FromBlock: finalized + 1,
		ToBlock:   head,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch unfinalized events [%d, %d]: %w", finalized+1, head, err)
	}

	state, err := o.syncStates.Get(ctx, positionID)
	if err != nil {
		return 0, fmt.Errorf("load sync state: %w", err)
	}
	state.PruneMissingEvents(finalized)
	added := state.ReplaceMissingEvents(finalized+1, head, events)
	if err := o.syncStates.Upsert(ctx, state); err != nil {
		return 0, fmt.Errorf("save sync state: %w", err)
	}
	return added, nil
}
