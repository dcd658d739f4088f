package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"position-ledger/internal/lock"
	"position-ledger/internal/observability"
	"position-ledger/internal/storage"
)

// Runner defaults.
const (
	DefaultConcurrency = 4
	DefaultLockTTL     = 5 * time.Minute
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Orchestrator *Orchestrator
	Positions    storage.PositionStore
	Locker       lock.Locker // nil uses an in-process keyed mutex
	Concurrency  int
	LockTTL      time.Duration
	Logger       *slog.Logger
}

// Runner syncs many positions concurrently, one sync per position at a time.
type Runner struct {
	orch        *Orchestrator
	positions   storage.PositionStore
	locker      lock.Locker
	concurrency int
	lockTTL     time.Duration
	logger      *slog.Logger
}

// PositionOutcome is the result of one position within a batch.
type PositionOutcome struct {
	PositionID string
	Result     *SyncResult // nil if skipped or failed
	Skipped    bool        // another sync held the position lock
	Err        error
}

// BatchResult summarizes a batch sync.
type BatchResult struct {
	Outcomes []PositionOutcome // in input order
	Synced   int
	Skipped  int
	Failed   int
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orch:        opts.Orchestrator,
		positions:   opts.Positions,
		locker:      locker,
		concurrency: concurrency,
		lockTTL:     ttl,
		logger:      logger,
	}
}

// SyncOne syncs a single position under its lock.
// If head is above the finality boundary, unfinalized events up to head are
// tracked first so the sync replays them.
func (r *Runner) SyncOne(ctx context.Context, positionID string, head uint64, force bool) PositionOutcome {
	out := PositionOutcome{PositionID: positionID}

	unlock, err := r.locker.Acquire(ctx, positionID, r.lockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		r.logger.Info("sync skipped, position locked", "position", positionID)
		observability.RecordSync(observability.SyncOutcome{Status: "skipped"})
		out.Skipped = true
		return out
	}
	if err != nil {
		out.Err = fmt.Errorf("acquire lock for %s: %w", positionID, err)
		return out
	}
	defer unlock()

	if head > 0 {
		if n, err := r.orch.RecordUnfinalized(ctx, positionID, head); err != nil {
			r.logger.Warn("tracking unfinalized events failed", "position", positionID, "head", head, "error", err)
		} else if n > 0 {
			r.logger.Info("tracked unfinalized events", "position", positionID, "head", head, "count", n)
		}
	}

	out.Result, out.Err = r.orch.SyncLedgerEvents(ctx, positionID, force)
	return out
}

// SyncAll syncs the given positions, or every stored position if ids is empty.
// Per-position failures are reported in the result; only listing positions can fail the batch.
func (r *Runner) SyncAll(ctx context.Context, positionIDs []string, force bool) (*BatchResult, error) {
	if len(positionIDs) == 0 {
		positions, err := r.positions.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}
		for _, p := range positions {
			positionIDs = append(positionIDs, p.ID)
		}
	}
	return r.run(ctx, positionIDs, 0, force), nil
}

// SyncChain syncs every stored position on the chain after a new head.
func (r *Runner) SyncChain(ctx context.Context, chainID int64, head uint64) (*BatchResult, error) {
	positions, err := r.positions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	var ids []string
	for _, p := range positions {
		if p.ChainID == chainID {
			ids = append(ids, p.ID)
		}
	}
	return r.run(ctx, ids, head, false), nil
}

func (r *Runner) run(ctx context.Context, positionIDs []string, head uint64, force bool) *BatchResult {
	outcomes := make([]PositionOutcome, len(positionIDs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range positionIDs {
		g.Go(func() error {
			outcomes[i] = r.SyncOne(ctx, id, head, force)
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			res.Skipped++
		case o.Err != nil:
			res.Failed++
		default:
			res.Synced++
		}
	}
	r.logger.Info("batch sync completed", "positions", len(positionIDs), "synced", res.Synced, "skipped", res.Skipped, "failed", res.Failed)
	return res
}
