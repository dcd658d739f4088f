package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"position-ledger/internal/domain"
	"position-ledger/internal/ingestion"
	"position-ledger/internal/ingestion/stub"
	"position-ledger/internal/ledger"
	"position-ledger/internal/notify"
	"position-ledger/internal/quote"
	"position-ledger/internal/storage"
	"position-ledger/internal/storage/memory"
)

const (
	testPool         = "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	testDeployment   = 50
	wethAddress      = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcAddress      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	collectRecipient = "0x1111111111111111111111111111111111111111"
)

type testEnv struct {
	positions  *memory.PositionStore
	ledger     *memory.LedgerEventStore
	syncStates *memory.SyncStateStore
	periods    *memory.AprPeriodStore
	events     *stub.EventSource
	finality   *stub.FinalitySource
	prices     *stub.PriceSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		positions:  memory.NewPositionStore(),
		ledger:     memory.NewLedgerEventStore(),
		syncStates: memory.NewSyncStateStore(),
		periods:    memory.NewAprPeriodStore(),
		events:     stub.NewEventSource(),
		finality:   stub.NewFinalitySource(),
		prices:     stub.NewPriceSource(),
	}
	env.prices.SetDefault(testPool, new(big.Int).Rsh(quote.Q96, 14))
	env.addPosition(t, "pos-1", 1, "12345")
	return env
}

func (e *testEnv) addPosition(t *testing.T, id string, chainID int64, nftID string) {
	t.Helper()
	err := e.positions.Upsert(context.Background(), &domain.Position{
		ID:      id,
		ChainID: chainID,
		NFTID:   nftID,
		PoolID:  testPool,
		Token0:  domain.Token{Address: wethAddress, Symbol: "WETH", Decimals: 18},
		Token1:  domain.Token{Address: usdcAddress, Symbol: "USDC", Decimals: 6},
	})
	if err != nil {
		t.Fatalf("upsert position: %v", err)
	}
}

func (e *testEnv) options() Options {
	return Options{
		Positions:        e.positions,
		Ledger:           e.ledger,
		SyncStates:       e.syncStates,
		Periods:          e.periods,
		Events:           e.events,
		Finality:         e.finality,
		Prices:           e.prices,
		DeploymentBlocks: map[int64]uint64{1: testDeployment},
		SyncedBy:         "test",
		Now:              func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}
}

func (e *testEnv) orchestrator() *Orchestrator {
	return New(e.options())
}

func (e *testEnv) ledgerEvents(t *testing.T, positionID string) []*domain.LedgerEvent {
	t.Helper()
	events, err := e.ledger.ListByPosition(context.Background(), positionID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	return events
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func rawEvent(typ domain.RawEventType, nftID string, block uint64, logIndex uint) *domain.RawEvent {
	return &domain.RawEvent{
		Type:            typ,
		ChainID:         1,
		NFTID:           nftID,
		BlockNumber:     block,
		LogIndex:        logIndex,
		TransactionHash: "0xabc",
		BlockTimestamp:  int64(block) * 12_000,
	}
}

func increaseEvent(nftID string, block uint64, liquidity int64, amount0, amount1 *big.Int) *domain.RawEvent {
	e := rawEvent(domain.RawEventIncreaseLiquidity, nftID, block, 0)
	e.Increase = &domain.IncreaseLiquidity{Liquidity: big.NewInt(liquidity), Amount0: amount0, Amount1: amount1}
	return e
}

func decreaseEvent(nftID string, block uint64, liquidity int64, amount0, amount1 *big.Int) *domain.RawEvent {
	e := rawEvent(domain.RawEventDecreaseLiquidity, nftID, block, 0)
	e.Decrease = &domain.DecreaseLiquidity{Liquidity: big.NewInt(liquidity), Amount0: amount0, Amount1: amount1}
	return e
}

func collectEvent(nftID string, block uint64, logIndex uint, amount0, amount1 *big.Int) *domain.RawEvent {
	e := rawEvent(domain.RawEventCollect, nftID, block, logIndex)
	e.Collect = &domain.Collect{Recipient: collectRecipient, Amount0: amount0, Amount1: amount1}
	return e
}

// seedScenario adds INCREASE(1 WETH) at block 100 and COLLECT(50 USDC) at block 200.
func seedScenario(env *testEnv, nftID string) {
	env.events.Add(
		collectEvent(nftID, 200, 1, big.NewInt(0), new(big.Int).Mul(big.NewInt(50), pow10(6))),
		increaseEvent(nftID, 100, 1_000_000, pow10(18), big.NewInt(0)),
	)
}

func TestSyncLedgerEvents_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)

	orch := env.orchestrator()
	res, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if res.FromBlock != testDeployment {
		t.Errorf("expected fromBlock %d, got %d", testDeployment, res.FromBlock)
	}
	if res.FinalizedBlock != 300 {
		t.Errorf("expected finalizedBlock 300, got %d", res.FinalizedBlock)
	}
	if res.EventsAdded != 2 || res.EventsReplayed != 2 || res.EventsDeleted != 0 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if res.Periods != 1 {
		t.Errorf("expected 1 period, got %d", res.Periods)
	}

	events := env.ledgerEvents(t, "pos-1")
	if len(events) != 2 {
		t.Fatalf("expected 2 ledger events, got %d", len(events))
	}
	inc, col := events[0], events[1]
	if inc.EventType != domain.EventTypeIncreasePosition || col.EventType != domain.EventTypeCollect {
		t.Fatalf("unexpected event types %s, %s", inc.EventType, col.EventType)
	}
	if col.PreviousID == nil || *col.PreviousID != inc.ID {
		t.Errorf("collect does not reference increase")
	}
	if col.CostBasisAfter.Cmp(inc.CostBasisAfter) != 0 {
		t.Errorf("collect changed cost basis: %s -> %s", inc.CostBasisAfter, col.CostBasisAfter)
	}
	if len(col.Rewards) != 1 {
		t.Fatalf("expected 1 reward, got %d", len(col.Rewards))
	}
	fifty := new(big.Int).Mul(big.NewInt(50), pow10(6))
	if col.Rewards[0].TokenSymbol != "USDC" || col.Rewards[0].Value.Cmp(fifty) != 0 {
		t.Errorf("unexpected reward %+v", col.Rewards[0])
	}
	if inc.CreatedAt != 1_700_000_000_000 {
		t.Errorf("expected CreatedAt stamped, got %d", inc.CreatedAt)
	}

	periods, err := env.periods.ListByPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("list periods: %v", err)
	}
	if len(periods) != 1 || periods[0].StartEventID != inc.ID || periods[0].EndEventID != col.ID {
		t.Errorf("unexpected periods %+v", periods)
	}

	state, err := env.syncStates.Get(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if state.LastSyncBy != "test" || state.LastSyncAt != 1_700_000_000_000 {
		t.Errorf("unexpected sync state %+v", state)
	}
	if got := orch.Phase("pos-1"); got != PhaseDone {
		t.Errorf("expected phase DONE, got %s", got)
	}
}

func TestSyncLedgerEvents_IdempotentResync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before := env.ledgerEvents(t, "pos-1")

	res, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.EventsAdded != 0 {
		t.Errorf("expected 0 events added, got %d", res.EventsAdded)
	}
	if res.FromBlock != 200 {
		t.Errorf("expected window to start at last event block 200, got %d", res.FromBlock)
	}
	if res.EventsDeleted != 1 || res.EventsReplayed != 1 {
		t.Errorf("expected the tail event rebuilt, got %+v", res)
	}

	after := env.ledgerEvents(t, "pos-1")
	if len(after) != len(before) {
		t.Fatalf("ledger length changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].CostBasisAfter.Cmp(after[i].CostBasisAfter) != 0 {
			t.Errorf("event %d changed after resync", i)
		}
	}
}

func TestSyncLedgerEvents_AppendsNewActivity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 220)
	orch := env.orchestrator()

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	env.events.Add(decreaseEvent("12345", 250, 500_000, new(big.Int).Div(pow10(18), big.NewInt(2)), big.NewInt(0)))
	env.finality.Set(1, 300)

	res, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.EventsAdded != 1 || res.EventsReplayed != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}

	events := env.ledgerEvents(t, "pos-1")
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	dec := events[2]
	if dec.LiquidityAfter.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("expected liquidity 500000 after decrease, got %s", dec.LiquidityAfter)
	}
	if err := ledger.VerifyChain(events); err != nil {
		t.Errorf("chain: %v", err)
	}
}

func TestSyncLedgerEvents_WindowCappedAtFinality(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.finality.Set(1, 40) // below the deployment block

	res, err := env.orchestrator().SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.FromBlock != 40 {
		t.Errorf("expected fromBlock capped at 40, got %d", res.FromBlock)
	}
	if res.EventsReplayed != 0 || res.Periods != 0 {
		t.Errorf("unexpected counts: %+v", res)
	}
}

func TestSyncLedgerEvents_ForceFullResync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	res, err := orch.SyncLedgerEvents(ctx, "pos-1", true)
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if res.FromBlock != testDeployment {
		t.Errorf("expected fromBlock %d, got %d", testDeployment, res.FromBlock)
	}
	if res.EventsDeleted != 2 || res.EventsReplayed != 2 || res.EventsAdded != 0 {
		t.Errorf("unexpected counts: %+v", res)
	}
}

func TestSyncLedgerEvents_FinalityUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	orch := env.orchestrator()

	_, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if !errors.Is(err, ErrFinalityUnavailable) {
		t.Fatalf("expected ErrFinalityUnavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Errorf("finality failure should be retryable")
	}
	if got := orch.Phase("pos-1"); got != PhaseFailed {
		t.Errorf("expected phase FAILED, got %s", got)
	}

	env.finality.SetError(errors.New("rpc down"))
	_, err = orch.SyncLedgerEvents(ctx, "pos-1", false)
	if !errors.Is(err, ErrFinalityUnavailable) {
		t.Fatalf("expected ErrFinalityUnavailable on source error, got %v", err)
	}
	if env.events.Calls() != 0 {
		t.Errorf("events fetched without a finality boundary")
	}
}

func TestSyncLedgerEvents_FetchFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	env.events.SetError(errors.New("503 service unavailable"))
	_, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err == nil {
		t.Fatal("expected fetch failure")
	}
	if !IsRetryable(err) {
		t.Errorf("fetch failure should be retryable: %v", err)
	}
	if n := len(env.ledgerEvents(t, "pos-1")); n != 2 {
		t.Errorf("fetch failure modified the ledger: %d events", n)
	}

	env.prices.SetError(errors.New("429 too many requests"))
	env.events.SetError(nil)
	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err == nil {
		t.Fatal("expected price failure")
	}
	if n := len(env.ledgerEvents(t, "pos-1")); n != 2 {
		t.Errorf("price failure modified the ledger: %d events", n)
	}
}

// flakyLedger fails the nth Insert once.
type flakyLedger struct {
	*memory.LedgerEventStore
	mu      sync.Mutex
	inserts int
	failAt  int
}

func (f *flakyLedger) Insert(ctx context.Context, e *domain.LedgerEvent) error {
	f.mu.Lock()
	f.inserts++
	fail := f.inserts == f.failAt
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.LedgerEventStore.Insert(ctx, e)
}

func TestSyncLedgerEvents_RecoversFromTruncatedLedger(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.events.Add(decreaseEvent("12345", 250, 400_000, big.NewInt(1000), big.NewInt(0)))
	env.finality.Set(1, 300)

	reference := newTestEnv(t)
	seedScenario(reference, "12345")
	reference.events.Add(decreaseEvent("12345", 250, 400_000, big.NewInt(1000), big.NewInt(0)))
	reference.finality.Set(1, 300)
	if _, err := reference.orchestrator().SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("reference sync: %v", err)
	}

	flaky := &flakyLedger{LedgerEventStore: env.ledger, failAt: 2}
	opts := env.options()
	opts.Ledger = flaky
	orch := New(opts)

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err == nil {
		t.Fatal("expected insert failure")
	}
	if n := len(env.ledgerEvents(t, "pos-1")); n != 1 {
		t.Fatalf("expected truncated ledger with 1 event, got %d", n)
	}

	res, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.FromBlock != 100 {
		t.Errorf("expected retry to resume at block 100, got %d", res.FromBlock)
	}

	got := env.ledgerEvents(t, "pos-1")
	want := reference.ledgerEvents(t, "pos-1")
	if len(got) != len(want) {
		t.Fatalf("expected %d events after recovery, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].PnlAfter.Cmp(want[i].PnlAfter) != 0 {
			t.Errorf("event %d differs from reference", i)
		}
	}
}

func TestSyncLedgerEvents_ConsistencyFault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.events.Add(
		increaseEvent("12345", 100, 1_000, pow10(18), big.NewInt(0)),
		decreaseEvent("12345", 150, 5_000, big.NewInt(1), big.NewInt(0)),
	)
	env.finality.Set(1, 300)

	_, err := env.orchestrator().SyncLedgerEvents(ctx, "pos-1", false)
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if IsRetryable(err) {
		t.Errorf("consistency fault must not be retryable")
	}
}

func TestSyncLedgerEvents_PositionNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.finality.Set(1, 300)

	_, err := env.orchestrator().SyncLedgerEvents(context.Background(), "missing", false)
	if !errors.Is(err, ErrPositionNotFound) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	if IsRetryable(err) {
		t.Errorf("not-found must not be retryable")
	}
}

func TestSyncLedgerEvents_ReplaysTrackedUnfinalizedEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.events.Add(collectEvent("12345", 400, 0, big.NewInt(0), pow10(6)))
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	n, err := orch.RecordUnfinalized(ctx, "pos-1", 450)
	if err != nil {
		t.Fatalf("record unfinalized: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 tracked event, got %d", n)
	}
	if n, _ := orch.RecordUnfinalized(ctx, "pos-1", 450); n != 0 {
		t.Errorf("expected duplicate tracking to be ignored, got %d", n)
	}

	res, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.EventsReplayed != 3 {
		t.Errorf("expected tracked event replayed, got %+v", res)
	}

	state, _ := env.syncStates.Get(ctx, "pos-1")
	if len(state.MissingEvents) != 1 {
		t.Errorf("expected event still tracked before finalization, got %d", len(state.MissingEvents))
	}

	env.finality.Set(1, 500)
	res, err = orch.SyncLedgerEvents(ctx, "pos-1", false)
	if err != nil {
		t.Fatalf("sync after finalization: %v", err)
	}
	if res.FromBlock != 400 || res.EventsAdded != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	state, _ = env.syncStates.Get(ctx, "pos-1")
	if len(state.MissingEvents) != 0 {
		t.Errorf("expected finalized event pruned, got %d", len(state.MissingEvents))
	}
	if n := len(env.ledgerEvents(t, "pos-1")); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
}

func TestRecordUnfinalized_ForgetsReorgedEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.events.Add(collectEvent("12345", 400, 0, big.NewInt(0), pow10(6)))
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if n, err := orch.RecordUnfinalized(ctx, "pos-1", 450); err != nil || n != 1 {
		t.Fatalf("record unfinalized: %d, %v", n, err)
	}

	// The block 400 collect is reorged out and replaced by one at 420.
	env.events.Remove(400)
	env.events.Add(collectEvent("12345", 420, 0, big.NewInt(0), pow10(5)))
	n, err := orch.RecordUnfinalized(ctx, "pos-1", 450)
	if err != nil {
		t.Fatalf("record unfinalized after reorg: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 newly tracked event, got %d", n)
	}

	state, _ := env.syncStates.Get(ctx, "pos-1")
	if len(state.MissingEvents) != 1 || state.MissingEvents[0].BlockNumber != 420 {
		t.Fatalf("expected only the block 420 event tracked, got %+v", state.MissingEvents)
	}

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, e := range env.ledgerEvents(t, "pos-1") {
		if e.BlockNumber == 400 {
			t.Errorf("reorged-out event replayed into ledger: %+v", e)
		}
	}
	if n := len(env.ledgerEvents(t, "pos-1")); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
}

func TestRecordUnfinalized_HeadAtOrBelowFinality(t *testing.T) {
	env := newTestEnv(t)
	env.finality.Set(1, 300)

	n, err := env.orchestrator().RecordUnfinalized(context.Background(), "pos-1", 300)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d, %v", n, err)
	}
	if env.events.Calls() != 0 {
		t.Errorf("events fetched for a finalized head")
	}
}

// txLedger runs WithinTx callbacks directly and counts them.
type txLedger struct {
	*memory.LedgerEventStore
	txs int
}

func (l *txLedger) WithinTx(_ context.Context, fn func(storage.LedgerEventStore) error) error {
	l.txs++
	return fn(l.LedgerEventStore)
}

func TestSyncLedgerEvents_UsesTransactor(t *testing.T) {
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)

	tx := &txLedger{LedgerEventStore: env.ledger}
	opts := env.options()
	opts.Ledger = tx

	if _, err := New(opts).SyncLedgerEvents(context.Background(), "pos-1", false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if tx.txs != 1 {
		t.Errorf("expected 1 transaction, got %d", tx.txs)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.SyncedEvent
	err    error
}

func (p *recordingPublisher) PublishSynced(_ context.Context, e notify.SyncedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func TestSyncLedgerEvents_PublishesNotification(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)

	pub := &recordingPublisher{}
	mirror := memory.NewAprPeriodStore()
	opts := env.options()
	opts.Publisher = pub
	opts.PeriodsMirror = mirror

	if _, err := New(opts).SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.PositionID != "pos-1" || e.NFTID != "12345" || e.FinalizedBlock != 300 || e.EventsAdded != 2 {
		t.Errorf("unexpected notification %+v", e)
	}
	mirrored, _ := mirror.ListByPosition(ctx, "pos-1")
	if len(mirrored) != 1 {
		t.Errorf("expected mirrored period, got %d", len(mirrored))
	}

	pub.err = errors.New("nats: no responders")
	if _, err := New(opts).SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Errorf("publish failure must not fail the sync: %v", err)
	}
}

// blockingEvents blocks fetches until released.
type blockingEvents struct {
	ingestion.EventSource
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEvents) FetchPositionEvents(ctx context.Context, chainID int64, nftID string, r ingestion.BlockRange) ([]*domain.RawEvent, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.EventSource.FetchPositionEvents(ctx, chainID, nftID, r)
}

func TestSyncLedgerEvents_RejectsConcurrentSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.finality.Set(1, 300)

	blocking := &blockingEvents{EventSource: env.events, entered: make(chan struct{}), release: make(chan struct{})}
	opts := env.options()
	opts.Events = blocking
	orch := New(opts)

	done := make(chan error, 1)
	go func() {
		_, err := orch.SyncLedgerEvents(ctx, "pos-1", false)
		done <- err
	}()
	<-blocking.entered

	if got := orch.Phase("pos-1"); got != PhaseFetching {
		t.Errorf("expected phase FETCHING, got %s", got)
	}
	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	close(blocking.release)
	if err := <-done; err != nil {
		t.Fatalf("first sync: %v", err)
	}
}

func TestSyncLedgerEvents_FirstSyncOfNewPosition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPosition(t, "pos-new", 1, "777")
	env.events.Add(increaseEvent("777", 120, 500, pow10(17), big.NewInt(0)))
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if got := orch.Phase("pos-new"); got != PhaseIdle {
		t.Fatalf("expected phase IDLE before first sync, got %s", got)
	}
	if _, err := orch.SyncLedgerEvents(ctx, "pos-new", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if got := orch.Phase("pos-new"); got != PhaseDone {
		t.Errorf("expected phase DONE, got %s", got)
	}
	if n := len(env.ledgerEvents(t, "pos-new")); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCalculateAprPeriods(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedScenario(env, "12345")
	env.finality.Set(1, 300)
	orch := env.orchestrator()

	if _, err := orch.SyncLedgerEvents(ctx, "pos-1", false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := env.periods.DeleteByPosition(ctx, "pos-1"); err != nil {
		t.Fatalf("delete periods: %v", err)
	}

	periods, err := orch.CalculateAprPeriods(ctx, "pos-1")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(periods) != 1 {
		t.Fatalf("expected 1 period, got %d", len(periods))
	}
	p := periods[0]
	if p.DurationSeconds != 1200 {
		t.Errorf("expected 1200s period, got %d", p.DurationSeconds)
	}
	if p.AprBps <= 0 {
		t.Errorf("expected positive APR, got %d", p.AprBps)
	}
	stored, _ := env.periods.ListByPosition(ctx, "pos-1")
	if len(stored) != 1 {
		t.Errorf("expected periods stored, got %d", len(stored))
	}

	if _, err := orch.CalculateAprPeriods(ctx, "missing"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestCalculateAprPeriods_DisorderedLedgerIsConsistencyFault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i, ts := range []int64{2_000, 1_000} {
		err := env.ledger.Insert(ctx, &domain.LedgerEvent{
			ID:             []string{"a", "b"}[i],
			PositionID:     "pos-1",
			BlockNumber:    uint64(100 + i),
			InputHash:      []string{"h1", "h2"}[i],
			Timestamp:      ts,
			EventType:      domain.EventTypeCollect,
			CostBasisAfter: big.NewInt(1),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	_, err := env.orchestrator().CalculateAprPeriods(ctx, "pos-1")
	if !errors.Is(err, ledger.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"finality", ErrFinalityUnavailable, true},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"in progress", ErrSyncInProgress, true},
		{"consistency", ledger.ErrConsistency, false},
		{"not found", ErrPositionNotFound, false},
		{"invalid input", storage.ErrInvalidInput, false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
