package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"position-ledger/internal/domain"
	"position-ledger/internal/idhash"
	"position-ledger/internal/storage"
)

func ledgerEvent(positionID string, block uint64, tx, log uint) *domain.LedgerEvent {
	hash := idhash.ComputeInputHash(block, tx, log)
	return &domain.LedgerEvent{
		ID:               idhash.ComputeLedgerEventID(positionID, hash),
		PositionID:       positionID,
		BlockNumber:      block,
		TransactionIndex: tx,
		LogIndex:         log,
		InputHash:        hash,
		EventType:        domain.EventTypeIncreasePosition,
		CostBasisAfter:   big.NewInt(int64(block)),
	}
}

func TestLedgerEventStore_InsertKeepsOrder(t *testing.T) {
	store := NewLedgerEventStore()
	ctx := context.Background()

	for _, e := range []*domain.LedgerEvent{
		ledgerEvent("p1", 200, 0, 0),
		ledgerEvent("p1", 100, 1, 0),
		ledgerEvent("p1", 100, 0, 2),
		ledgerEvent("p2", 50, 0, 0),
	} {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	events, err := store.ListByPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("ListByPosition failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].LogIndex != 2 || events[1].TransactionIndex != 1 || events[2].BlockNumber != 200 {
		t.Errorf("Events not ordered by (block, tx, log): %+v", events)
	}

	last, err := store.FindLast(ctx, "p1")
	if err != nil {
		t.Fatalf("FindLast failed: %v", err)
	}
	if last.BlockNumber != 200 {
		t.Errorf("FindLast block: got %d, want 200", last.BlockNumber)
	}
}

func TestLedgerEventStore_DuplicateInputHash(t *testing.T) {
	store := NewLedgerEventStore()
	ctx := context.Background()

	e := ledgerEvent("p1", 100, 0, 0)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.Insert(ctx, e)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	// same coordinates under another position is fine
	if err := store.Insert(ctx, ledgerEvent("p2", 100, 0, 0)); err != nil {
		t.Errorf("Insert for other position failed: %v", err)
	}
}

func TestLedgerEventStore_InvalidInput(t *testing.T) {
	store := NewLedgerEventStore()

	err := store.Insert(context.Background(), &domain.LedgerEvent{ID: "x"})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestLedgerEventStore_FindLastNotFound(t *testing.T) {
	store := NewLedgerEventStore()

	_, err := store.FindLast(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLedgerEventStore_DeleteFromBlock(t *testing.T) {
	store := NewLedgerEventStore()
	ctx := context.Background()

	for _, b := range []uint64{100, 200, 300, 400} {
		if err := store.Insert(ctx, ledgerEvent("p1", b, 0, 0)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := store.Insert(ctx, ledgerEvent("p2", 300, 0, 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	deleted, err := store.DeleteFromBlock(ctx, "p1", 300)
	if err != nil {
		t.Fatalf("DeleteFromBlock failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Deleted: got %d, want 2", deleted)
	}

	remaining, _ := store.ListByPosition(ctx, "p1")
	if len(remaining) != 2 || remaining[1].BlockNumber != 200 {
		t.Errorf("Unexpected remaining events: %+v", remaining)
	}

	other, _ := store.ListByPosition(ctx, "p2")
	if len(other) != 1 {
		t.Errorf("Other position must be untouched, got %d events", len(other))
	}

	tail, _ := store.ListFromBlock(ctx, "p1", 150)
	if len(tail) != 1 || tail[0].BlockNumber != 200 {
		t.Errorf("ListFromBlock: unexpected %+v", tail)
	}
}

func TestLedgerEventStore_ReturnsCopies(t *testing.T) {
	store := NewLedgerEventStore()
	ctx := context.Background()

	e := ledgerEvent("p1", 100, 0, 0)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	e.CostBasisAfter.SetInt64(-1)

	got, _ := store.FindLast(ctx, "p1")
	if got.CostBasisAfter.Int64() != 100 {
		t.Errorf("Stored event was mutated through caller pointer")
	}
	got.CostBasisAfter.SetInt64(-2)

	again, _ := store.FindLast(ctx, "p1")
	if again.CostBasisAfter.Int64() != 100 {
		t.Errorf("Stored event was mutated through returned pointer")
	}
}
