package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"position-ledger/internal/apr"
	"position-ledger/internal/ledger"
	"position-ledger/internal/storage"
)

var (
	// ErrFinalityUnavailable is returned when the chain's finality boundary
	// cannot be determined. The sync can be retried later.
	ErrFinalityUnavailable = errors.New("finality boundary unavailable")

	// ErrPositionNotFound is returned when the position to sync does not exist.
	// It wraps storage.ErrNotFound.
	ErrPositionNotFound = fmt.Errorf("position %w", storage.ErrNotFound)

	// ErrSyncInProgress is returned when a sync for the same position is already running
	// on this orchestrator.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// IsRetryable reports whether a failed sync may succeed when re-run unchanged.
// Consistency faults, missing records and invalid input are caller or data
// errors; everything else (network, finality, a concurrent sync) is transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ledger.ErrConsistency),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, apr.ErrInvalidInput),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
