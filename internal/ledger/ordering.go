package ledger

import (
	"sort"

	"position-ledger/internal/domain"
)

// Normalize returns a new slice of events ordered by
// (block_number ASC, transaction_index ASC, log_index ASC).
// The input slice is left untouched.
func Normalize(events []*domain.RawEvent) []*domain.RawEvent {
	out := make([]*domain.RawEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return compareRawEvents(out[i], out[j]) < 0
	})
	return out
}

// ValidateOrdering checks if events are strictly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateOrdering(events []*domain.RawEvent) error {
	for i := 1; i < len(events); i++ {
		if compareRawEvents(events[i-1], events[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// ValidateLedgerOrdering checks that ledger events are strictly ordered.
func ValidateLedgerOrdering(events []*domain.LedgerEvent) error {
	for i := 1; i < len(events); i++ {
		a, b := events[i-1], events[i]
		if compareCoordinates(a.BlockNumber, a.TransactionIndex, a.LogIndex,
			b.BlockNumber, b.TransactionIndex, b.LogIndex) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareRawEvents returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (block_number ASC, transaction_index ASC, log_index ASC)
func compareRawEvents(a, b *domain.RawEvent) int {
	return compareCoordinates(a.BlockNumber, a.TransactionIndex, a.LogIndex,
		b.BlockNumber, b.TransactionIndex, b.LogIndex)
}

func compareCoordinates(blockA uint64, txA, logA uint, blockB uint64, txB, logB uint) int {
	if blockA != blockB {
		if blockA < blockB {
			return -1
		}
		return 1
	}
	if txA != txB {
		if txA < txB {
			return -1
		}
		return 1
	}
	if logA != logB {
		if logA < logB {
			return -1
		}
		return 1
	}
	return 0
}
