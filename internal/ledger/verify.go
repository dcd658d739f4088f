package ledger

import (
	"fmt"

	"position-ledger/internal/domain"
)

// VerifyChain checks the previousId chain of one position's ordered ledger.
// Walking back from the last event must visit every event exactly once,
// in strictly decreasing coordinate order, and end at the single root.
func VerifyChain(events []*domain.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}

	byID := make(map[string]*domain.LedgerEvent, len(events))
	roots := 0
	for _, e := range events {
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("%w: duplicate ledger event id %s", ErrConsistency, e.ID)
		}
		byID[e.ID] = e
		if e.PreviousID == nil {
			roots++
		}
	}
	if roots != 1 {
		return fmt.Errorf("%w: expected exactly one root event, found %d", ErrConsistency, roots)
	}

	visited := make(map[string]bool, len(events))
	cur := events[len(events)-1]
	for {
		if visited[cur.ID] {
			return fmt.Errorf("%w: cycle at ledger event %s", ErrConsistency, cur.ID)
		}
		visited[cur.ID] = true
		if cur.PreviousID == nil {
			break
		}
		prev, ok := byID[*cur.PreviousID]
		if !ok {
			return fmt.Errorf("%w: ledger event %s references unknown previous %s", ErrConsistency, cur.ID, *cur.PreviousID)
		}
		if compareCoordinates(prev.BlockNumber, prev.TransactionIndex, prev.LogIndex,
			cur.BlockNumber, cur.TransactionIndex, cur.LogIndex) >= 0 {
			return fmt.Errorf("%w: %w: ledger event %s does not follow %s", ErrConsistency, ErrInvalidOrdering, cur.ID, prev.ID)
		}
		cur = prev
	}

	if len(visited) != len(events) {
		return fmt.Errorf("%w: chain visits %d of %d events", ErrConsistency, len(visited), len(events))
	}
	return nil
}
