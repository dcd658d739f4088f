package domain

import "sort"

// SyncState tracks resynchronization bookkeeping for one position.
// Corresponds to position_sync_states table in PostgreSQL.
type SyncState struct {
	PositionID    string
	MissingEvents []*RawEvent // observed events not yet covered by a finalized fetch
	LastSyncAt    int64       // Unix milliseconds, 0 if never synced
	LastSyncBy    string      // tag of the caller that ran the last sync
}

// NewSyncState returns the zero state for a position.
func NewSyncState(positionID string) *SyncState {
	return &SyncState{PositionID: positionID}
}

// AddMissingEvent records an event pending finalization.
// Returns false if an event at the same coordinates is already tracked.
func (s *SyncState) AddMissingEvent(e *RawEvent) bool {
	for _, m := range s.MissingEvents {
		if m.SameCoordinates(e) {
			return false
		}
	}
	s.MissingEvents = append(s.MissingEvents, e)
	sort.SliceStable(s.MissingEvents, func(i, j int) bool {
		a, b := s.MissingEvents[i], s.MissingEvents[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TransactionIndex != b.TransactionIndex {
			return a.TransactionIndex < b.TransactionIndex
		}
		return a.LogIndex < b.LogIndex
	})
	return true
}

// RemoveMissingEvent drops the event at the given coordinates.
// Returns false if nothing was removed.
func (s *SyncState) RemoveMissingEvent(blockNumber uint64, txIndex, logIndex uint) bool {
	for i, m := range s.MissingEvents {
		if m.BlockNumber == blockNumber && m.TransactionIndex == txIndex && m.LogIndex == logIndex {
			s.MissingEvents = append(s.MissingEvents[:i], s.MissingEvents[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceMissingEvents swaps the tracked events inside [fromBlock, toBlock]
// for fresh, the result of re-fetching that range. Tracked events the chain
// no longer reports are dropped and changed payloads are overwritten.
// Returns the number of fresh events at coordinates not tracked before.
func (s *SyncState) ReplaceMissingEvents(fromBlock, toBlock uint64, fresh []*RawEvent) int {
	var stale []*RawEvent
	for _, m := range s.MissingEvents {
		if m.BlockNumber >= fromBlock && m.BlockNumber <= toBlock {
			stale = append(stale, m)
		}
	}
	for _, m := range stale {
		s.RemoveMissingEvent(m.BlockNumber, m.TransactionIndex, m.LogIndex)
	}

	added := 0
	for _, e := range fresh {
		if e.BlockNumber < fromBlock || e.BlockNumber > toBlock {
			continue
		}
		if !s.AddMissingEvent(e) {
			continue
		}
		known := false
		for _, m := range stale {
			if m.SameCoordinates(e) {
				known = true
				break
			}
		}
		if !known {
			added++
		}
	}
	return added
}

// PruneMissingEvents removes events at or below the finalized block.
// Those are covered by the finalized log fetch. Returns the number removed.
func (s *SyncState) PruneMissingEvents(finalizedBlock uint64) int {
	kept := s.MissingEvents[:0]
	removed := 0
	for _, m := range s.MissingEvents {
		if m.BlockNumber <= finalizedBlock {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.MissingEvents = kept
	return removed
}
