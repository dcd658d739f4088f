package ledger

import "errors"

// ErrConsistency marks a broken replay invariant: negative running totals,
// a missing or malformed price, an unknown event type or a broken chain.
// It is fatal for the position's sync and never retried.
var ErrConsistency = errors.New("ledger consistency fault")

// ErrInvalidOrdering is returned when events are not properly ordered.
var ErrInvalidOrdering = errors.New("events are not in deterministic order")
