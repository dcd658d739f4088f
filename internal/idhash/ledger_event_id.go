package idhash

import "github.com/google/uuid"

// ledgerNamespace scopes ledger event ids.
var ledgerNamespace = uuid.MustParse("6f1d0a5e-3c0b-4d52-9a77-2f6c1b7e4a10")

// ComputeLedgerEventID derives a stable ledger event id.
// Formula: UUIDv5(ledgerNamespace, position_id|input_hash)
// A rebuild of the same on-chain event yields the same id.
func ComputeLedgerEventID(positionID, inputHash string) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(positionID+"|"+inputHash)).String()
}
