package idhash

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ComputeInputHash computes the deduplication fingerprint of an on-chain event.
// Formula: keccak256(block_number|transaction_index|log_index)
// Returns 0x-prefixed hex (66 characters).
func ComputeInputHash(blockNumber uint64, txIndex, logIndex uint) string {
	data := fmt.Sprintf("%d|%d|%d", blockNumber, txIndex, logIndex)
	return ethcrypto.Keccak256Hash([]byte(data)).Hex()
}
