package domain

import "math/big"

// HistoricPrice is a pool's slot0 price observed at a specific block.
type HistoricPrice struct {
	PoolID       string
	BlockNumber  uint64
	SqrtPriceX96 *big.Int
	Timestamp    int64 // block time, Unix milliseconds
}
