package domain

import (
	"fmt"
	"math/big"
)

// RawEventType is the on-chain event kind emitted by the position manager.
type RawEventType string

// Raw event type constants.
const (
	RawEventIncreaseLiquidity RawEventType = "INCREASE_LIQUIDITY"
	RawEventDecreaseLiquidity RawEventType = "DECREASE_LIQUIDITY"
	RawEventCollect           RawEventType = "COLLECT"
)

// RawEvent is an undecorated position manager log.
// Exactly one of Increase, Decrease or Collect is set, matching Type.
type RawEvent struct {
	Type             RawEventType `json:"type"`
	ChainID          int64        `json:"chainId"`
	NFTID            string       `json:"nftId"`
	BlockNumber      uint64       `json:"blockNumber"`
	TransactionIndex uint         `json:"transactionIndex"`
	LogIndex         uint         `json:"logIndex"`
	TransactionHash  string       `json:"transactionHash"`
	BlockTimestamp   int64        `json:"blockTimestamp"` // Unix timestamp in milliseconds

	Increase *IncreaseLiquidity `json:"increase,omitempty"`
	Decrease *DecreaseLiquidity `json:"decrease,omitempty"`
	Collect  *Collect           `json:"collect,omitempty"`
}

// IncreaseLiquidity is the payload of an IncreaseLiquidity log.
type IncreaseLiquidity struct {
	Liquidity *big.Int `json:"liquidity"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
}

// DecreaseLiquidity is the payload of a DecreaseLiquidity log.
type DecreaseLiquidity struct {
	Liquidity *big.Int `json:"liquidity"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
}

// Collect is the payload of a Collect log.
type Collect struct {
	Recipient string   `json:"recipient"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
}

// Amounts returns the token amounts carried by the active variant.
func (e *RawEvent) Amounts() (amount0, amount1 *big.Int) {
	switch e.Type {
	case RawEventIncreaseLiquidity:
		if e.Increase != nil {
			return e.Increase.Amount0, e.Increase.Amount1
		}
	case RawEventDecreaseLiquidity:
		if e.Decrease != nil {
			return e.Decrease.Amount0, e.Decrease.Amount1
		}
	case RawEventCollect:
		if e.Collect != nil {
			return e.Collect.Amount0, e.Collect.Amount1
		}
	}
	return nil, nil
}

// Validate checks that the payload matches the tag and amounts are non-negative.
func (e *RawEvent) Validate() error {
	var liquidity, amount0, amount1 *big.Int
	set := 0
	if e.Increase != nil {
		set++
	}
	if e.Decrease != nil {
		set++
	}
	if e.Collect != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("raw event %s at block %d: expected exactly one payload, got %d", e.Type, e.BlockNumber, set)
	}

	switch e.Type {
	case RawEventIncreaseLiquidity:
		if e.Increase == nil {
			return fmt.Errorf("raw event %s at block %d: missing increase payload", e.Type, e.BlockNumber)
		}
		liquidity, amount0, amount1 = e.Increase.Liquidity, e.Increase.Amount0, e.Increase.Amount1
	case RawEventDecreaseLiquidity:
		if e.Decrease == nil {
			return fmt.Errorf("raw event %s at block %d: missing decrease payload", e.Type, e.BlockNumber)
		}
		liquidity, amount0, amount1 = e.Decrease.Liquidity, e.Decrease.Amount0, e.Decrease.Amount1
	case RawEventCollect:
		if e.Collect == nil {
			return fmt.Errorf("raw event %s at block %d: missing collect payload", e.Type, e.BlockNumber)
		}
		liquidity, amount0, amount1 = new(big.Int), e.Collect.Amount0, e.Collect.Amount1
	default:
		return fmt.Errorf("unknown raw event type %q", e.Type)
	}

	names := []string{"liquidity", "amount0", "amount1"}
	for i, v := range []*big.Int{liquidity, amount0, amount1} {
		name := names[i]
		if v == nil {
			return fmt.Errorf("raw event %s at block %d: %s is nil", e.Type, e.BlockNumber, name)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("raw event %s at block %d: %s is negative", e.Type, e.BlockNumber, name)
		}
	}
	return nil
}

// SameCoordinates reports whether both events sit at the same (block, tx, log) position.
func (e *RawEvent) SameCoordinates(o *RawEvent) bool {
	return e.BlockNumber == o.BlockNumber &&
		e.TransactionIndex == o.TransactionIndex &&
		e.LogIndex == o.LogIndex
}

// Clone returns a deep copy of the event and its payload.
func (e *RawEvent) Clone() *RawEvent {
	c := *e
	if e.Increase != nil {
		c.Increase = &IncreaseLiquidity{
			Liquidity: cloneInt(e.Increase.Liquidity),
			Amount0:   cloneInt(e.Increase.Amount0),
			Amount1:   cloneInt(e.Increase.Amount1),
		}
	}
	if e.Decrease != nil {
		c.Decrease = &DecreaseLiquidity{
			Liquidity: cloneInt(e.Decrease.Liquidity),
			Amount0:   cloneInt(e.Decrease.Amount0),
			Amount1:   cloneInt(e.Decrease.Amount1),
		}
	}
	if e.Collect != nil {
		c.Collect = &Collect{
			Recipient: e.Collect.Recipient,
			Amount0:   cloneInt(e.Collect.Amount0),
			Amount1:   cloneInt(e.Collect.Amount1),
		}
	}
	return &c
}
