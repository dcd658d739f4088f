package domain

import "math/big"

// EventType classifies a ledger event.
type EventType string

// Ledger event type constants.
const (
	EventTypeIncreasePosition EventType = "INCREASE_POSITION"
	EventTypeDecreasePosition EventType = "DECREASE_POSITION"
	EventTypeCollect          EventType = "COLLECT"
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	return string(t)
}

// IsValid checks if the event type is a valid value.
func (t EventType) IsValid() bool {
	return t == EventTypeIncreasePosition || t == EventTypeDecreasePosition || t == EventTypeCollect
}

// Reward is the fee portion of a collect for one token.
type Reward struct {
	TokenAddress string   `json:"tokenAddress"`
	TokenSymbol  string   `json:"tokenSymbol"`
	Amount       *big.Int `json:"amount"` // raw token units
	Value        *big.Int `json:"value"`  // raw quote units
}

// LedgerEvent is one immutable entry of a position's ledger.
// Corresponds to position_ledger_events table in PostgreSQL.
// All amounts are raw token units; all values are raw quote-token units.
type LedgerEvent struct {
	ID         string  // deterministic id, see idhash.ComputeLedgerEventID
	PositionID string  // FK to positions
	PreviousID *string // prior event of the same position, nil for the first

	ChainID          int64
	NFTID            string
	BlockNumber      uint64
	TransactionIndex uint
	LogIndex         uint
	TransactionHash  string
	Timestamp        int64 // block time, Unix milliseconds

	EventType EventType
	InputHash string // hash of (block, tx, log), unique per position

	SqrtPriceX96 *big.Int // pool price at the event block
	PoolPrice    *big.Int // quote units per one whole base token
	Token0Amount *big.Int
	Token1Amount *big.Int
	TokenValue   *big.Int // quote value of Token0Amount + Token1Amount

	DeltaLiquidity *big.Int
	LiquidityAfter *big.Int
	DeltaCostBasis *big.Int
	CostBasisAfter *big.Int
	DeltaPnl       *big.Int
	PnlAfter       *big.Int

	UncollectedPrincipal0After *big.Int
	UncollectedPrincipal1After *big.Int
	FeesCollected0             *big.Int
	FeesCollected1             *big.Int

	Rewards []Reward

	CreatedAt int64 // record creation timestamp (ms)
}

// Clone returns a deep copy of the event.
func (e *LedgerEvent) Clone() *LedgerEvent {
	c := *e
	if e.PreviousID != nil {
		prev := *e.PreviousID
		c.PreviousID = &prev
	}
	c.SqrtPriceX96 = cloneInt(e.SqrtPriceX96)
	c.PoolPrice = cloneInt(e.PoolPrice)
	c.Token0Amount = cloneInt(e.Token0Amount)
	c.Token1Amount = cloneInt(e.Token1Amount)
	c.TokenValue = cloneInt(e.TokenValue)
	c.DeltaLiquidity = cloneInt(e.DeltaLiquidity)
	c.LiquidityAfter = cloneInt(e.LiquidityAfter)
	c.DeltaCostBasis = cloneInt(e.DeltaCostBasis)
	c.CostBasisAfter = cloneInt(e.CostBasisAfter)
	c.DeltaPnl = cloneInt(e.DeltaPnl)
	c.PnlAfter = cloneInt(e.PnlAfter)
	c.UncollectedPrincipal0After = cloneInt(e.UncollectedPrincipal0After)
	c.UncollectedPrincipal1After = cloneInt(e.UncollectedPrincipal1After)
	c.FeesCollected0 = cloneInt(e.FeesCollected0)
	c.FeesCollected1 = cloneInt(e.FeesCollected1)
	if e.Rewards != nil {
		c.Rewards = make([]Reward, len(e.Rewards))
		for i, r := range e.Rewards {
			c.Rewards[i] = Reward{
				TokenAddress: r.TokenAddress,
				TokenSymbol:  r.TokenSymbol,
				Amount:       cloneInt(r.Amount),
				Value:        cloneInt(r.Value),
			}
		}
	}
	return &c
}

// RewardValue sums the quote value of all rewards.
func (e *LedgerEvent) RewardValue() *big.Int {
	total := new(big.Int)
	for _, r := range e.Rewards {
		if r.Value != nil {
			total.Add(total, r.Value)
		}
	}
	return total
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
