package ledger

import (
	"fmt"
	"math/big"

	"position-ledger/internal/domain"
	"position-ledger/internal/idhash"
	"position-ledger/internal/quote"
)

// State is the running ledger state after the last applied event.
type State struct {
	PreviousID *string

	// coordinates of the last applied event, valid when PreviousID != nil
	BlockNumber      uint64
	TransactionIndex uint
	LogIndex         uint

	Liquidity             *big.Int
	CostBasis             *big.Int
	Pnl                   *big.Int
	UncollectedPrincipal0 *big.Int
	UncollectedPrincipal1 *big.Int
}

// ZeroState is the state before a position's first event.
func ZeroState() State {
	return State{
		Liquidity:             new(big.Int),
		CostBasis:             new(big.Int),
		Pnl:                   new(big.Int),
		UncollectedPrincipal0: new(big.Int),
		UncollectedPrincipal1: new(big.Int),
	}
}

// StateFrom returns the running state carried by a persisted ledger event.
// A nil event yields ZeroState.
func StateFrom(e *domain.LedgerEvent) State {
	if e == nil {
		return ZeroState()
	}
	id := e.ID
	return State{
		PreviousID:            &id,
		BlockNumber:           e.BlockNumber,
		TransactionIndex:      e.TransactionIndex,
		LogIndex:              e.LogIndex,
		Liquidity:             copyInt(e.LiquidityAfter),
		CostBasis:             copyInt(e.CostBasisAfter),
		Pnl:                   copyInt(e.PnlAfter),
		UncollectedPrincipal0: copyInt(e.UncollectedPrincipal0After),
		UncollectedPrincipal1: copyInt(e.UncollectedPrincipal1After),
	}
}

// Apply replays one normalized raw event against prev and returns the next ledger event.
// It has no side effects. Every error wraps ErrConsistency.
func Apply(prev State, position *domain.Position, raw *domain.RawEvent, price *domain.HistoricPrice) (*domain.LedgerEvent, error) {
	if position == nil {
		return nil, fmt.Errorf("%w: position is nil", ErrConsistency)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: raw event is nil", ErrConsistency)
	}
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConsistency, err)
	}
	if price == nil || price.SqrtPriceX96 == nil || price.SqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing or malformed price at block %d", ErrConsistency, raw.BlockNumber)
	}
	if prev.PreviousID != nil && compareCoordinates(prev.BlockNumber, prev.TransactionIndex, prev.LogIndex,
		raw.BlockNumber, raw.TransactionIndex, raw.LogIndex) >= 0 {
		return nil, fmt.Errorf("%w: %w: event (%d,%d,%d) does not follow (%d,%d,%d)",
			ErrConsistency, ErrInvalidOrdering,
			raw.BlockNumber, raw.TransactionIndex, raw.LogIndex,
			prev.BlockNumber, prev.TransactionIndex, prev.LogIndex)
	}
	prev = normalizeState(prev)

	amount0, amount1 := raw.Amounts()
	sqrtP := price.SqrtPriceX96

	tokenValue, err := quote.ValueInQuote(amount0, amount1, sqrtP, position.IsToken0Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: token value: %v", ErrConsistency, err)
	}
	poolPrice, err := quote.PriceQuotePerBase(sqrtP, position.BaseToken().Decimals, position.IsToken0Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: pool price: %v", ErrConsistency, err)
	}

	inputHash := idhash.ComputeInputHash(raw.BlockNumber, raw.TransactionIndex, raw.LogIndex)
	timestamp := raw.BlockTimestamp
	if timestamp == 0 {
		timestamp = price.Timestamp
	}

	ev := &domain.LedgerEvent{
		ID:               idhash.ComputeLedgerEventID(position.ID, inputHash),
		PositionID:       position.ID,
		PreviousID:       clonePtr(prev.PreviousID),
		ChainID:          raw.ChainID,
		NFTID:            raw.NFTID,
		BlockNumber:      raw.BlockNumber,
		TransactionIndex: raw.TransactionIndex,
		LogIndex:         raw.LogIndex,
		TransactionHash:  raw.TransactionHash,
		Timestamp:        timestamp,
		InputHash:        inputHash,
		SqrtPriceX96:     new(big.Int).Set(sqrtP),
		PoolPrice:        poolPrice,
		Token0Amount:     new(big.Int).Set(amount0),
		Token1Amount:     new(big.Int).Set(amount1),
		TokenValue:       tokenValue,
		FeesCollected0:   new(big.Int),
		FeesCollected1:   new(big.Int),
	}
	if ev.ChainID == 0 {
		ev.ChainID = position.ChainID
	}
	if ev.NFTID == "" {
		ev.NFTID = position.NFTID
	}

	switch raw.Type {
	case domain.RawEventIncreaseLiquidity:
		applyIncrease(ev, prev, raw.Increase, tokenValue)
	case domain.RawEventDecreaseLiquidity:
		if err := applyDecrease(ev, prev, raw.Decrease, tokenValue); err != nil {
			return nil, err
		}
	case domain.RawEventCollect:
		if err := applyCollect(ev, prev, position, raw.Collect, sqrtP); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown raw event type %q", ErrConsistency, raw.Type)
	}

	return ev, nil
}

// applyIncrease adds the deposit value to cost basis. PnL and principal are unchanged.
func applyIncrease(ev *domain.LedgerEvent, prev State, p *domain.IncreaseLiquidity, tokenValue *big.Int) {
	ev.EventType = domain.EventTypeIncreasePosition
	ev.DeltaLiquidity = new(big.Int).Set(p.Liquidity)
	ev.LiquidityAfter = new(big.Int).Add(prev.Liquidity, p.Liquidity)
	ev.DeltaCostBasis = new(big.Int).Set(tokenValue)
	ev.CostBasisAfter = new(big.Int).Add(prev.CostBasis, tokenValue)
	ev.DeltaPnl = new(big.Int)
	ev.PnlAfter = new(big.Int).Set(prev.Pnl)
	ev.UncollectedPrincipal0After = new(big.Int).Set(prev.UncollectedPrincipal0)
	ev.UncollectedPrincipal1After = new(big.Int).Set(prev.UncollectedPrincipal1)
}

// applyDecrease realizes cost basis proportionally to the liquidity removed:
//
//	removed = costBasis * deltaL / liquidity
//	deltaPnl = value(withdrawn) - removed
//
// Withdrawn amounts become uncollected principal until collected.
func applyDecrease(ev *domain.LedgerEvent, prev State, p *domain.DecreaseLiquidity, tokenValue *big.Int) error {
	if p.Liquidity.Cmp(prev.Liquidity) > 0 {
		return fmt.Errorf("%w: decrease of %s exceeds liquidity %s at block %d",
			ErrConsistency, p.Liquidity, prev.Liquidity, ev.BlockNumber)
	}

	removed := new(big.Int)
	if prev.Liquidity.Sign() > 0 {
		removed.Mul(prev.CostBasis, p.Liquidity)
		removed.Quo(removed, prev.Liquidity)
	}
	costBasisAfter := new(big.Int).Sub(prev.CostBasis, removed)
	if costBasisAfter.Sign() < 0 {
		return fmt.Errorf("%w: cost basis would go negative at block %d", ErrConsistency, ev.BlockNumber)
	}

	ev.EventType = domain.EventTypeDecreasePosition
	ev.DeltaLiquidity = new(big.Int).Neg(p.Liquidity)
	ev.LiquidityAfter = new(big.Int).Sub(prev.Liquidity, p.Liquidity)
	ev.DeltaCostBasis = new(big.Int).Neg(removed)
	ev.CostBasisAfter = costBasisAfter
	ev.DeltaPnl = new(big.Int).Sub(tokenValue, removed)
	ev.PnlAfter = new(big.Int).Add(prev.Pnl, ev.DeltaPnl)
	ev.UncollectedPrincipal0After = new(big.Int).Add(prev.UncollectedPrincipal0, p.Amount0)
	ev.UncollectedPrincipal1After = new(big.Int).Add(prev.UncollectedPrincipal1, p.Amount1)
	return nil
}

// applyCollect splits the collected amounts into principal and fees.
// Fees become rewards; cost basis and PnL are unchanged.
func applyCollect(ev *domain.LedgerEvent, prev State, position *domain.Position, p *domain.Collect, sqrtP *big.Int) error {
	alloc := AllocateCollect(p.Amount0, p.Amount1, prev.UncollectedPrincipal0, prev.UncollectedPrincipal1)

	after0 := new(big.Int).Sub(prev.UncollectedPrincipal0, alloc.Token0.Principal)
	after1 := new(big.Int).Sub(prev.UncollectedPrincipal1, alloc.Token1.Principal)
	if after0.Sign() < 0 || after1.Sign() < 0 {
		return fmt.Errorf("%w: uncollected principal would go negative at block %d", ErrConsistency, ev.BlockNumber)
	}

	ev.EventType = domain.EventTypeCollect
	ev.DeltaLiquidity = new(big.Int)
	ev.LiquidityAfter = new(big.Int).Set(prev.Liquidity)
	ev.DeltaCostBasis = new(big.Int)
	ev.CostBasisAfter = new(big.Int).Set(prev.CostBasis)
	ev.DeltaPnl = new(big.Int)
	ev.PnlAfter = new(big.Int).Set(prev.Pnl)
	ev.UncollectedPrincipal0After = after0
	ev.UncollectedPrincipal1After = after1
	ev.FeesCollected0 = alloc.Token0.Fee
	ev.FeesCollected1 = alloc.Token1.Fee

	sides := []struct {
		token    domain.Token
		fee      *big.Int
		isToken0 bool
	}{
		{position.Token0, alloc.Token0.Fee, true},
		{position.Token1, alloc.Token1.Fee, false},
	}
	for _, s := range sides {
		if s.fee.Sign() == 0 {
			continue
		}
		value, err := quote.TokenValue(s.fee, s.isToken0, sqrtP, position.IsToken0Quote)
		if err != nil {
			return fmt.Errorf("%w: reward value: %v", ErrConsistency, err)
		}
		ev.Rewards = append(ev.Rewards, domain.Reward{
			TokenAddress: s.token.Address,
			TokenSymbol:  s.token.Symbol,
			Amount:       new(big.Int).Set(s.fee),
			Value:        value,
		})
	}
	return nil
}

func normalizeState(s State) State {
	s.Liquidity = intOrZero(s.Liquidity)
	s.CostBasis = intOrZero(s.CostBasis)
	s.Pnl = intOrZero(s.Pnl)
	s.UncollectedPrincipal0 = intOrZero(s.UncollectedPrincipal0)
	s.UncollectedPrincipal1 = intOrZero(s.UncollectedPrincipal1)
	return s
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
