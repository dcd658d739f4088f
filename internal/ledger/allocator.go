package ledger

import "math/big"

// Allocation is the split of one token's collected amount.
type Allocation struct {
	Principal *big.Int
	Fee       *big.Int
}

// CollectAllocation is the split of a collect across both tokens.
type CollectAllocation struct {
	Token0 Allocation
	Token1 Allocation
}

// AllocateCollect partitions collected amounts into principal and fee.
// Principal is consumed first, up to the tracked uncollected principal;
// anything above it is fee. Nil inputs are treated as zero.
func AllocateCollect(amount0, amount1, uncollected0, uncollected1 *big.Int) CollectAllocation {
	return CollectAllocation{
		Token0: allocate(amount0, uncollected0),
		Token1: allocate(amount1, uncollected1),
	}
}

func allocate(withdrawn, uncollected *big.Int) Allocation {
	w := intOrZero(withdrawn)
	u := intOrZero(uncollected)
	if u.Sign() < 0 {
		u = new(big.Int)
	}
	if w.Cmp(u) <= 0 {
		return Allocation{Principal: new(big.Int).Set(w), Fee: new(big.Int)}
	}
	return Allocation{
		Principal: new(big.Int).Set(u),
		Fee:       new(big.Int).Sub(w, u),
	}
}

func intOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
