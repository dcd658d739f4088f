// Package quote converts raw token amounts into quote-token value using a
// pool's sqrtPriceX96. All arithmetic is on big.Int; results truncate toward zero
// after a single final division.
package quote

import (
	"errors"
	"math/big"
)

// ErrInvalidPrice is returned when sqrtPriceX96 is missing or not positive.
var ErrInvalidPrice = errors.New("invalid sqrtPriceX96")

// q192 is 2^192, the scale of sqrtPriceX96 squared.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// Q96 is 2^96, the fixed-point scale of sqrtPriceX96.
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

func checkPrice(sqrtPriceX96 *big.Int) error {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// PriceQuotePerBase returns the quote raw units paid for one whole base token.
//   - token1 quote: sqrtP² · 10^baseDecimals / 2^192
//   - token0 quote: 2^192 · 10^baseDecimals / sqrtP²
func PriceQuotePerBase(sqrtPriceX96 *big.Int, baseDecimals uint8, isToken0Quote bool) (*big.Int, error) {
	if err := checkPrice(sqrtPriceX96); err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(baseDecimals)), nil)
	priceSq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)

	if isToken0Quote {
		num := new(big.Int).Mul(q192, scale)
		return num.Quo(num, priceSq), nil
	}
	num := priceSq.Mul(priceSq, scale)
	return num.Quo(num, q192), nil
}

// ValueInQuote returns the combined value of amount0 and amount1 in quote raw units.
//   - token1 quote: amount1 + amount0 · sqrtP² / 2^192
//   - token0 quote: amount0 + amount1 · 2^192 / sqrtP²
func ValueInQuote(amount0, amount1, sqrtPriceX96 *big.Int, isToken0Quote bool) (*big.Int, error) {
	if err := checkPrice(sqrtPriceX96); err != nil {
		return nil, err
	}
	a0 := orZero(amount0)
	a1 := orZero(amount1)
	priceSq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)

	if isToken0Quote {
		converted := new(big.Int).Mul(a1, q192)
		converted.Quo(converted, priceSq)
		return converted.Add(converted, a0), nil
	}
	converted := new(big.Int).Mul(a0, priceSq)
	converted.Quo(converted, q192)
	return converted.Add(converted, a1), nil
}

// TokenValue returns the quote value of a single-token amount.
// isToken0 tells which side of the pool the amount belongs to.
func TokenValue(amount *big.Int, isToken0 bool, sqrtPriceX96 *big.Int, isToken0Quote bool) (*big.Int, error) {
	if isToken0 {
		return ValueInQuote(amount, nil, sqrtPriceX96, isToken0Quote)
	}
	return ValueInQuote(nil, amount, sqrtPriceX96, isToken0Quote)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
