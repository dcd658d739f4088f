package domain

// Token describes one side of a concentrated-liquidity pool.
type Token struct {
	Address  string // ERC-20 contract address (0x-prefixed hex)
	Symbol   string // display symbol, e.g. WETH
	Decimals uint8  // ERC-20 decimals
}

// Position represents a concentrated-liquidity NFT position.
// Corresponds to positions table in PostgreSQL.
type Position struct {
	ID            string // position identifier
	ChainID       int64  // EVM chain id
	NFTID         string // position manager token id (decimal uint256)
	PoolID        string // pool contract address
	Token0        Token
	Token1        Token
	IsToken0Quote bool  // true when token0 is the valuation (quote) token
	CreatedAt     int64 // record creation timestamp (ms)
}

// QuoteToken returns the token all values are denominated in.
func (p *Position) QuoteToken() Token {
	if p.IsToken0Quote {
		return p.Token0
	}
	return p.Token1
}

// BaseToken returns the non-quote token.
func (p *Position) BaseToken() Token {
	if p.IsToken0Quote {
		return p.Token1
	}
	return p.Token0
}
