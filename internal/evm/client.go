// Package evm provides JSON-RPC clients for EVM-compatible chains.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// Client is an EVM JSON-RPC client over HTTP backed by ethclient.
// Requests are spaced by a minimum interval and retried with jittered
// exponential backoff on 429, 5xx and transport failures.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// ClientOption configures Client.
type ClientOption func(*retryTransport)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(t *retryTransport) {
		t.timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(t *retryTransport) {
		t.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(t *retryTransport) {
		t.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(t *retryTransport) {
		t.maxDelay = d
	}
}

// WithMinInterval sets the minimum spacing between outbound requests.
func WithMinInterval(d time.Duration) ClientOption {
	return func(t *retryTransport) {
		t.minInterval = d
	}
}

// WithTransport sets the round tripper wrapped by the retry policy.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(t *retryTransport) {
		t.base = rt
	}
}

// Dial creates a client for an HTTP JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string, opts ...ClientOption) (*Client, error) {
	transport := newRetryTransport(opts...)
	rpcClient, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", endpoint, err)
	}
	return &Client{rpc: rpcClient, eth: ethclient.NewClient(rpcClient)}, nil
}

// Close releases the underlying RPC client.
func (c *Client) Close() {
	c.rpc.Close()
}

// Header is the subset of a block header the ledger needs.
type Header struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64 // Unix seconds
}

func toHeader(h *types.Header) Header {
	return Header{
		Number:    h.Number.Uint64(),
		Hash:      h.Hash(),
		Timestamp: h.Time,
	}
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return n, nil
}

// FinalizedBlockNumber returns the block behind the "finalized" tag.
// Returns nil when the node does not support the tag.
func (c *Client) FinalizedBlockNumber(ctx context.Context) (*uint64, error) {
	h, err := c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err != nil {
		var rpcErr rpc.Error
		if errors.Is(err, ethereum.NotFound) || errors.As(err, &rpcErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("finalized header: %w", err)
	}
	n := h.Number.Uint64()
	return &n, nil
}

// HeaderByNumber returns the header of block n.
// Returns nil if the block is unknown to the node.
func (c *Client) HeaderByNumber(ctx context.Context, n uint64) (*Header, error) {
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", n, err)
	}
	header := toHeader(h)
	return &header, nil
}

// BlockTimestamp returns the timestamp of block n in Unix seconds.
func (c *Client) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	h, err := c.HeaderByNumber(ctx, n)
	if err != nil {
		return 0, err
	}
	if h == nil {
		return 0, fmt.Errorf("block %d not found", n)
	}
	return h.Timestamp, nil
}

// FilterLogs returns the logs matching q.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}
	return logs, nil
}

// CallContract executes a read-only eth_call at blockNumber.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("eth_call: %w", err)
	}
	return out, nil
}
