package evm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// WSConfig configures HeadSubscriber behavior.
type WSConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds dial plus the eth_subscribe round trip on reconnect.
	SubscribeTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
	}
}

// HeadSubscriber streams new block headers over eth_subscribe("newHeads").
// The subscription is re-established after every disconnect.
type HeadSubscriber struct {
	endpoint string
	config   WSConfig
	logger   *slog.Logger

	heads     chan Header
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// headStream is one live connection and its subscription.
type headStream struct {
	client *rpc.Client
	sub    ethereum.Subscription
	raw    chan *types.Header
}

func (hs *headStream) close() {
	hs.sub.Unsubscribe()
	hs.client.Close()
}

// SubscribeHeads connects to endpoint and subscribes to newHeads.
// A nil config uses DefaultWSConfig; a nil logger uses slog.Default().
func SubscribeHeads(ctx context.Context, endpoint string, config *WSConfig, logger *slog.Logger) (*HeadSubscriber, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &HeadSubscriber{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		heads:    make(chan Header, 256),
		done:     make(chan struct{}),
	}

	stream, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run(stream)
	return s, nil
}

// Heads returns the channel of received headers. It is closed by Close.
func (s *HeadSubscriber) Heads() <-chan Header {
	return s.heads
}

// Close stops the subscription and closes the heads channel.
func (s *HeadSubscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.heads)
	})
	return nil
}

func (s *HeadSubscriber) open(ctx context.Context) (*headStream, error) {
	client, err := rpc.DialOptions(ctx, s.endpoint,
		rpc.WithWebsocketDialer(websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}))
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	raw := make(chan *types.Header, 64)
	sub, err := ethclient.NewClient(client).SubscribeNewHead(ctx, raw)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}
	return &headStream{client: client, sub: sub, raw: raw}, nil
}

func (s *HeadSubscriber) run(stream *headStream) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			stream.close()
			return

		case h := <-stream.raw:
			s.forward(h)

		case err := <-stream.sub.Err():
			s.flush(stream)
			stream.close()
			s.logger.Warn("head subscription lost, reconnecting", "endpoint", s.endpoint, "error", err)
			next, ok := s.reopen()
			if !ok {
				return
			}
			stream = next
			s.logger.Info("head subscription restored", "endpoint", s.endpoint)
		}
	}
}

func (s *HeadSubscriber) forward(h *types.Header) {
	select {
	case s.heads <- toHeader(h):
	case <-s.done:
	}
}

// flush forwards headers that arrived before the subscription failed.
func (s *HeadSubscriber) flush(stream *headStream) {
	for {
		select {
		case h := <-stream.raw:
			s.forward(h)
		default:
			return
		}
	}
}

// reopen dials and resubscribes with exponential backoff until it succeeds
// or the subscriber is closed.
func (s *HeadSubscriber) reopen() (*headStream, bool) {
	delay := s.config.ReconnectDelay
	for {
		select {
		case <-s.done:
			return nil, false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.SubscribeTimeout)
		stream, err := s.open(ctx)
		cancel()
		if err == nil {
			return stream, true
		}
		s.logger.Warn("head subscription reconnect failed", "endpoint", s.endpoint, "delay", delay, "error", err)

		delay *= 2
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}
	}
}
