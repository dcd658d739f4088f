// Package notify publishes ledger sync notifications to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream and subject layout.
const (
	StreamName    = "POSITION_LEDGER"
	SubjectPrefix = "ledger.synced"
)

// SyncedEvent announces that a position's ledger was rebuilt.
type SyncedEvent struct {
	PositionID     string `json:"positionId"`
	ChainID        int64  `json:"chainId"`
	NFTID          string `json:"nftId"`
	FromBlock      uint64 `json:"fromBlock"`
	FinalizedBlock uint64 `json:"finalizedBlock"`
	EventsAdded    int    `json:"eventsAdded"`
	EventsDeleted  int    `json:"eventsDeleted"`
	EventsReplayed int    `json:"eventsReplayed"`
	Periods        int    `json:"periods"`
	SyncedAt       int64  `json:"syncedAt"` // Unix milliseconds
}

// Subject returns the subject an event is published on.
func (e SyncedEvent) Subject() string {
	return SubjectPrefix + "." + e.PositionID
}

// Publisher publishes sync notifications.
type Publisher interface {
	PublishSynced(ctx context.Context, e SyncedEvent) error
}

// NopPublisher discards every notification.
type NopPublisher struct{}

// PublishSynced implements Publisher.
func (NopPublisher) PublishSynced(context.Context, SyncedEvent) error { return nil }

// streamPublisher is the subset of jetstream.JetStream used for publishing.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamPublisher publishes notifications to a JetStream stream.
type JetStreamPublisher struct {
	js     streamPublisher
	logger *slog.Logger
}

var _ Publisher = (*JetStreamPublisher)(nil)

// NewJetStreamPublisher creates a publisher. A nil logger uses slog.Default().
func NewJetStreamPublisher(js jetstream.JetStream, logger *slog.Logger) *JetStreamPublisher {
	return newJetStreamPublisher(js, logger)
}

func newJetStreamPublisher(js streamPublisher, logger *slog.Logger) *JetStreamPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamPublisher{js: js, logger: logger}
}

// PublishSynced implements Publisher. The message id deduplicates
// redelivered notifications for the same sync.
func (p *JetStreamPublisher) PublishSynced(ctx context.Context, e SyncedEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal synced event: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d-%d", e.PositionID, e.FinalizedBlock, e.SyncedAt)
	ack, err := p.js.Publish(ctx, e.Subject(), data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}
	p.logger.Debug("published sync notification", "subject", e.Subject(), "stream", ack.Stream, "seq", ack.Sequence)
	return nil
}

// Connect dials NATS and returns a JetStream handle.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureStream creates or updates the notification stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
