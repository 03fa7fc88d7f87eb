package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stagelink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope carries one signaling message between relay instances.
type Envelope struct {
	InstanceID string               `json:"instance_id"`
	Timestamp  time.Time            `json:"timestamp"`
	To         domain.PeerID        `json:"to"`
	Message    domain.SignalMessage `json:"message"`
}

// RelayBus fans signaling messages out to every relay instance over Redis
// pub/sub. Each instance delivers the messages addressed to peers it holds.
type RelayBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRelayBus(client *redis.Client, channel string, logger *zap.SugaredLogger) *RelayBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayBus{
		client:     client,
		instanceID: uuid.NewString(),
		channel:    channel,
		logger:     logger,
	}
}

func (b *RelayBus) InstanceID() string {
	return b.instanceID
}

// Forward publishes msg for delivery to peer to on whichever instance holds it.
func (b *RelayBus) Forward(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	data, err := json.Marshal(Envelope{
		InstanceID: b.instanceID,
		Timestamp:  time.Now(),
		To:         to,
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	b.logger.Debugw("forwarded signaling message",
		"type", msg.Type,
		"from", msg.From,
		"to", to,
	)
	return nil
}

// Subscribe calls handler for every envelope published by other instances
// until ctx is done.
func (b *RelayBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	b.pubsub = pubsub
	b.mu.Unlock()

	defer b.Close()

	// wait for the subscription to be confirmed so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if env.InstanceID == b.instanceID {
				continue
			}
			handler(env)
		}
	}
}

func (b *RelayBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
