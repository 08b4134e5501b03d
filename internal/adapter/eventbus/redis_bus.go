// Package eventbus provides EventPublisher implementations. The Redis bus
// publishes payment events to per-type pub/sub channels; the memory bus
// collects them for tests.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-orchestrator/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// channelPrefix namespaces payment event channels.
const channelPrefix = "payments.events."

// RedisBus implements ports.EventPublisher over Redis pub/sub. Each event
// type has its own channel so consumers subscribe selectively.
type RedisBus struct {
	client *goredis.Client
	log    zerolog.Logger
}

// NewRedisBus creates a Redis-backed event publisher.
func NewRedisBus(client *goredis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

// Publish sends the event to its type channel.
func (b *RedisBus) Publish(ctx context.Context, event *domain.PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	channel := channelPrefix + string(event.EventType)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s to %s: %w", event.EventID, channel, err)
	}

	b.log.Debug().
		Str("event_id", event.EventID).
		Str("channel", channel).
		Str("aggregate_id", event.AggregateID).
		Msg("event published")
	return nil
}
