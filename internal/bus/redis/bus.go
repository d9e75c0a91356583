package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sablefin/rebalancer/internal/domain"
	storeredis "github.com/sablefin/rebalancer/internal/store/redis"
)

// EventBus publishes and consumes event envelopes over one Redis stream.
type EventBus struct {
	st *stream
}

// NewEventBus creates an EventBus on the given stream configuration.
func NewEventBus(c *storeredis.Client, cfg StreamConfig, logger *slog.Logger) *EventBus {
	return &EventBus{
		st: newStream(c.Underlying(), cfg, logger.With(slog.String("component", "event_bus"))),
	}
}

// Publish appends the envelope to the topic stream.
func (b *EventBus) Publish(ctx context.Context, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisbus: marshal envelope %s: %w", env.EventID, err)
	}
	return b.st.publish(ctx, raw)
}

// Consume delivers envelopes to h until ctx is done.
func (b *EventBus) Consume(ctx context.Context, h domain.EventHandler) error {
	return b.st.consume(ctx, func(ctx context.Context, payload []byte) error {
		var env domain.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("redisbus: decode envelope: %w", err)
		}
		return h(ctx, env)
	})
}

// Compile-time interface checks.
var (
	_ domain.EventBus      = (*EventBus)(nil)
	_ domain.EventConsumer = (*EventBus)(nil)
)

// TradeQueue carries execution messages over a Redis stream, deduplicating
// enqueues by (run_id, trade_id) through a SET NX marker.
type TradeQueue struct {
	rdb         *goredis.Client
	st          *stream
	dedupWindow time.Duration
}

// NewTradeQueue creates a TradeQueue. dedupWindow bounds the enqueue
// deduplication marker lifetime.
func NewTradeQueue(c *storeredis.Client, cfg StreamConfig, dedupWindow time.Duration, logger *slog.Logger) *TradeQueue {
	if dedupWindow <= 0 {
		dedupWindow = 24 * time.Hour
	}
	return &TradeQueue{
		rdb:         c.Underlying(),
		st:          newStream(c.Underlying(), cfg, logger.With(slog.String("component", "trade_queue"))),
		dedupWindow: dedupWindow,
	}
}

// Enqueue appends the trade message unless the same (run_id, trade_id) was
// already enqueued within the dedup window.
func (q *TradeQueue) Enqueue(ctx context.Context, msg domain.TradeMessage) error {
	marker := "queue:dedup:" + msg.RunID + ":" + msg.TradeID
	ok, err := q.rdb.SetNX(ctx, marker, "1", q.dedupWindow).Result()
	if err != nil {
		return fmt.Errorf("redisbus: enqueue dedup %s/%s: %w", msg.RunID, msg.TradeID, err)
	}
	if !ok {
		return nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisbus: marshal trade message %s/%s: %w", msg.RunID, msg.TradeID, err)
	}
	return q.st.publish(ctx, raw)
}

// Consume delivers trade messages to h until ctx is done.
func (q *TradeQueue) Consume(ctx context.Context, h domain.TradeHandler) error {
	return q.st.consume(ctx, func(ctx context.Context, payload []byte) error {
		var msg domain.TradeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("redisbus: decode trade message: %w", err)
		}
		return h(ctx, msg)
	})
}

// Compile-time interface check.
var _ domain.TradeQueue = (*TradeQueue)(nil)
