package domain

import "context"

// EventBus publishes domain events to the topic. Delivery to consumers is
// at-least-once and unordered; idempotency is enforced through the RunStore,
// never assumed from the bus.
type EventBus interface {
	Publish(ctx context.Context, env Envelope) error
}

// EventHandler processes one delivered envelope. A nil return acknowledges
// the message; an error leaves it eligible for redelivery until the bounded
// retry count routes it to the dead-letter sink.
type EventHandler func(ctx context.Context, env Envelope) error

// EventConsumer runs a consumer loop over the topic until ctx is done.
// Failures are isolated per message so one poisoned envelope never blocks
// the rest of a batch.
type EventConsumer interface {
	Consume(ctx context.Context, h EventHandler) error
}

// TradeHandler processes one execution-queue message.
type TradeHandler func(ctx context.Context, msg TradeMessage) error

// TradeQueue is the execution queue carrying individual trade messages.
// Enqueue deduplicates by (run_id, trade_id) within the dedup window.
type TradeQueue interface {
	Enqueue(ctx context.Context, msg TradeMessage) error
	Consume(ctx context.Context, h TradeHandler) error
}
