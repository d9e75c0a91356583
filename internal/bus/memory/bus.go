// Package memory provides in-process implementations of the event topic and
// the execution queue. Dispatch is synchronous and mutex-guarded, which makes
// delivery order deterministic for tests while keeping the same at-least-once
// handler contract as the redis transport.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Bus is an in-process event topic. Publish dispatches to every subscriber
// inline; a failing handler is retried up to maxDeliveries before the
// envelope is parked on the dead-letter slice. Subscriber failures never
// propagate to the publisher.
type Bus struct {
	mu            sync.Mutex
	handlers      []domain.EventHandler
	maxDeliveries int
	dead          []domain.Envelope
	logger        *slog.Logger
}

// NewBus creates a Bus. maxDeliveries < 1 is treated as 1.
func NewBus(maxDeliveries int, logger *slog.Logger) *Bus {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &Bus{
		maxDeliveries: maxDeliveries,
		logger:        logger.With(slog.String("component", "memory_bus")),
	}
}

// Subscribe registers a handler for every published envelope.
func (b *Bus) Subscribe(h domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the envelope to each subscriber with bounded retries.
func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	b.mu.Lock()
	handlers := make([]domain.EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		var err error
		for attempt := 1; attempt <= b.maxDeliveries; attempt++ {
			if err = h(ctx, env); err == nil {
				break
			}
		}
		if err != nil {
			b.logger.Warn("envelope dead-lettered",
				slog.String("event_type", string(env.EventType)),
				slog.String("event_id", env.EventID),
				slog.String("error", err.Error()),
			)
			b.mu.Lock()
			b.dead = append(b.dead, env)
			b.mu.Unlock()
		}
	}
	return nil
}

// Consume registers h as a subscriber and blocks until ctx is done,
// mirroring the stream consumer contract.
func (b *Bus) Consume(ctx context.Context, h domain.EventHandler) error {
	b.Subscribe(h)
	<-ctx.Done()
	return ctx.Err()
}

// DeadLetters returns a copy of the dead-lettered envelopes.
func (b *Bus) DeadLetters() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Envelope, len(b.dead))
	copy(out, b.dead)
	return out
}

// Compile-time interface checks.
var (
	_ domain.EventBus      = (*Bus)(nil)
	_ domain.EventConsumer = (*Bus)(nil)
)
