package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sablefin/rebalancer/internal/domain"
)

type queueItem struct {
	msg      domain.TradeMessage
	attempts int
}

// Queue is an in-process execution queue. Enqueue deduplicates by
// (run_id, trade_id); a failing handler puts the message back until
// maxDeliveries, after which it is dead-lettered.
type Queue struct {
	mu            sync.Mutex
	items         []queueItem
	enqueued      map[string]struct{}
	maxDeliveries int
	dead          []domain.TradeMessage
	logger        *slog.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(maxDeliveries int, logger *slog.Logger) *Queue {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	return &Queue{
		enqueued:      make(map[string]struct{}),
		maxDeliveries: maxDeliveries,
		logger:        logger.With(slog.String("component", "memory_queue")),
	}
}

func dedupKey(msg domain.TradeMessage) string {
	return msg.RunID + "|" + msg.TradeID
}

// Enqueue appends the message unless the same (run_id, trade_id) was already
// enqueued.
func (q *Queue) Enqueue(ctx context.Context, msg domain.TradeMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey(msg)
	if _, ok := q.enqueued[key]; ok {
		return nil
	}
	q.enqueued[key] = struct{}{}
	q.items = append(q.items, queueItem{msg: msg})
	return nil
}

func (q *Queue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) handle(ctx context.Context, item queueItem, h domain.TradeHandler) {
	item.attempts++
	if err := h(ctx, item.msg); err != nil {
		if item.attempts >= q.maxDeliveries {
			q.logger.Warn("trade message dead-lettered",
				slog.String("run_id", item.msg.RunID),
				slog.String("trade_id", item.msg.TradeID),
				slog.String("error", err.Error()),
			)
			q.mu.Lock()
			q.dead = append(q.dead, item.msg)
			q.mu.Unlock()
			return
		}
		q.mu.Lock()
		q.items = append(q.items, item)
		q.mu.Unlock()
	}
}

// Consume processes messages until ctx is done. Safe to run from several
// goroutines to model a parallel worker pool.
func (q *Queue) Consume(ctx context.Context, h domain.TradeHandler) error {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		q.handle(ctx, item, h)
	}
}

// Drain synchronously processes messages until the queue is empty, including
// messages enqueued by the handler itself. Test and local-mode helper.
func (q *Queue) Drain(ctx context.Context, h domain.TradeHandler) error {
	for {
		item, ok := q.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.handle(ctx, item, h)
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns a copy of dead-lettered trade messages.
func (q *Queue) DeadLetters() []domain.TradeMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TradeMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// Compile-time interface check.
var _ domain.TradeQueue = (*Queue)(nil)
