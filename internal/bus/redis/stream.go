// Package redis implements the event topic and execution queue on Redis
// streams with consumer groups. Delivery is at-least-once: a message is
// acknowledged only after its handler returns nil, redelivered via
// XAUTOCLAIM while it stays pending, and moved to a dead-letter stream once
// its delivery count exceeds the bound.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// StreamConfig holds the consumer-group parameters shared by the topic and
// the execution queue.
type StreamConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MaxDeliveries int
	BatchSize     int
	Block         time.Duration
	MinIdle       time.Duration
}

func (c StreamConfig) normalize() StreamConfig {
	if c.MaxDeliveries < 1 {
		c.MaxDeliveries = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	return c
}

// stream drives one consumer group over one Redis stream.
type stream struct {
	rdb    *redis.Client
	cfg    StreamConfig
	logger *slog.Logger
}

func newStream(rdb *redis.Client, cfg StreamConfig, logger *slog.Logger) *stream {
	return &stream{rdb: rdb, cfg: cfg.normalize(), logger: logger}
}

func (s *stream) deadStream() string {
	return s.cfg.Stream + ":dead"
}

// publish appends a payload via XADD with approximate trimming.
func (s *stream) publish(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisbus: xadd %s: %w", s.cfg.Stream, err)
	}
	return nil
}

func (s *stream) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisbus: create group %s/%s: %w", s.cfg.Stream, s.cfg.Group, err)
	}
	return nil
}

// consume runs the delivery loop until ctx is done. Each message is handled
// in isolation; a handler error leaves the entry pending for the reclaim
// pass instead of blocking the batch.
func (s *stream) consume(ctx context.Context, handle func(ctx context.Context, payload []byte) error) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	reclaimTicker := time.NewTicker(s.cfg.MinIdle)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaimTicker.C:
			s.reclaim(ctx, handle)
		default:
		}

		res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    int64(s.cfg.BatchSize),
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stream read failed",
				slog.String("stream", s.cfg.Stream),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				s.process(ctx, msg, 1, handle)
			}
		}
	}
}

// process runs the handler for one entry and acknowledges on success. On
// failure the entry stays pending unless its delivery count has reached the
// bound, in which case it is dead-lettered and acknowledged.
func (s *stream) process(ctx context.Context, msg redis.XMessage, deliveries int64, handle func(ctx context.Context, payload []byte) error) {
	payload, ok := payloadBytes(msg)
	if !ok {
		// Malformed entry: nothing a redelivery can fix.
		s.deadLetter(ctx, msg)
		return
	}

	if err := handle(ctx, payload); err != nil {
		if deliveries >= int64(s.cfg.MaxDeliveries) {
			s.logger.Warn("message dead-lettered",
				slog.String("stream", s.cfg.Stream),
				slog.String("id", msg.ID),
				slog.Int64("deliveries", deliveries),
				slog.String("error", err.Error()),
			)
			s.deadLetter(ctx, msg)
			return
		}
		s.logger.Warn("message handling failed, leaving pending",
			slog.String("stream", s.cfg.Stream),
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
		s.logger.Warn("ack failed",
			slog.String("stream", s.cfg.Stream),
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// reclaim picks up entries whose consumer died or whose handler failed and
// retries them with their recorded delivery count.
func (s *stream) reclaim(ctx context.Context, handle func(ctx context.Context, payload []byte) error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(s.cfg.BatchSize),
		Idle:   s.cfg.MinIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, p := range pending {
		claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.MinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		s.process(ctx, claimed[0], p.RetryCount, handle)
	}
}

func (s *stream) deadLetter(ctx context.Context, msg redis.XMessage) {
	if payload, ok := payloadBytes(msg); ok {
		args := &redis.XAddArgs{
			Stream: s.deadStream(),
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"payload": payload, "origin_id": msg.ID},
		}
		if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
			s.logger.Error("dead-letter append failed",
				slog.String("stream", s.deadStream()),
				slog.String("error", err.Error()),
			)
		}
	}
	_ = s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err()
}

func payloadBytes(msg redis.XMessage) ([]byte, bool) {
	v, ok := msg.Values["payload"]
	if !ok {
		return nil, false
	}
	switch p := v.(type) {
	case string:
		return []byte(p), true
	case []byte:
		return p, true
	default:
		return nil, false
	}
}
