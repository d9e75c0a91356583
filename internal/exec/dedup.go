package exec

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// IdempotencyKey builds the deterministic digest that identifies one trade
// execution across redeliveries and worker restarts.
func IdempotencyKey(runID, tradeID, symbol, action string) string {
	sum := sha256.Sum256([]byte(runID + "|" + tradeID + "|" + symbol + "|" + action))
	return hex.EncodeToString(sum[:])
}

// seenCache remembers idempotency keys of trades already known terminal so a
// redelivered message can be dropped without a store round trip. It is a
// best-effort optimization only; the store remains the source of truth.
type seenCache struct {
	seen map[string]time.Time
	ttl  time.Duration
	mu   sync.Mutex
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether key was marked within the TTL window.
func (c *seenCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.seen[key]
	return ok && time.Since(ts) < c.ttl
}

// Mark records key as terminal.
func (c *seenCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = time.Now()
}

// Cleanup removes expired entries. Called periodically by the worker pool to
// prevent unbounded growth.
func (c *seenCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
