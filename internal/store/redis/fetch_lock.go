package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sablefin/rebalancer/internal/domain"
)

// releaseLua deletes a lock row only when the caller's correlation id still
// owns it, so a late release never clears another holder's lock.
const releaseLua = `
local raw = redis.call('GET', KEYS[1])
if raw then
    local row = cjson.decode(raw)
    if row['correlation_id'] == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
end
return 0
`

type lockRow struct {
	CorrelationID       string    `json:"correlation_id"`
	RequestingStage     string    `json:"requesting_stage"`
	RequestingComponent string    `json:"requesting_component"`
	AcquiredAt          time.Time `json:"acquired_at"`
}

// FetchLockStore implements domain.FetchLockStore using SET NX with the
// cooldown as the key TTL: expiry is the time-based release, so a crashed
// holder can never wedge a symbol past the cooldown window.
type FetchLockStore struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewFetchLockStore creates a FetchLockStore backed by the given Client.
func NewFetchLockStore(c *Client) *FetchLockStore {
	return &FetchLockStore{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
	}
}

func fetchLockKey(symbol string) string {
	return "fetchlock:" + symbol
}

func (s *FetchLockStore) TryAcquireFetchLock(ctx context.Context, req domain.FetchRequest, cooldown time.Duration) (domain.AcquireResult, error) {
	key := fetchLockKey(req.Symbol)
	row := lockRow{
		CorrelationID:       req.CorrelationID,
		RequestingStage:     req.RequestingStage,
		RequestingComponent: req.RequestingComponent,
		AcquiredAt:          time.Now().UTC(),
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return domain.AcquireResult{}, fmt.Errorf("redis: marshal lock row %s: %w", req.Symbol, err)
	}

	ok, err := s.rdb.SetNX(ctx, key, raw, cooldown).Result()
	if err != nil {
		return domain.AcquireResult{}, fmt.Errorf("redis: acquire fetch lock %s: %w", req.Symbol, err)
	}
	if ok {
		return domain.AcquireResult{CanProceed: true}, nil
	}

	// Denied: read the holder and the remaining cooldown for the caller's
	// dedup reply. The row may expire between the SETNX and these reads; a
	// missing row still reports a denial and the caller simply retries later.
	result := domain.AcquireResult{CanProceed: false}
	existing, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		var held lockRow
		if json.Unmarshal([]byte(existing), &held) == nil {
			result.ExistingCorrelation = held.CorrelationID
			result.ExistingRequestTime = held.AcquiredAt
		}
	} else if !errors.Is(err, redis.Nil) {
		return domain.AcquireResult{}, fmt.Errorf("redis: read fetch lock %s: %w", req.Symbol, err)
	}
	if ttl, err := s.rdb.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		result.CooldownRemaining = ttl
	}
	return result, nil
}

func (s *FetchLockStore) ReleaseFetchLock(ctx context.Context, symbol, correlationID string) error {
	if err := s.releaseSc.Run(ctx, s.rdb, []string{fetchLockKey(symbol)}, correlationID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: release fetch lock %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FetchLockStore = (*FetchLockStore)(nil)
