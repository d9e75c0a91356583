package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sablefin/rebalancer/internal/domain"
	"github.com/sablefin/rebalancer/internal/marketdata"
)

// BarCache keeps the latest refreshed bar per symbol in a Redis hash at
// "bars:{symbol}". Only the most recent bar is retained; the fetch-lock
// cooldown already bounds refresh frequency.
type BarCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBarCache creates a BarCache. ttl <= 0 keeps bars forever.
func NewBarCache(c *Client, ttl time.Duration) *BarCache {
	return &BarCache{rdb: c.Underlying(), ttl: ttl}
}

func barKey(symbol string) string {
	return "bars:" + symbol
}

// StoreBars records the most recent bar of the batch along with the batch
// size, so staleness checks can see both price age and window depth.
func (bc *BarCache) StoreBars(ctx context.Context, symbol string, bars []marketdata.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	latest := bars[len(bars)-1]
	fields := map[string]interface{}{
		"close":  strconv.FormatFloat(latest.Close, 'f', -1, 64),
		"volume": strconv.FormatUint(latest.Volume, 10),
		"ts":     strconv.FormatInt(latest.Timestamp.UnixNano(), 10),
		"count":  strconv.Itoa(len(bars)),
	}

	key := barKey(symbol)
	pipe := bc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if bc.ttl > 0 {
		pipe.Expire(ctx, key, bc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: store bars %s: %w", symbol, err)
	}
	return nil
}

// LatestBar returns the most recently stored bar for symbol. It returns
// domain.ErrNotFound when the symbol has never been refreshed.
func (bc *BarCache) LatestBar(ctx context.Context, symbol string) (marketdata.Bar, error) {
	vals, err := bc.rdb.HGetAll(ctx, barKey(symbol)).Result()
	if err != nil {
		return marketdata.Bar{}, fmt.Errorf("redis: get bar %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return marketdata.Bar{}, domain.ErrNotFound
	}

	closePx, err := strconv.ParseFloat(vals["close"], 64)
	if err != nil {
		return marketdata.Bar{}, fmt.Errorf("redis: parse bar close %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return marketdata.Bar{}, fmt.Errorf("redis: parse bar ts %s: %w", symbol, err)
	}
	volume, _ := strconv.ParseUint(vals["volume"], 10, 64)

	return marketdata.Bar{
		Symbol:    symbol,
		Close:     closePx,
		Volume:    volume,
		Timestamp: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ marketdata.BarStore = (*BarCache)(nil)
