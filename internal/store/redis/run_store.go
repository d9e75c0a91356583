package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Money is persisted as integer micro-dollars (1e6) so the run accumulators
// can be advanced with HINCRBY inside the completion script.
const microScale = 6

func microFromDecimal(d decimal.Decimal) int64 {
	return d.Shift(microScale).IntPart()
}

func decimalFromMicro(v int64) decimal.Decimal {
	return decimal.New(v, -microScale)
}

// startLua flips a trade PENDING→RUNNING and bumps the run row to RUNNING on
// the first started trade. Returns 0 when the predicate fails.
const startLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'PENDING' then
    return 0
end
redis.call('HSET', KEYS[1], 'status', 'RUNNING')
if redis.call('HGET', KEYS[2], 'status') == 'PENDING' then
    redis.call('HSET', KEYS[2], 'status', 'RUNNING')
end
return 1
`

// completeLua is the single-round-trip completion transaction: write the
// terminal trade row first, then advance the counters and accumulators, and
// return the post-update snapshot. An already-terminal row mutates nothing
// and reports dup=1.
const completeLua = `
local dup = 0
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'COMPLETED' or status == 'FAILED' or status == 'SKIPPED' then
    dup = 1
else
    redis.call('HSET', KEYS[1],
        'status', ARGV[1], 'order_id', ARGV[2], 'filled_shares', ARGV[3],
        'fill_price', ARGV[4], 'filled_at', ARGV[5], 'error_message', ARGV[6])
    redis.call('HINCRBY', KEYS[2], 'completed', 1)
    if ARGV[7] == 'SELL' then
        redis.call('HINCRBY', KEYS[2], 'sell_completed', 1)
    elseif ARGV[7] == 'BUY' then
        redis.call('HINCRBY', KEYS[2], 'buy_completed', 1)
    end
    if ARGV[8] == 'succeeded' then
        redis.call('HINCRBY', KEYS[2], 'succeeded', 1)
        if ARGV[7] == 'SELL' then
            redis.call('HINCRBY', KEYS[2], 'sell_succeeded_um', ARGV[9])
        elseif ARGV[7] == 'BUY' then
            redis.call('HINCRBY', KEYS[2], 'buy_succeeded_um', ARGV[9])
        end
    elseif ARGV[8] == 'failed' then
        redis.call('HINCRBY', KEYS[2], 'failed', 1)
        if ARGV[7] == 'SELL' then
            redis.call('HINCRBY', KEYS[2], 'sell_failed_um', ARGV[9])
        end
    else
        redis.call('HINCRBY', KEYS[2], 'skipped', 1)
    end
end
local r = redis.call('HMGET', KEYS[2],
    'completed', 'total', 'sell_completed', 'sell_total',
    'buy_completed', 'buy_total', 'phase', 'succeeded', 'failed', 'skipped',
    'sell_failed_um', 'sell_succeeded_um', 'buy_succeeded_um')
return {dup, r[1], r[2], r[3], r[4], r[5], r[6], r[7], r[8], r[9], r[10], r[11], r[12], r[13]}
`

// phaseLua is the single-winner SELL→BUY flip.
const phaseLua = `
if redis.call('HGET', KEYS[1], 'phase') == 'SELL' then
    redis.call('HSET', KEYS[1], 'phase', 'BUY')
    return 1
end
return 0
`

// claimLua is the single-winner aggregation claim.
const claimLua = `
if redis.call('HGET', KEYS[1], 'agg_claimed') == '1' then
    return 0
end
redis.call('HSET', KEYS[1], 'agg_claimed', '1')
return 1
`

// releaseBuyLua flips a trade BUFFERED→PENDING.
const releaseBuyLua = `
if redis.call('HGET', KEYS[1], 'status') == 'BUFFERED' then
    redis.call('HSET', KEYS[1], 'status', 'PENDING')
    return 1
end
return 0
`

// RunStore implements domain.RunStore on Redis hashes.
type RunStore struct {
	rdb       *redis.Client
	startSc   *redis.Script
	compSc    *redis.Script
	phaseSc   *redis.Script
	claimSc   *redis.Script
	releaseSc *redis.Script
	maxEquity decimal.Decimal
	ttl       time.Duration
}

// NewRunStore creates a RunStore backed by the given Client. maxEquity is
// the cumulative-BUY cap; ttl bounds retention of run and trade keys
// (zero disables expiry).
func NewRunStore(c *Client, maxEquity decimal.Decimal, ttl time.Duration) *RunStore {
	return &RunStore{
		rdb:       c.Underlying(),
		startSc:   redis.NewScript(startLua),
		compSc:    redis.NewScript(completeLua),
		phaseSc:   redis.NewScript(phaseLua),
		claimSc:   redis.NewScript(claimLua),
		releaseSc: redis.NewScript(releaseBuyLua),
		maxEquity: maxEquity,
		ttl:       ttl,
	}
}

func runKey(runID string) string            { return "run:" + runID }
func tradeKey(runID, tradeID string) string { return "run:" + runID + ":trade:" + tradeID }
func tradeSetKey(runID string) string       { return "run:" + runID + ":trades" }

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run, trades []domain.Trade) error {
	rk := runKey(run.RunID)

	// HSETNX on a creation marker is the idempotency gate: the first caller
	// wins, replays observe ErrAlreadyExists and leave the rows untouched.
	created, err := s.rdb.HSetNX(ctx, rk, "created", "1").Result()
	if err != nil {
		return fmt.Errorf("redis: create run %s: %w", run.RunID, err)
	}
	if !created {
		return fmt.Errorf("redis: create run %s: %w", run.RunID, domain.ErrAlreadyExists)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, rk, runFields(run))
	if s.ttl > 0 {
		pipe.Expire(ctx, rk, s.ttl)
	}
	for _, t := range trades {
		tk := tradeKey(run.RunID, t.TradeID)
		pipe.HSet(ctx, tk, tradeFields(t))
		pipe.SAdd(ctx, tradeSetKey(run.RunID), t.TradeID)
		if s.ttl > 0 {
			pipe.Expire(ctx, tk, s.ttl)
		}
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, tradeSetKey(run.RunID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: create run %s rows: %w", run.RunID, err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var fields map[string]string
	err := withRetry(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, runKey(runID)).Result()
		return err
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("redis: get run %s: %w", runID, err)
	}
	if len(fields) == 0 {
		return domain.Run{}, fmt.Errorf("redis: run %s: %w", runID, domain.ErrNotFound)
	}
	return runFromFields(runID, fields), nil
}

func (s *RunStore) GetTrade(ctx context.Context, runID, tradeID string) (domain.Trade, error) {
	var fields map[string]string
	err := withRetry(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, tradeKey(runID, tradeID)).Result()
		return err
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("redis: get trade %s/%s: %w", runID, tradeID, err)
	}
	if len(fields) == 0 {
		return domain.Trade{}, fmt.Errorf("redis: trade %s/%s: %w", runID, tradeID, domain.ErrNotFound)
	}
	return tradeFromFields(runID, tradeID, fields), nil
}

func (s *RunStore) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	res, err := s.startSc.Run(ctx, s.rdb, []string{tradeKey(runID, tradeID), runKey(runID)}).Int()
	if err != nil {
		return fmt.Errorf("redis: mark trade started %s/%s: %w", runID, tradeID, err)
	}
	if res == 0 {
		return fmt.Errorf("redis: trade %s/%s not PENDING: %w", runID, tradeID, domain.ErrConflict)
	}
	return nil
}

func (s *RunStore) MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome domain.TradeOutcome, phase domain.Phase, absAmount decimal.Decimal) (domain.CompletionSnapshot, error) {
	outcomeClass := "skipped"
	switch outcome.Status {
	case domain.TradeStatusCompleted:
		outcomeClass = "succeeded"
	case domain.TradeStatusFailed:
		outcomeClass = "failed"
	}
	filledAt := ""
	if outcome.FilledAt != nil {
		filledAt = outcome.FilledAt.UTC().Format(time.RFC3339Nano)
	}

	var raw []interface{}
	err := withRetry(ctx, func() error {
		res, err := s.compSc.Run(ctx, s.rdb,
			[]string{tradeKey(runID, tradeID), runKey(runID)},
			string(outcome.Status),
			outcome.OrderID,
			outcome.FilledShares.String(),
			outcome.FillPrice.String(),
			filledAt,
			outcome.ErrorMessage,
			string(phase),
			outcomeClass,
			microFromDecimal(absAmount.Abs()),
		).Result()
		if err != nil {
			return err
		}
		var ok bool
		raw, ok = res.([]interface{})
		if !ok || len(raw) < 14 {
			return fmt.Errorf("unexpected script reply %v", res)
		}
		return nil
	})
	if err != nil {
		return domain.CompletionSnapshot{}, fmt.Errorf("redis: mark trade completed %s/%s: %w", runID, tradeID, err)
	}

	snap := domain.CompletionSnapshot{
		AlreadyTerminal:     scriptInt(raw[0]) == 1,
		CompletedTrades:     int(scriptInt(raw[1])),
		TotalTrades:         int(scriptInt(raw[2])),
		SellCompleted:       int(scriptInt(raw[3])),
		SellTotal:           int(scriptInt(raw[4])),
		BuyCompleted:        int(scriptInt(raw[5])),
		BuyTotal:            int(scriptInt(raw[6])),
		Phase:               domain.Phase(scriptString(raw[7])),
		SucceededTrades:     int(scriptInt(raw[8])),
		FailedTrades:        int(scriptInt(raw[9])),
		SkippedTrades:       int(scriptInt(raw[10])),
		SellFailedAmount:    decimalFromMicro(scriptInt(raw[11])),
		SellSucceededAmount: decimalFromMicro(scriptInt(raw[12])),
		BuySucceededAmount:  decimalFromMicro(scriptInt(raw[13])),
	}
	return snap, nil
}

func (s *RunStore) GetPendingBuyTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	trades, err := s.GetAllTradeResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := trades[:0]
	for _, t := range trades {
		if t.Status == domain.TradeStatusBuffered {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RunStore) MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error {
	for _, id := range tradeIDs {
		if err := s.releaseSc.Run(ctx, s.rdb, []string{tradeKey(runID, id)}).Err(); err != nil {
			return fmt.Errorf("redis: mark buy trade pending %s/%s: %w", runID, id, err)
		}
	}
	return nil
}

func (s *RunStore) TransitionToBuyPhase(ctx context.Context, runID string) (bool, error) {
	res, err := s.phaseSc.Run(ctx, s.rdb, []string{runKey(runID)}).Int()
	if err != nil {
		return false, fmt.Errorf("redis: transition to buy phase %s: %w", runID, err)
	}
	return res == 1, nil
}

func (s *RunStore) TryClaimAggregation(ctx context.Context, runID string) (bool, error) {
	res, err := s.claimSc.Run(ctx, s.rdb, []string{runKey(runID)}).Int()
	if err != nil {
		return false, fmt.Errorf("redis: claim aggregation %s: %w", runID, err)
	}
	return res == 1, nil
}

func (s *RunStore) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposed decimal.Decimal) (domain.EquityCheck, error) {
	val, err := s.rdb.HGet(ctx, runKey(runID), "buy_succeeded_um").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.EquityCheck{}, fmt.Errorf("redis: equity check %s: %w", runID, err)
	}
	cumMicro := int64(0)
	if val != "" {
		cumMicro, _ = strconv.ParseInt(val, 10, 64)
	}
	cum := decimalFromMicro(cumMicro)
	check := domain.EquityCheck{
		CumulativeBuyValue: cum,
		ProposedValue:      proposed,
		MaxEquityLimit:     s.maxEquity,
	}
	check.Allowed = cum.Add(proposed).LessThanOrEqual(s.maxEquity)
	return check, nil
}

func (s *RunStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	ids, err := s.rdb.SMembers(ctx, tradeSetKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list trades %s: %w", runID, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("redis: run %s trades: %w", runID, domain.ErrNotFound)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tradeKey(runID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: fetch trades %s: %w", runID, err)
	}

	trades := make([]domain.Trade, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		trades = append(trades, tradeFromFields(runID, ids[i], fields))
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].SequenceNumber < trades[j].SequenceNumber })
	return trades, nil
}

func (s *RunStore) MarkRunCompleted(ctx context.Context, runID string) error {
	return s.setRunStatus(ctx, runID, domain.RunStatusCompleted, "")
}

func (s *RunStore) MarkRunFailed(ctx context.Context, runID, reason string) error {
	return s.setRunStatus(ctx, runID, domain.RunStatusFailed, reason)
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	return s.setRunStatus(ctx, runID, status, "")
}

func (s *RunStore) setRunStatus(ctx context.Context, runID string, status domain.RunStatus, reason string) error {
	fields := map[string]interface{}{"status": string(status)}
	if reason != "" {
		fields["failure_reason"] = reason
	}
	err := withRetry(ctx, func() error {
		return s.rdb.HSet(ctx, runKey(runID), fields).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: set run %s status %s: %w", runID, status, err)
	}
	return nil
}

func scriptInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func scriptString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Compile-time interface check.
var _ domain.RunStore = (*RunStore)(nil)
