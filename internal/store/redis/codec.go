package redis

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// runFields flattens a Run into the hash representation. Counters and
// accumulators are written in their integer forms so HINCRBY applies.
func runFields(r domain.Run) map[string]interface{} {
	return map[string]interface{}{
		"plan_id":           r.PlanID,
		"correlation_id":    r.CorrelationID,
		"status":            string(r.Status),
		"phase":             string(r.Phase),
		"total":             r.TotalTrades,
		"sell_total":        r.SellTotal,
		"buy_total":         r.BuyTotal,
		"completed":         r.CompletedTrades,
		"sell_completed":    r.SellCompleted,
		"buy_completed":     r.BuyCompleted,
		"succeeded":         r.SucceededTrades,
		"failed":            r.FailedTrades,
		"skipped":           r.SkippedTrades,
		"sell_failed_um":    microFromDecimal(r.SellFailedAmount),
		"sell_succeeded_um": microFromDecimal(r.SellSucceededAmount),
		"buy_succeeded_um":  microFromDecimal(r.BuySucceededAmount),
		"agg_claimed":       boolField(r.AggregationClaimed),
		"failure_reason":    r.FailureReason,
		"strategy_metadata": r.StrategyMetadata,
		"data_freshness":    r.DataFreshness,
		"plan_summary":      r.PlanSummary,
		"created_at":        r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func runFromFields(runID string, f map[string]string) domain.Run {
	return domain.Run{
		RunID:               runID,
		PlanID:              f["plan_id"],
		CorrelationID:       f["correlation_id"],
		Status:              domain.RunStatus(f["status"]),
		Phase:               domain.Phase(f["phase"]),
		TotalTrades:         fieldInt(f, "total"),
		SellTotal:           fieldInt(f, "sell_total"),
		BuyTotal:            fieldInt(f, "buy_total"),
		CompletedTrades:     fieldInt(f, "completed"),
		SellCompleted:       fieldInt(f, "sell_completed"),
		BuyCompleted:        fieldInt(f, "buy_completed"),
		SucceededTrades:     fieldInt(f, "succeeded"),
		FailedTrades:        fieldInt(f, "failed"),
		SkippedTrades:       fieldInt(f, "skipped"),
		SellFailedAmount:    decimalFromMicro(fieldInt64(f, "sell_failed_um")),
		SellSucceededAmount: decimalFromMicro(fieldInt64(f, "sell_succeeded_um")),
		BuySucceededAmount:  decimalFromMicro(fieldInt64(f, "buy_succeeded_um")),
		AggregationClaimed:  f["agg_claimed"] == "1",
		FailureReason:       f["failure_reason"],
		StrategyMetadata:    f["strategy_metadata"],
		DataFreshness:       f["data_freshness"],
		PlanSummary:         f["plan_summary"],
		CreatedAt:           fieldTime(f, "created_at"),
	}
}

func tradeFields(t domain.Trade) map[string]interface{} {
	fields := map[string]interface{}{
		"plan_id":             t.PlanID,
		"correlation_id":      t.CorrelationID,
		"symbol":              t.Symbol,
		"action":              string(t.Action),
		"phase":               string(t.Phase),
		"trade_amount":        t.TradeAmount.String(),
		"shares":              t.Shares.String(),
		"estimated_price":     t.EstimatedPrice.String(),
		"target_weight":       t.TargetWeight.String(),
		"is_full_liquidation": boolField(t.IsFullLiquidation),
		"strategy_id":         t.StrategyID,
		"sequence":            t.SequenceNumber,
		"status":              string(t.Status),
		"order_id":            t.OrderID,
		"filled_shares":       t.FilledShares.String(),
		"fill_price":          t.FillPrice.String(),
		"error_message":       t.ErrorMessage,
	}
	if t.FilledAt != nil {
		fields["filled_at"] = t.FilledAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func tradeFromFields(runID, tradeID string, f map[string]string) domain.Trade {
	t := domain.Trade{
		TradeID:           tradeID,
		RunID:             runID,
		PlanID:            f["plan_id"],
		CorrelationID:     f["correlation_id"],
		Symbol:            f["symbol"],
		Action:            domain.TradeAction(f["action"]),
		Phase:             domain.Phase(f["phase"]),
		TradeAmount:       fieldDecimal(f, "trade_amount"),
		Shares:            fieldDecimal(f, "shares"),
		EstimatedPrice:    fieldDecimal(f, "estimated_price"),
		TargetWeight:      fieldDecimal(f, "target_weight"),
		IsFullLiquidation: f["is_full_liquidation"] == "1",
		StrategyID:        f["strategy_id"],
		SequenceNumber:    fieldInt(f, "sequence"),
		Status:            domain.TradeStatus(f["status"]),
		OrderID:           f["order_id"],
		FilledShares:      fieldDecimal(f, "filled_shares"),
		FillPrice:         fieldDecimal(f, "fill_price"),
		ErrorMessage:      f["error_message"],
	}
	if ts := fieldTime(f, "filled_at"); !ts.IsZero() {
		t.FilledAt = &ts
	}
	return t
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func fieldInt(f map[string]string, key string) int {
	return int(fieldInt64(f, key))
}

func fieldInt64(f map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(f[key], 10, 64)
	return n
}

func fieldDecimal(f map[string]string, key string) decimal.Decimal {
	d, err := decimal.NewFromString(f[key])
	if err != nil {
		return decimal.Zero
	}
	return d
}

func fieldTime(f map[string]string, key string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, f[key])
	if err != nil {
		return time.Time{}
	}
	return ts
}
