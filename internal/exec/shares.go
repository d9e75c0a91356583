package exec

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Sizer computes the share quantity for a trade. SELL quantities are always
// capped by the actually held position so a stale planner estimate can never
// over-sell.
type Sizer struct {
	broker    domain.Broker
	precision int32
}

// NewSizer creates a Sizer rounding computed quantities to precision decimal
// places.
func NewSizer(broker domain.Broker, precision int32) *Sizer {
	return &Sizer{broker: broker, precision: precision}
}

// SharesFor resolves the quantity to submit for the trade. isExit reports a
// full liquidation, in which case the exact held quantity is used (the held
// position is the source of truth, not the planner's estimate, which avoids
// drift between planned and real share counts). A zero quantity with a nil
// error means there is nothing to execute; the caller skips the trade.
func (s *Sizer) SharesFor(ctx context.Context, t domain.Trade) (qty decimal.Decimal, isExit bool, err error) {
	sell := t.Action == domain.ActionSell

	if sell && (t.IsFullLiquidation || t.TargetWeight.LessThanOrEqual(decimal.Zero)) {
		pos, err := s.broker.GetPosition(ctx, t.Symbol)
		if err != nil {
			return decimal.Zero, true, fmt.Errorf("sizer: position %s: %w", t.Symbol, err)
		}
		if pos == nil || pos.Qty.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, true, nil
		}
		return pos.Qty, true, nil
	}

	switch {
	case t.Shares.GreaterThan(decimal.Zero):
		qty = t.Shares
	case t.EstimatedPrice.GreaterThan(decimal.Zero):
		qty = t.TradeAmount.Abs().Div(t.EstimatedPrice).Truncate(s.precision)
	default:
		price, err := s.broker.GetCurrentPrice(ctx, t.Symbol)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("sizer: price %s: %w: %v", t.Symbol, domain.ErrMarketData, err)
		}
		if price == nil || price.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, false, fmt.Errorf("sizer: price %s non-positive: %w", t.Symbol, domain.ErrMarketData)
		}
		qty = t.TradeAmount.Abs().Div(*price).Truncate(s.precision)
	}

	if sell {
		pos, err := s.broker.GetPosition(ctx, t.Symbol)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("sizer: position %s: %w", t.Symbol, err)
		}
		if pos == nil || pos.Qty.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, false, nil
		}
		if qty.GreaterThan(pos.Qty) {
			qty = pos.Qty
		}
	}

	return qty, false, nil
}
