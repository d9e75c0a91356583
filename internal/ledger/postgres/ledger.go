package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Ledger implements domain.TradeLedger and domain.PnLService on PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// RecordFilledOrder inserts one fill row. Re-recording the same run/trade
// pair is a no-op so redeliveries never double-count.
func (l *Ledger) RecordFilledOrder(ctx context.Context, rec domain.LedgerRecord) error {
	const query = `
		INSERT INTO fills (
			run_id, trade_id, correlation_id, symbol, side, strategy_id,
			order_id, shares, fill_price, planned_amount, slippage_bps, filled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		) ON CONFLICT (run_id, trade_id) DO NOTHING`

	_, err := l.pool.Exec(ctx, query,
		rec.RunID, rec.TradeID, rec.CorrelationID, rec.Symbol, string(rec.Side),
		rec.StrategyID, rec.OrderID, rec.Shares, rec.FillPrice,
		rec.PlannedAmount, rec.SlippageBps, rec.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record fill %s/%s: %w", rec.RunID, rec.TradeID, err)
	}
	return nil
}

// MonthlyPnL returns the realized P&L for the current calendar month.
func (l *Ledger) MonthlyPnL(ctx context.Context) (domain.PnLSummary, error) {
	return l.PeriodPnL(ctx, "month")
}

// PeriodPnL returns the realized P&L since the start of the current period.
// Accepted periods: day, week, month, year.
func (l *Ledger) PeriodPnL(ctx context.Context, period string) (domain.PnLSummary, error) {
	switch period {
	case "day", "week", "month", "year":
	default:
		return domain.PnLSummary{}, fmt.Errorf("postgres: unsupported pnl period %q", period)
	}

	// Realized proceeds: sells add cash, buys consume it. date_trunc's unit
	// cannot be parameterized, but period is validated above.
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN shares * fill_price
			                  ELSE -(shares * fill_price) END), 0),
			COUNT(*)
		FROM fills
		WHERE filled_at >= date_trunc('%s', NOW())`, period)

	var realized decimal.Decimal
	var count int
	if err := l.pool.QueryRow(ctx, query).Scan(&realized, &count); err != nil {
		return domain.PnLSummary{}, fmt.Errorf("postgres: pnl for %s: %w", period, err)
	}
	return domain.PnLSummary{
		Period:      period,
		RealizedPnL: realized.String(),
		TradeCount:  count,
	}, nil
}

// Compile-time interface checks.
var (
	_ domain.TradeLedger = (*Ledger)(nil)
	_ domain.PnLService  = (*Ledger)(nil)
)
