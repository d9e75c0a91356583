package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is one market order submitted through the broker port.
type OrderRequest struct {
	Symbol         string
	Side           TradeAction
	Qty            decimal.Decimal
	CorrelationID  string
	IsCompleteExit bool
	PlannedAmount  decimal.Decimal
	StrategyID     string
}

// OrderResult is the broker's answer to one order submission.
type OrderResult struct {
	Success      bool
	OrderID      string
	Shares       decimal.Decimal
	Price        decimal.Decimal
	OrderType    string
	FilledAt     *time.Time
	ErrorMessage string

	// Execution-quality fields for the trade ledger.
	RequestedPrice decimal.Decimal
	SlippageBps    decimal.Decimal
}

// Position is one held position at the broker.
type Position struct {
	Symbol      string
	Qty         decimal.Decimal
	MarketValue decimal.Decimal
}

// Account is the broker account summary used for portfolio snapshots.
type Account struct {
	Equity           decimal.Decimal
	Cash             decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal
}

// Broker is the order-execution collaborator. GetPosition and
// GetCurrentPrice return nil when the symbol has no position or no quote.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetCurrentPrice(ctx context.Context, symbol string) (*decimal.Decimal, error)
	GetAccount(ctx context.Context) (Account, error)
}

// MarketClock answers whether the market is currently open for trading.
type MarketClock interface {
	IsMarketOpen(ctx context.Context, correlationID string) (bool, error)
}

// LedgerRecord is one filled-order row for the external trade ledger.
type LedgerRecord struct {
	RunID         string
	TradeID       string
	CorrelationID string
	Symbol        string
	Side          TradeAction
	StrategyID    string
	OrderID       string
	Shares        decimal.Decimal
	FillPrice     decimal.Decimal
	PlannedAmount decimal.Decimal
	SlippageBps   decimal.Decimal
	FilledAt      time.Time
}

// TradeLedger persists filled orders with execution-quality metrics.
// Ledger failures are logged by callers, never fatal to execution.
type TradeLedger interface {
	RecordFilledOrder(ctx context.Context, rec LedgerRecord) error
}

// PnLService supplies profit-and-loss summaries for the terminal report.
type PnLService interface {
	MonthlyPnL(ctx context.Context) (PnLSummary, error)
	PeriodPnL(ctx context.Context, period string) (PnLSummary, error)
}

// RefreshResult reports one completed market-data refresh.
type RefreshResult struct {
	Success     bool
	BarsFetched int
	Metadata    map[string]string
}

// MarketDataRefresher performs the actual market-data refresh behind the
// fetch lock.
type MarketDataRefresher interface {
	RefreshSymbol(ctx context.Context, symbol string) (RefreshResult, error)
	SeedInitialData(ctx context.Context, symbols []string, lookbackDays int) (map[string]bool, error)
}

// ReportArchiver stores the terminal run report in cold storage.
type ReportArchiver interface {
	ArchiveRunReport(ctx context.Context, runID string, report AllTradesCompletedPayload) error
}
