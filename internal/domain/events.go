package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of domain events the coordinator
// consumes and emits. The set is small and stable, so a closed union is used
// instead of an open string-keyed handler registry.
type EventType string

const (
	EventTradeExecuted            EventType = "TradeExecuted"
	EventAllTradesCompleted       EventType = "AllTradesCompleted"
	EventWorkflowFailed           EventType = "WorkflowFailed"
	EventMarketDataFetchRequested EventType = "MarketDataFetchRequested"
	EventMarketDataFetchCompleted EventType = "MarketDataFetchCompleted"
)

// Failure step codes carried by WorkflowFailed events.
const (
	FailureStepSellPhaseGuard = "SELL_PHASE_GUARD"
	FailureStepEquityBreaker  = "EQUITY_CIRCUIT_BREAKER"
	FailureStepRunLookup      = "run_lookup"
	FailureStepAggregation    = "aggregation"
)

// Envelope is the wire frame shared by every published event. The payload is
// kept raw so consumers decode only the types they handle.
type Envelope struct {
	EventID         string          `json:"event_id"`
	EventType       EventType       `json:"event_type"`
	CorrelationID   string          `json:"correlation_id"`
	CausationID     string          `json:"causation_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	SourceModule    string          `json:"source_module"`
	SourceComponent string          `json:"source_component"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEnvelope stamps a payload with a fresh event id and the standard
// envelope fields.
func NewEnvelope(typ EventType, correlationID, causationID, module, component string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal %s payload: %w", typ, err)
	}
	return Envelope{
		EventID:         uuid.New().String(),
		EventType:       typ,
		CorrelationID:   correlationID,
		CausationID:     causationID,
		Timestamp:       time.Now().UTC(),
		SourceModule:    module,
		SourceComponent: component,
		Payload:         raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("envelope: decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// TradeExecutedPayload is emitted exactly once per terminal trade.
type TradeExecutedPayload struct {
	RunID          string `json:"run_id"`
	TradeID        string `json:"trade_id"`
	Symbol         string `json:"symbol"`
	Action         string `json:"action"`
	Phase          string `json:"phase"`
	Success        bool   `json:"success"`
	Skipped        bool   `json:"skipped,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	SharesExecuted string `json:"shares_executed"`
	Price          string `json:"price,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusCounts breaks down terminal trades per status.
type StatusCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PhaseTotals aggregates dollar flow per phase.
type PhaseTotals struct {
	SellSucceededAmount string `json:"sell_succeeded_amount"`
	SellFailedAmount    string `json:"sell_failed_amount"`
	BuySucceededAmount  string `json:"buy_succeeded_amount"`
}

// StrategyAttribution summarizes outcomes for a single strategy id.
type StrategyAttribution struct {
	StrategyID string `json:"strategy_id"`
	Trades     int    `json:"trades"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

// PortfolioSnapshot is a best-effort view of the account after the run.
// Left empty when the broker is unreachable during aggregation.
type PortfolioSnapshot struct {
	Equity           string             `json:"equity,omitempty"`
	Cash             string             `json:"cash,omitempty"`
	LongMarketValue  string             `json:"long_market_value,omitempty"`
	ShortMarketValue string             `json:"short_market_value,omitempty"`
	Positions        []PositionSnapshot `json:"positions,omitempty"`
}

// PositionSnapshot is one held position in the portfolio snapshot.
type PositionSnapshot struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	MarketValue string `json:"market_value,omitempty"`
}

// PnLSummary is a best-effort profit-and-loss block from the P&L service.
type PnLSummary struct {
	Period      string `json:"period,omitempty"`
	RealizedPnL string `json:"realized_pnl,omitempty"`
	TradeCount  int    `json:"trade_count,omitempty"`
}

// AllTradesCompletedPayload is the single terminal event of a successful run.
type AllTradesCompletedPayload struct {
	RunID         string `json:"run_id"`
	PlanID        string `json:"plan_id,omitempty"`
	CorrelationID string `json:"correlation_id"`

	TotalTrades int          `json:"total_trades"`
	Counts      StatusCounts `json:"counts"`
	Totals      PhaseTotals  `json:"totals"`

	SucceededSymbols       []string `json:"succeeded_symbols"`
	FailedSymbols          []string `json:"failed_symbols"`
	SkippedSymbols         []string `json:"skipped_symbols,omitempty"`
	NonFractionableSkipped []string `json:"non_fractionable_skipped,omitempty"`

	StrategyAttribution []StrategyAttribution `json:"strategy_attribution,omitempty"`
	Portfolio           PortfolioSnapshot     `json:"portfolio_snapshot"`
	PnL                 PnLSummary            `json:"pnl"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// WorkflowFailedPayload is emitted on guard trips and aggregation faults.
type WorkflowFailedPayload struct {
	RunID        string            `json:"run_id,omitempty"`
	FailureStep  string            `json:"failure_step"`
	ErrorDetails map[string]string `json:"error_details,omitempty"`
}

// MarketDataFetchRequestedPayload asks for an on-demand refresh of one symbol.
type MarketDataFetchRequestedPayload struct {
	Symbol              string `json:"symbol"`
	RequestingStage     string `json:"requesting_stage"`
	RequestingComponent string `json:"requesting_component"`
	LookbackDays        int    `json:"lookback_days,omitempty"`
}

// MarketDataFetchCompletedPayload answers a fetch request, either with real
// results or as a synthetic dedup reply when another request holds the lock.
type MarketDataFetchCompletedPayload struct {
	Symbol          string `json:"symbol"`
	Success         bool   `json:"success"`
	WasDeduplicated bool   `json:"was_deduplicated"`
	BarsFetched     int    `json:"bars_fetched"`
	ErrorMessage    string `json:"error_message,omitempty"`
}
