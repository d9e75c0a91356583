package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase identifies which side of a rebalance a run (or trade) is executing.
// SELL-phase trades must all reach a terminal status before any BUY is
// enqueued. ALL marks single-phase runs that carry no ordering constraint.
type Phase string

const (
	PhaseSell Phase = "SELL"
	PhaseBuy  Phase = "BUY"
	PhaseAll  Phase = "ALL"
)

// RunStatus tracks the lifecycle of one rebalance execution.
type RunStatus string

const (
	RunStatusPending     RunStatus = "PENDING"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusAggregating RunStatus = "AGGREGATING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
)

// Terminal reports whether the status closes the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is the unit of one rebalance execution. It is created by the upstream
// planner together with its trade rows, mutated by execution workers through
// conditional writes and atomic counter adds, and closed by the aggregator.
type Run struct {
	RunID         string
	PlanID        string
	CorrelationID string

	TotalTrades int
	SellTotal   int
	BuyTotal    int

	CompletedTrades int
	SellCompleted   int
	BuyCompleted    int
	SucceededTrades int
	FailedTrades    int
	SkippedTrades   int

	SellFailedAmount    decimal.Decimal
	SellSucceededAmount decimal.Decimal
	BuySucceededAmount  decimal.Decimal

	Phase              Phase
	Status             RunStatus
	AggregationClaimed bool
	FailureReason      string

	// Opaque planner blobs carried through to the terminal report.
	StrategyMetadata string
	DataFreshness    string
	PlanSummary      string

	CreatedAt time.Time
}

// CompletionSnapshot is the post-update view returned by MarkTradeCompleted.
// Phase coordination decisions read only this snapshot, never a re-fetched
// run row, so the decision is tied to the atomic counter update that
// produced it.
type CompletionSnapshot struct {
	Phase               Phase
	CompletedTrades     int
	TotalTrades         int
	SellCompleted       int
	SellTotal           int
	BuyCompleted        int
	BuyTotal            int
	SucceededTrades     int
	FailedTrades        int
	SkippedTrades       int
	SellFailedAmount    decimal.Decimal
	SellSucceededAmount decimal.Decimal
	BuySucceededAmount  decimal.Decimal

	// AlreadyTerminal is true when the trade row was terminal before this
	// call; no counters were touched in that case.
	AlreadyTerminal bool
}

// SellPhaseComplete reports whether every SELL-side trade is terminal.
func (s CompletionSnapshot) SellPhaseComplete() bool {
	return s.SellCompleted >= s.SellTotal
}

// AllComplete reports whether every trade of the run is terminal.
func (s CompletionSnapshot) AllComplete() bool {
	return s.CompletedTrades >= s.TotalTrades
}

// EquityCheck is the result of the cumulative-BUY circuit breaker.
type EquityCheck struct {
	Allowed            bool
	CumulativeBuyValue decimal.Decimal
	ProposedValue      decimal.Decimal
	MaxEquityLimit     decimal.Decimal
}
