package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RunStore is the conditional-write state of record for runs and trades.
// Every method either succeeds durably or returns an error with no mutation.
// Conditional methods report a false predicate as ErrConflict (or a false
// bool for the single-winner operations); callers treat that as a normal
// race outcome.
type RunStore interface {
	// CreateRun persists the run row plus all trade rows. It is idempotent:
	// a second call for the same run_id returns ErrAlreadyExists and leaves
	// the existing rows untouched.
	CreateRun(ctx context.Context, run Run, trades []Trade) error

	GetRun(ctx context.Context, runID string) (Run, error)
	GetTrade(ctx context.Context, runID, tradeID string) (Trade, error)

	// MarkTradeStarted flips the trade to RUNNING only while it is PENDING;
	// any other current status yields ErrConflict.
	MarkTradeStarted(ctx context.Context, runID, tradeID string) error

	// MarkTradeCompleted writes the outcome fields (only if the row is not
	// already terminal), advances the run completion counters and the
	// phase-scoped counter, and folds absAmount into the matching SELL/BUY
	// accumulator, all in one transaction. The returned snapshot reflects
	// the state immediately after the update.
	MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome TradeOutcome, phase Phase, absAmount decimal.Decimal) (CompletionSnapshot, error)

	// GetPendingBuyTrades lists trades still parked in BUFFERED status.
	GetPendingBuyTrades(ctx context.Context, runID string) ([]Trade, error)

	// MarkBuyTradesPending flips BUFFERED trades to PENDING for the ids that
	// were successfully enqueued.
	MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error

	// TransitionToBuyPhase performs the SELL→BUY phase flip; exactly one
	// caller per run observes true.
	TransitionToBuyPhase(ctx context.Context, runID string) (bool, error)

	// TryClaimAggregation flips the aggregation claim false→true; exactly
	// one caller per run observes true.
	TryClaimAggregation(ctx context.Context, runID string) (bool, error)

	// CheckEquityCircuitBreaker evaluates whether adding proposedBuyValue to
	// the cumulative succeeded-BUY amount stays within the configured cap.
	CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedBuyValue decimal.Decimal) (EquityCheck, error)

	GetAllTradeResults(ctx context.Context, runID string) ([]Trade, error)

	MarkRunCompleted(ctx context.Context, runID string) error
	MarkRunFailed(ctx context.Context, runID, reason string) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
}

// FetchRequest identifies one market-data refresh demand.
type FetchRequest struct {
	Symbol              string
	RequestingStage     string
	RequestingComponent string
	CorrelationID       string
}

// AcquireResult reports the outcome of a fetch-lock acquisition attempt.
type AcquireResult struct {
	CanProceed          bool
	ExistingCorrelation string
	ExistingRequestTime time.Time
	CooldownRemaining   time.Duration
}

// FetchLockStore provides single-writer admission per symbol with a
// time-based cooldown release. Acquisition succeeds iff no lock row exists
// or the previous cooldown has elapsed.
type FetchLockStore interface {
	TryAcquireFetchLock(ctx context.Context, req FetchRequest, cooldown time.Duration) (AcquireResult, error)

	// ReleaseFetchLock clears the row only when correlationID still owns it.
	// Best-effort: correctness relies on the cooldown expiry, not on this.
	ReleaseFetchLock(ctx context.Context, symbol, correlationID string) error
}
