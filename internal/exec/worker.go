// Package exec implements the stateless trade execution worker and the
// embedded phase coordinator. Workers run fully in parallel; the only
// coordination between them is the run store's conditional writes and the
// event bus.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

const (
	sourceModule    = "execution"
	workerComponent = "trade_worker"
)

// WorkerConfig carries the execution knobs recognised by the worker.
type WorkerConfig struct {
	// MaxSellRetries is the number of retries beyond the first attempt for
	// SELL-phase sell orders. BUY and ALL-phase orders are single-attempt.
	MaxSellRetries int
	// SellRetryDelay is the fixed delay between SELL attempts.
	SellRetryDelay time.Duration
	// SharePrecision is the number of decimal places for computed share
	// quantities.
	SharePrecision int32
	// DedupCacheTTL bounds the in-process idempotency cache.
	DedupCacheTTL time.Duration
}

func (c WorkerConfig) normalize() WorkerConfig {
	if c.SharePrecision <= 0 {
		c.SharePrecision = 4
	}
	if c.DedupCacheTTL <= 0 {
		c.DedupCacheTTL = 10 * time.Minute
	}
	return c
}

// Worker consumes individual trade messages from the execution queue. Every
// successfully processed message produces exactly one outcome event; a
// deduplicated message produces none.
type Worker struct {
	store  domain.RunStore
	broker domain.Broker
	clock  domain.MarketClock
	ledger domain.TradeLedger // optional
	bus    domain.EventBus
	phase  *PhaseCoordinator
	sizer  *Sizer
	cache  *seenCache
	cfg    WorkerConfig
	logger *slog.Logger
}

// NewWorker wires a Worker. ledger may be nil when no trade ledger is
// configured.
func NewWorker(
	store domain.RunStore,
	broker domain.Broker,
	clock domain.MarketClock,
	ledger domain.TradeLedger,
	bus domain.EventBus,
	phase *PhaseCoordinator,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	cfg = cfg.normalize()
	return &Worker{
		store:  store,
		broker: broker,
		clock:  clock,
		ledger: ledger,
		bus:    bus,
		phase:  phase,
		sizer:  NewSizer(broker, cfg.SharePrecision),
		cache:  newSeenCache(cfg.DedupCacheTTL),
		cfg:    cfg,
		logger: logger.With(slog.String("component", workerComponent)),
	}
}

// HandleMessage processes one execution-queue message. A nil return
// acknowledges the message. A non-nil return signals an unrecoverable
// state-store fault and lets the queue redeliver; idempotency keeps the
// redelivery safe.
func (w *Worker) HandleMessage(ctx context.Context, msg domain.TradeMessage) error {
	log := w.logger.With(
		slog.String("run_id", msg.RunID),
		slog.String("trade_id", msg.TradeID),
		slog.String("correlation_id", msg.CorrelationID),
	)

	if err := msg.Validate(); err != nil {
		log.Warn("invalid trade message", slog.String("error", err.Error()))
		w.emitOutcome(ctx, log, msg, domain.TradeOutcome{
			Status:       domain.TradeStatusFailed,
			ErrorMessage: err.Error(),
		}, decimal.Zero)
		return nil
	}
	trade := msg.ToTrade()

	key := IdempotencyKey(msg.RunID, msg.TradeID, msg.Symbol, msg.Action)
	if w.cache.Seen(key) {
		log.Debug("duplicate suppressed by cache")
		return nil
	}
	row, err := w.store.GetTrade(ctx, msg.RunID, msg.TradeID)
	switch {
	case err == nil && row.Status.Terminal():
		w.cache.Mark(key)
		log.Debug("duplicate suppressed, trade already terminal", slog.String("status", string(row.Status)))
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		// Fail open: blocking on a false negative is worse than risking a
		// duplicate the broker will itself reject.
		log.Warn("duplicate check failed, proceeding", slog.String("error", err.Error()))
	}

	if err := w.store.MarkTradeStarted(ctx, msg.RunID, msg.TradeID); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			log.Debug("another worker holds this trade")
			return nil
		case errors.Is(err, domain.ErrNotFound):
			log.Error("trade row missing, dropping orphaned message")
			return nil
		default:
			return fmt.Errorf("exec: claim trade: %w", err)
		}
	}

	open, err := w.clock.IsMarketOpen(ctx, msg.CorrelationID)
	if err != nil {
		log.Warn("market clock unavailable, assuming open", slog.String("error", err.Error()))
		open = true
	}
	if !open {
		log.Info("market closed, skipping trade", slog.String("symbol", trade.Symbol))
		return w.complete(ctx, log, key, trade, domain.TradeOutcome{
			Status:       domain.TradeStatusSkipped,
			Skipped:      true,
			ErrorMessage: "market closed",
		})
	}

	if trade.Phase == domain.PhaseBuy {
		if done, err := w.guardBuy(ctx, log, key, trade); done || err != nil {
			return err
		}
	}

	qty, isExit, err := w.sizer.SharesFor(ctx, trade)
	if err != nil {
		log.Warn("share sizing failed", slog.String("error", err.Error()))
		return w.complete(ctx, log, key, trade, domain.TradeOutcome{
			Status:       domain.TradeStatusFailed,
			ErrorMessage: err.Error(),
		})
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		log.Info("nothing to execute, skipping", slog.String("symbol", trade.Symbol))
		return w.complete(ctx, log, key, trade, domain.TradeOutcome{
			Status:       domain.TradeStatusSkipped,
			Skipped:      true,
			ErrorMessage: "no position held",
		})
	}

	res, execErr := w.execute(ctx, log, trade, qty, isExit)
	outcome := outcomeFromResult(res, execErr)

	if outcome.Succeeded() && w.ledger != nil {
		w.recordLedger(ctx, log, trade, res)
	}

	return w.complete(ctx, log, key, trade, outcome)
}

// guardBuy enforces the run-status gate and the cumulative-BUY equity
// circuit breaker. done is true when the trade was resolved here.
func (w *Worker) guardBuy(ctx context.Context, log *slog.Logger, key string, trade domain.Trade) (done bool, err error) {
	run, err := w.store.GetRun(ctx, trade.RunID)
	if err == nil && run.Status == domain.RunStatusFailed {
		log.Warn("run already FAILED, rejecting buy")
		return true, w.complete(ctx, log, key, trade, domain.TradeOutcome{
			Status:       domain.TradeStatusFailed,
			ErrorMessage: domain.ErrRunFailed.Error(),
		})
	}

	proposed := trade.TradeAmount.Abs()
	check, err := w.store.CheckEquityCircuitBreaker(ctx, trade.RunID, proposed)
	if err != nil {
		log.Warn("equity check failed, proceeding", slog.String("error", err.Error()))
		return false, nil
	}
	if check.Allowed {
		return false, nil
	}

	log.Warn("equity circuit breaker tripped",
		slog.String("cumulative_buy_succeeded_value", check.CumulativeBuyValue.String()),
		slog.String("proposed_buy_value", proposed.String()),
		slog.String("max_equity_limit_usd", check.MaxEquityLimit.String()),
	)
	if err := w.store.MarkRunFailed(ctx, trade.RunID, "equity circuit breaker"); err != nil {
		log.Error("failed to mark run FAILED", slog.String("error", err.Error()))
	}
	w.emitWorkflowFailed(ctx, log, trade, domain.WorkflowFailedPayload{
		RunID:       trade.RunID,
		FailureStep: domain.FailureStepEquityBreaker,
		ErrorDetails: map[string]string{
			"symbol":                         trade.Symbol,
			"cumulative_buy_succeeded_value": check.CumulativeBuyValue.String(),
			"proposed_buy_value":             proposed.String(),
			"max_equity_limit_usd":           check.MaxEquityLimit.String(),
		},
	})
	return true, w.complete(ctx, log, key, trade, domain.TradeOutcome{
		Status: domain.TradeStatusFailed,
		ErrorMessage: fmt.Sprintf("equity circuit breaker: %s + %s exceeds %s",
			check.CumulativeBuyValue, proposed, check.MaxEquityLimit),
	})
}

// execute submits the order through the broker. SELL-phase sells are retried
// with a fixed delay; a non-success result is retried the same way as a
// broker error.
func (w *Worker) execute(ctx context.Context, log *slog.Logger, trade domain.Trade, qty decimal.Decimal, isExit bool) (domain.OrderResult, error) {
	attempts := 1
	if trade.Action == domain.ActionSell && trade.Phase == domain.PhaseSell {
		attempts = w.cfg.MaxSellRetries + 1
	}

	req := domain.OrderRequest{
		Symbol:         trade.Symbol,
		Side:           trade.Action,
		Qty:            qty,
		CorrelationID:  trade.CorrelationID,
		IsCompleteExit: isExit,
		PlannedAmount:  trade.TradeAmount.Abs(),
		StrategyID:     trade.StrategyID,
	}

	var (
		res     domain.OrderResult
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, lastErr = w.broker.PlaceOrder(ctx, req)
		if lastErr == nil && res.Success {
			return res, nil
		}
		reason := res.ErrorMessage
		if lastErr != nil {
			reason = lastErr.Error()
		}
		log.Warn("order attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("symbol", trade.Symbol),
			slog.String("reason", reason),
		)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(w.cfg.SellRetryDelay):
			}
		}
	}
	return res, lastErr
}

func outcomeFromResult(res domain.OrderResult, execErr error) domain.TradeOutcome {
	if execErr == nil && res.Success {
		return domain.TradeOutcome{
			Status:       domain.TradeStatusCompleted,
			OrderID:      res.OrderID,
			FilledShares: res.Shares,
			FillPrice:    res.Price,
			FilledAt:     res.FilledAt,
		}
	}
	msg := res.ErrorMessage
	if execErr != nil {
		msg = execErr.Error()
	}
	if msg == "" {
		msg = "order not filled"
	}
	return domain.TradeOutcome{
		Status:       domain.TradeStatusFailed,
		OrderID:      res.OrderID,
		ErrorMessage: msg,
	}
}

func (w *Worker) recordLedger(ctx context.Context, log *slog.Logger, trade domain.Trade, res domain.OrderResult) {
	filledAt := time.Now().UTC()
	if res.FilledAt != nil {
		filledAt = *res.FilledAt
	}
	err := w.ledger.RecordFilledOrder(ctx, domain.LedgerRecord{
		RunID:         trade.RunID,
		TradeID:       trade.TradeID,
		CorrelationID: trade.CorrelationID,
		Symbol:        trade.Symbol,
		Side:          trade.Action,
		StrategyID:    trade.StrategyID,
		OrderID:       res.OrderID,
		Shares:        res.Shares,
		FillPrice:     res.Price,
		PlannedAmount: trade.TradeAmount.Abs(),
		SlippageBps:   res.SlippageBps,
		FilledAt:      filledAt,
	})
	if err != nil {
		// Ledger persistence is observability, not state of record.
		log.Warn("trade ledger write failed", slog.String("error", err.Error()))
	}
}

// complete writes the terminal row + counters in one transaction, runs the
// phase check on the returned snapshot, and emits the outcome event. By the
// time the event publishes, state is already durable, so publish failures
// are logged and the message still acknowledges.
func (w *Worker) complete(ctx context.Context, log *slog.Logger, key string, trade domain.Trade, outcome domain.TradeOutcome) error {
	snap, err := w.store.MarkTradeCompleted(ctx, trade.RunID, trade.TradeID, outcome, trade.Phase, trade.TradeAmount.Abs())
	if err != nil {
		return fmt.Errorf("exec: mark trade completed: %w", err)
	}
	w.cache.Mark(key)
	if snap.AlreadyTerminal {
		log.Debug("trade was already terminal, suppressing outcome")
		return nil
	}

	if err := w.phase.OnTradeCompleted(ctx, trade.RunID, trade.CorrelationID, snap); err != nil {
		log.Error("phase check failed", slog.String("error", err.Error()))
	}

	w.emitOutcome(ctx, log, domain.MessageFromTrade(trade), outcome, outcome.FilledShares)
	return nil
}

func (w *Worker) emitOutcome(ctx context.Context, log *slog.Logger, msg domain.TradeMessage, outcome domain.TradeOutcome, shares decimal.Decimal) {
	payload := domain.TradeExecutedPayload{
		RunID:          msg.RunID,
		TradeID:        msg.TradeID,
		Symbol:         msg.Symbol,
		Action:         msg.Action,
		Phase:          msg.Phase,
		Success:        outcome.Succeeded() || outcome.Skipped,
		Skipped:        outcome.Skipped,
		OrderID:        outcome.OrderID,
		SharesExecuted: shares.String(),
		ErrorMessage:   outcome.ErrorMessage,
		Metadata: map[string]string{
			"run_id":   msg.RunID,
			"trade_id": msg.TradeID,
			"phase":    msg.Phase,
		},
	}
	if !outcome.FillPrice.IsZero() {
		payload.Price = outcome.FillPrice.String()
	}

	env, err := domain.NewEnvelope(domain.EventTradeExecuted, msg.CorrelationID, msg.TradeID, sourceModule, workerComponent, payload)
	if err != nil {
		log.Error("failed to build outcome envelope", slog.String("error", err.Error()))
		return
	}
	if err := w.bus.Publish(ctx, env); err != nil {
		log.Error("failed to publish outcome event", slog.String("error", err.Error()))
	}
}

func (w *Worker) emitWorkflowFailed(ctx context.Context, log *slog.Logger, trade domain.Trade, payload domain.WorkflowFailedPayload) {
	env, err := domain.NewEnvelope(domain.EventWorkflowFailed, trade.CorrelationID, trade.TradeID, sourceModule, workerComponent, payload)
	if err != nil {
		log.Error("failed to build workflow failure envelope", slog.String("error", err.Error()))
		return
	}
	if err := w.bus.Publish(ctx, env); err != nil {
		log.Error("failed to publish workflow failure", slog.String("error", err.Error()))
	}
}

// Cleanup trims the idempotency cache.
func (w *Worker) Cleanup() {
	w.cache.Cleanup()
}
