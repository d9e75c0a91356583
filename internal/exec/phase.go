package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

const phaseComponent = "phase_coordinator"

// PhaseCoordinator watches every trade completion for the SELL-phase close.
// When the last SELL is terminal it evaluates the sell-failure guard and,
// if the guard passes, performs the single-winner SELL→BUY transition and
// releases the buffered BUY trades onto the execution queue.
type PhaseCoordinator struct {
	store     domain.RunStore
	queue     domain.TradeQueue
	bus       domain.EventBus
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewPhaseCoordinator wires a PhaseCoordinator. threshold is the post-SELL
// cumulative-failure trip point in dollars.
func NewPhaseCoordinator(
	store domain.RunStore,
	queue domain.TradeQueue,
	bus domain.EventBus,
	threshold decimal.Decimal,
	logger *slog.Logger,
) *PhaseCoordinator {
	return &PhaseCoordinator{
		store:     store,
		queue:     queue,
		bus:       bus,
		threshold: threshold,
		logger:    logger.With(slog.String("component", phaseComponent)),
	}
}

// OnTradeCompleted inspects the completion snapshot. Decisions are taken on
// the snapshot alone, never a re-read of the run row, so the decision is
// tied to the atomic counter update that triggered it.
func (p *PhaseCoordinator) OnTradeCompleted(ctx context.Context, runID, correlationID string, snap domain.CompletionSnapshot) error {
	if snap.Phase != domain.PhaseSell {
		return nil
	}
	if !snap.SellPhaseComplete() {
		return nil
	}
	if snap.BuyTotal == 0 {
		return nil
	}

	log := p.logger.With(
		slog.String("run_id", runID),
		slog.String("correlation_id", correlationID),
	)

	if snap.SellFailedAmount.GreaterThan(p.threshold) {
		log.Warn("sell failure threshold exceeded, failing run",
			slog.String("sell_failed_amount", snap.SellFailedAmount.String()),
			slog.String("sell_failure_threshold", p.threshold.String()),
			slog.Int("buy_trades_blocked", snap.BuyTotal),
		)
		if err := p.store.MarkRunFailed(ctx, runID, "sell failure threshold exceeded"); err != nil {
			log.Error("failed to mark run FAILED", slog.String("error", err.Error()))
		}
		p.emitGuardTrip(ctx, log, runID, correlationID, snap)
		return nil
	}

	won, err := p.store.TransitionToBuyPhase(ctx, runID)
	if err != nil {
		return fmt.Errorf("phase: transition to buy: %w", err)
	}
	if !won {
		log.Debug("another worker won the buy transition")
		return nil
	}

	trades, err := p.store.GetPendingBuyTrades(ctx, runID)
	if err != nil {
		return fmt.Errorf("phase: list buffered buys: %w", err)
	}

	enqueued := make([]string, 0, len(trades))
	for _, t := range trades {
		if err := p.queue.Enqueue(ctx, domain.MessageFromTrade(t)); err != nil {
			log.Error("failed to enqueue buy trade",
				slog.String("trade_id", t.TradeID),
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		enqueued = append(enqueued, t.TradeID)
	}
	if len(enqueued) > 0 {
		if err := p.store.MarkBuyTradesPending(ctx, runID, enqueued); err != nil {
			log.Error("failed to mark buy trades pending", slog.String("error", err.Error()))
		}
	}

	log.Info("buy phase enqueued",
		slog.Int("buffered", len(trades)),
		slog.Int("enqueued", len(enqueued)),
	)
	return nil
}

func (p *PhaseCoordinator) emitGuardTrip(ctx context.Context, log *slog.Logger, runID, correlationID string, snap domain.CompletionSnapshot) {
	payload := domain.WorkflowFailedPayload{
		RunID:       runID,
		FailureStep: domain.FailureStepSellPhaseGuard,
		ErrorDetails: map[string]string{
			"sell_failed_amount":     snap.SellFailedAmount.String(),
			"sell_failure_threshold": p.threshold.String(),
			"buy_trades_blocked":     strconv.Itoa(snap.BuyTotal),
		},
	}
	env, err := domain.NewEnvelope(domain.EventWorkflowFailed, correlationID, runID, sourceModule, phaseComponent, payload)
	if err != nil {
		log.Error("failed to build guard trip envelope", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		log.Error("failed to publish guard trip", slog.String("error", err.Error()))
	}
}
