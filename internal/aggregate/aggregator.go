// Package aggregate implements the run aggregator: the consumer that detects
// whole-run completion, wins the aggregation claim, and emits the single
// terminal AllTradesCompleted event.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sablefin/rebalancer/internal/domain"
)

const (
	sourceModule = "execution"
	component    = "run_aggregator"
)

// Aggregator consumes TradeExecuted events and closes runs. broker, pnl and
// archiver are optional; when present they enrich the terminal report and
// degrade to empty on failure.
type Aggregator struct {
	store    domain.RunStore
	bus      domain.EventBus
	broker   domain.Broker
	pnl      domain.PnLService
	archiver domain.ReportArchiver
	logger   *slog.Logger
}

// New wires an Aggregator.
func New(
	store domain.RunStore,
	bus domain.EventBus,
	broker domain.Broker,
	pnl domain.PnLService,
	archiver domain.ReportArchiver,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:    store,
		bus:      bus,
		broker:   broker,
		pnl:      pnl,
		archiver: archiver,
		logger:   logger.With(slog.String("component", component)),
	}
}

// HandleEvent is the bus handler. Non-TradeExecuted envelopes are ignored.
func (a *Aggregator) HandleEvent(ctx context.Context, env domain.Envelope) error {
	if env.EventType != domain.EventTradeExecuted {
		return nil
	}
	var payload domain.TradeExecutedPayload
	if err := env.DecodePayload(&payload); err != nil {
		a.logger.Warn("undecodable trade event, ignoring", slog.String("error", err.Error()))
		return nil
	}
	if payload.RunID == "" {
		// Legacy and test events carry no run id.
		return nil
	}
	return a.onTradeExecuted(ctx, env, payload.RunID)
}

func (a *Aggregator) onTradeExecuted(ctx context.Context, env domain.Envelope, runID string) error {
	log := a.logger.With(
		slog.String("run_id", runID),
		slog.String("correlation_id", env.CorrelationID),
	)

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Error("trade event for unknown run")
			a.emitWorkflowFailed(ctx, log, env.CorrelationID, domain.WorkflowFailedPayload{
				RunID:        runID,
				FailureStep:  domain.FailureStepRunLookup,
				ErrorDetails: map[string]string{"reason": "run row not found"},
			})
			return nil
		}
		return fmt.Errorf("aggregate: get run: %w", err)
	}
	if run.TotalTrades == 0 {
		log.Error("trade event for run with zero trades")
		a.emitWorkflowFailed(ctx, log, env.CorrelationID, domain.WorkflowFailedPayload{
			RunID:        runID,
			FailureStep:  domain.FailureStepRunLookup,
			ErrorDetails: map[string]string{"reason": "run has zero total trades"},
		})
		return nil
	}
	if run.Status == domain.RunStatusFailed {
		// A guard already closed this run with its own terminal event.
		return nil
	}
	if run.CompletedTrades < run.TotalTrades {
		return nil
	}

	claimed, err := a.store.TryClaimAggregation(ctx, runID)
	if err != nil {
		return fmt.Errorf("aggregate: claim: %w", err)
	}
	if !claimed {
		log.Debug("aggregation already claimed")
		return nil
	}

	log.Info("aggregation claimed",
		slog.Int("completed", run.CompletedTrades),
		slog.Int("total", run.TotalTrades),
	)

	if err := a.finalize(ctx, log, env, run); err != nil {
		log.Error("aggregation failed", slog.String("error", err.Error()))
		if ferr := a.store.MarkRunFailed(ctx, runID, err.Error()); ferr != nil {
			log.Error("failed to mark run FAILED", slog.String("error", ferr.Error()))
		}
		a.emitWorkflowFailed(ctx, log, env.CorrelationID, domain.WorkflowFailedPayload{
			RunID:        runID,
			FailureStep:  domain.FailureStepAggregation,
			ErrorDetails: map[string]string{"error": err.Error()},
		})
		return fmt.Errorf("aggregate: finalize %s: %w", runID, err)
	}
	return nil
}

func (a *Aggregator) finalize(ctx context.Context, log *slog.Logger, env domain.Envelope, run domain.Run) error {
	if err := a.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusAggregating); err != nil {
		return fmt.Errorf("set AGGREGATING: %w", err)
	}

	trades, err := a.store.GetAllTradeResults(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("read trade results: %w", err)
	}

	report := a.buildReport(run, trades)
	report.Portfolio = a.portfolioSnapshot(ctx, log)
	report.PnL = a.pnlSummary(ctx, log)

	out, err := domain.NewEnvelope(domain.EventAllTradesCompleted, run.CorrelationID, env.EventID, sourceModule, component, report)
	if err != nil {
		return fmt.Errorf("build terminal envelope: %w", err)
	}
	if err := a.bus.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish terminal event: %w", err)
	}

	if err := a.store.MarkRunCompleted(ctx, run.RunID); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}

	if a.archiver != nil {
		if err := a.archiver.ArchiveRunReport(ctx, run.RunID, report); err != nil {
			// Cold storage is best-effort; the terminal event already shipped.
			log.Warn("report archival failed", slog.String("error", err.Error()))
		}
	}

	log.Info("run completed",
		slog.Int("succeeded", report.Counts.Completed),
		slog.Int("failed", report.Counts.Failed),
		slog.Int("skipped", report.Counts.Skipped),
	)
	return nil
}

func (a *Aggregator) buildReport(run domain.Run, trades []domain.Trade) domain.AllTradesCompletedPayload {
	report := domain.AllTradesCompletedPayload{
		RunID:         run.RunID,
		PlanID:        run.PlanID,
		CorrelationID: run.CorrelationID,
		TotalTrades:   run.TotalTrades,
		Totals: domain.PhaseTotals{
			SellSucceededAmount: run.SellSucceededAmount.String(),
			SellFailedAmount:    run.SellFailedAmount.String(),
			BuySucceededAmount:  run.BuySucceededAmount.String(),
		},
		SucceededSymbols: []string{},
		FailedSymbols:    []string{},
		CompletedAt:      time.Now().UTC(),
	}
	if !run.CreatedAt.IsZero() {
		started := run.CreatedAt
		report.StartedAt = &started
	}

	byStrategy := make(map[string]*domain.StrategyAttribution)
	for _, t := range trades {
		switch t.Status {
		case domain.TradeStatusCompleted:
			report.Counts.Completed++
			report.SucceededSymbols = append(report.SucceededSymbols, t.Symbol)
		case domain.TradeStatusFailed:
			report.Counts.Failed++
			report.FailedSymbols = append(report.FailedSymbols, t.Symbol)
		case domain.TradeStatusSkipped:
			report.Counts.Skipped++
			report.SkippedSymbols = append(report.SkippedSymbols, t.Symbol)
			if strings.Contains(strings.ToLower(t.ErrorMessage), "fractionable") {
				report.NonFractionableSkipped = append(report.NonFractionableSkipped, t.Symbol)
			}
		}

		if t.StrategyID != "" {
			attr, ok := byStrategy[t.StrategyID]
			if !ok {
				attr = &domain.StrategyAttribution{StrategyID: t.StrategyID}
				byStrategy[t.StrategyID] = attr
			}
			attr.Trades++
			switch t.Status {
			case domain.TradeStatusCompleted:
				attr.Succeeded++
			case domain.TradeStatusFailed:
				attr.Failed++
			}
		}
	}

	ids := make([]string, 0, len(byStrategy))
	for id := range byStrategy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		report.StrategyAttribution = append(report.StrategyAttribution, *byStrategy[id])
	}
	return report
}

// portfolioSnapshot captures the post-run account view. Any broker failure
// degrades to an empty snapshot instead of blocking the terminal event.
func (a *Aggregator) portfolioSnapshot(ctx context.Context, log *slog.Logger) domain.PortfolioSnapshot {
	if a.broker == nil {
		return domain.PortfolioSnapshot{}
	}
	account, err := a.broker.GetAccount(ctx)
	if err != nil {
		log.Warn("portfolio snapshot unavailable", slog.String("error", err.Error()))
		return domain.PortfolioSnapshot{}
	}
	snapshot := domain.PortfolioSnapshot{
		Equity:           account.Equity.String(),
		Cash:             account.Cash.String(),
		LongMarketValue:  account.LongMarketValue.String(),
		ShortMarketValue: account.ShortMarketValue.String(),
	}
	positions, err := a.broker.GetPositions(ctx)
	if err != nil {
		log.Warn("positions snapshot unavailable", slog.String("error", err.Error()))
		return snapshot
	}
	for _, p := range positions {
		snapshot.Positions = append(snapshot.Positions, domain.PositionSnapshot{
			Symbol:      p.Symbol,
			Qty:         p.Qty.String(),
			MarketValue: p.MarketValue.String(),
		})
	}
	return snapshot
}

func (a *Aggregator) pnlSummary(ctx context.Context, log *slog.Logger) domain.PnLSummary {
	if a.pnl == nil {
		return domain.PnLSummary{}
	}
	summary, err := a.pnl.MonthlyPnL(ctx)
	if err != nil {
		log.Warn("pnl summary unavailable", slog.String("error", err.Error()))
		return domain.PnLSummary{}
	}
	return summary
}

func (a *Aggregator) emitWorkflowFailed(ctx context.Context, log *slog.Logger, correlationID string, payload domain.WorkflowFailedPayload) {
	env, err := domain.NewEnvelope(domain.EventWorkflowFailed, correlationID, payload.RunID, sourceModule, component, payload)
	if err != nil {
		log.Error("failed to build workflow failure envelope", slog.String("error", err.Error()))
		return
	}
	if err := a.bus.Publish(ctx, env); err != nil {
		log.Error("failed to publish workflow failure", slog.String("error", err.Error()))
	}
}
