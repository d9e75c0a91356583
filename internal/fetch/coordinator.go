// Package fetch implements the fetch-lock coordinator: single-writer
// admission that collapses concurrent market-data refresh demands for a
// symbol into one actual fetch per cooldown window.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sablefin/rebalancer/internal/domain"
)

const (
	sourceModule = "market_data"
	component    = "fetch_coordinator"
)

// Coordinator consumes MarketDataFetchRequested events. The first request
// per symbol wins the lock and performs the real refresh; losers receive a
// synthetic deduplicated completion immediately.
type Coordinator struct {
	locks     domain.FetchLockStore
	refresher domain.MarketDataRefresher
	bus       domain.EventBus
	cooldown  time.Duration
	logger    *slog.Logger
}

// New wires a Coordinator. cooldown must comfortably exceed the typical
// end-to-end refresh latency so a losing request never re-fetches while the
// winner is still in flight.
func New(
	locks domain.FetchLockStore,
	refresher domain.MarketDataRefresher,
	bus domain.EventBus,
	cooldown time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		locks:     locks,
		refresher: refresher,
		bus:       bus,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", component)),
	}
}

// HandleEvent is the bus handler. Non-fetch-request envelopes are ignored.
func (c *Coordinator) HandleEvent(ctx context.Context, env domain.Envelope) error {
	if env.EventType != domain.EventMarketDataFetchRequested {
		return nil
	}
	var payload domain.MarketDataFetchRequestedPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.logger.Warn("undecodable fetch request, ignoring", slog.String("error", err.Error()))
		return nil
	}
	if payload.Symbol == "" {
		c.logger.Warn("fetch request without symbol, ignoring")
		return nil
	}
	return c.handleRequest(ctx, env, payload)
}

func (c *Coordinator) handleRequest(ctx context.Context, env domain.Envelope, payload domain.MarketDataFetchRequestedPayload) error {
	log := c.logger.With(
		slog.String("symbol", payload.Symbol),
		slog.String("correlation_id", env.CorrelationID),
	)

	acquired, err := c.locks.TryAcquireFetchLock(ctx, domain.FetchRequest{
		Symbol:              payload.Symbol,
		RequestingStage:     payload.RequestingStage,
		RequestingComponent: payload.RequestingComponent,
		CorrelationID:       env.CorrelationID,
	}, c.cooldown)
	if err != nil {
		return fmt.Errorf("fetch: acquire lock %s: %w", payload.Symbol, err)
	}

	if !acquired.CanProceed {
		log.Info("fetch deduplicated",
			slog.String("holder_correlation_id", acquired.ExistingCorrelation),
			slog.Duration("cooldown_remaining", acquired.CooldownRemaining),
		)
		c.emitCompleted(ctx, log, env, domain.MarketDataFetchCompletedPayload{
			Symbol:          payload.Symbol,
			Success:         true,
			WasDeduplicated: true,
			BarsFetched:     0,
		})
		return nil
	}

	result, err := c.refresher.RefreshSymbol(ctx, payload.Symbol)
	if err != nil || !result.Success {
		reason := "refresh reported failure"
		if err != nil {
			reason = err.Error()
		}
		log.Warn("refresh failed, releasing lock", slog.String("error", reason))
		// Release so the next demand can retry without waiting out the
		// cooldown. Best-effort: expiry covers a crash before this line.
		if rerr := c.locks.ReleaseFetchLock(ctx, payload.Symbol, env.CorrelationID); rerr != nil {
			log.Warn("lock release failed", slog.String("error", rerr.Error()))
		}
		c.emitCompleted(ctx, log, env, domain.MarketDataFetchCompletedPayload{
			Symbol:       payload.Symbol,
			Success:      false,
			ErrorMessage: reason,
		})
		return nil
	}

	log.Info("refresh completed", slog.Int("bars_fetched", result.BarsFetched))
	c.emitCompleted(ctx, log, env, domain.MarketDataFetchCompletedPayload{
		Symbol:      payload.Symbol,
		Success:     true,
		BarsFetched: result.BarsFetched,
	})
	return nil
}

func (c *Coordinator) emitCompleted(ctx context.Context, log *slog.Logger, cause domain.Envelope, payload domain.MarketDataFetchCompletedPayload) {
	env, err := domain.NewEnvelope(domain.EventMarketDataFetchCompleted, cause.CorrelationID, cause.EventID, sourceModule, component, payload)
	if err != nil {
		log.Error("failed to build fetch completion envelope", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Publish(ctx, env); err != nil {
		log.Error("failed to publish fetch completion", slog.String("error", err.Error()))
	}
}
