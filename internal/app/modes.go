package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sablefin/rebalancer/internal/aggregate"
	"github.com/sablefin/rebalancer/internal/exec"
	"github.com/sablefin/rebalancer/internal/fetch"
)

// Consumer-group names on the workflow topic. Each group receives every
// event, so the aggregator and the fetch coordinator never compete for
// deliveries.
const (
	groupAggregate = "rebalancer:aggregate"
	groupFetch     = "rebalancer:fetch"
)

// buildWorker constructs the execution worker together with its embedded
// phase coordinator.
func (a *App) buildWorker(deps *Dependencies) *exec.Worker {
	phase := exec.NewPhaseCoordinator(
		deps.RunStore,
		deps.Queue,
		deps.Bus,
		a.cfg.Core.SellFailureThresholdDecimal(),
		a.logger,
	)
	return exec.NewWorker(
		deps.RunStore,
		deps.Broker,
		deps.Clock,
		deps.Ledger,
		deps.Bus,
		phase,
		exec.WorkerConfig{
			MaxSellRetries: a.cfg.Core.MaxSellRetries,
			SellRetryDelay: a.cfg.Core.SellRetryDelay.Duration,
			SharePrecision: a.cfg.Core.SharePrecision,
			DedupCacheTTL:  a.cfg.Core.DedupCacheTTL.Duration,
		},
		a.logger,
	)
}

// ExecuteMode runs a pool of trade workers over the execution queue.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting execute mode",
		slog.Int("concurrency", a.cfg.Core.WorkerConcurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkerPool(ctx, g, deps)
	return g.Wait()
}

// startWorkerPool launches the worker goroutines plus the cache janitor on g.
func (a *App) startWorkerPool(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	worker := a.buildWorker(deps)

	for i := 0; i < a.cfg.Core.WorkerConcurrency; i++ {
		g.Go(func() error {
			return deps.Queue.Consume(ctx, worker.HandleMessage)
		})
	}

	// Periodic idempotency-cache pruning.
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				worker.Cleanup()
			}
		}
	})
}

// AggregateMode runs the run aggregator as a topic consumer.
func (a *App) AggregateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting aggregate mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAggregator(ctx, g, deps)
	return g.Wait()
}

func (a *App) startAggregator(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	aggregator := aggregate.New(
		deps.RunStore,
		deps.Bus,
		deps.Broker,
		deps.PnL,
		deps.Archiver,
		a.logger,
	)
	consumer := deps.NewEventConsumer(groupAggregate)
	g.Go(func() error {
		return consumer.Consume(ctx, aggregator.HandleEvent)
	})
}

// FetchMode runs the fetch-lock coordinator as a topic consumer.
func (a *App) FetchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting fetch mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFetchCoordinator(ctx, g, deps)
	return g.Wait()
}

func (a *App) startFetchCoordinator(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	coordinator := fetch.New(
		deps.FetchLocks,
		deps.Refresher,
		deps.Bus,
		a.cfg.Core.FetchCooldown.Duration,
		a.logger,
	)
	consumer := deps.NewEventConsumer(groupFetch)
	g.Go(func() error {
		return consumer.Consume(ctx, coordinator.HandleEvent)
	})
}

// SeedMode bulk-loads market data for the configured symbols and exits. The
// symbol list comes from positional arguments after the flags.
func (a *App) SeedMode(ctx context.Context, deps *Dependencies, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("app: seed mode requires at least one symbol argument")
	}
	a.logger.InfoContext(ctx, "seeding market data",
		slog.Int("symbols", len(symbols)),
		slog.Int("lookback_days", a.cfg.Core.SeedLookbackDays),
	)

	results, err := deps.Refresher.SeedInitialData(ctx, symbols, a.cfg.Core.SeedLookbackDays)
	if err != nil {
		return fmt.Errorf("app: seed: %w", err)
	}
	failed := 0
	for symbol, ok := range results {
		if !ok {
			failed++
			a.logger.Warn("seed failed", slog.String("symbol", symbol))
		}
	}
	a.logger.Info("seed finished",
		slog.Int("succeeded", len(results)-failed),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("app: seed: %d of %d symbols failed", failed, len(results))
	}
	return nil
}

// AllMode runs the whole coordinator in one process: worker pool, aggregator
// and fetch coordinator sharing one errgroup.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting all mode",
		slog.String("backend", a.cfg.Core.Backend),
		slog.Int("concurrency", a.cfg.Core.WorkerConcurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkerPool(ctx, g, deps)
	a.startAggregator(ctx, g, deps)
	a.startFetchCoordinator(ctx, g, deps)
	return g.Wait()
}
