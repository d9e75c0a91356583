package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	s3blob "github.com/sablefin/rebalancer/internal/blob/s3"
	"github.com/sablefin/rebalancer/internal/broker/alpaca"
	busmem "github.com/sablefin/rebalancer/internal/bus/memory"
	busredis "github.com/sablefin/rebalancer/internal/bus/redis"
	"github.com/sablefin/rebalancer/internal/config"
	"github.com/sablefin/rebalancer/internal/domain"
	"github.com/sablefin/rebalancer/internal/ledger/postgres"
	"github.com/sablefin/rebalancer/internal/marketdata"
	storemem "github.com/sablefin/rebalancer/internal/store/memory"
	storeredis "github.com/sablefin/rebalancer/internal/store/redis"
)

// runRetention bounds how long run and trade rows stay in the state store
// after their last write.
const runRetention = 7 * 24 * time.Hour

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	RunStore   domain.RunStore
	FetchLocks domain.FetchLockStore

	Bus   domain.EventBus
	Queue domain.TradeQueue

	// NewEventConsumer returns a consumer over the workflow topic for the
	// given consumer-group name. With the memory backend every group shares
	// the single inline bus.
	NewEventConsumer func(group string) domain.EventConsumer

	Broker    domain.Broker
	Clock     domain.MarketClock
	Refresher domain.MarketDataRefresher

	// Optional collaborators; nil when not configured.
	Ledger   domain.TradeLedger
	PnL      domain.PnLService
	Archiver domain.ReportArchiver
}

// consumerName derives a stable-enough consumer id for stream groups.
func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rebalanced"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Broker + market clock + refresher (shared by both backends) ---
	broker := alpaca.New(alpaca.Config{
		APIKey:       cfg.Alpaca.APIKey,
		APISecret:    cfg.Alpaca.APISecret,
		BaseURL:      cfg.Alpaca.BaseURL,
		FillTimeout:  cfg.Alpaca.FillTimeout.Duration,
		PollInterval: cfg.Alpaca.PollInterval.Duration,
	}, logger)
	deps.Broker = broker
	deps.Clock = broker

	var barStore marketdata.BarStore

	switch strings.ToLower(cfg.Core.Backend) {
	case "memory":
		deps.RunStore = storemem.NewRunStore(cfg.Core.MaxEquityLimitDecimal())
		deps.FetchLocks = storemem.NewFetchLockStore()

		bus := busmem.NewBus(cfg.Bus.MaxDeliveries, logger)
		deps.Bus = bus
		deps.NewEventConsumer = func(string) domain.EventConsumer { return bus }
		deps.Queue = busmem.NewQueue(cfg.Bus.MaxDeliveries, logger)

	default: // redis
		redisClient, err := storeredis.New(ctx, storeredis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RunStore = storeredis.NewRunStore(redisClient, cfg.Core.MaxEquityLimitDecimal(), runRetention)
		deps.FetchLocks = storeredis.NewFetchLockStore(redisClient)
		barStore = storeredis.NewBarCache(redisClient, runRetention)

		consumer := consumerName(cfg.Bus.Consumer)
		eventCfg := busredis.StreamConfig{
			Stream:        cfg.Bus.EventStream,
			Group:         cfg.Bus.Group,
			Consumer:      consumer,
			MaxDeliveries: cfg.Bus.MaxDeliveries,
			BatchSize:     cfg.Bus.BatchSize,
			Block:         cfg.Bus.Block.Duration,
			MinIdle:       cfg.Bus.MinIdle.Duration,
		}
		deps.Bus = busredis.NewEventBus(redisClient, eventCfg, logger)
		deps.NewEventConsumer = func(group string) domain.EventConsumer {
			groupCfg := eventCfg
			groupCfg.Group = group
			return busredis.NewEventBus(redisClient, groupCfg, logger)
		}

		queueCfg := eventCfg
		queueCfg.Stream = cfg.Bus.TradeStream
		deps.Queue = busredis.NewTradeQueue(redisClient, queueCfg, cfg.Bus.DedupWindow.Duration, logger)
	}

	deps.Refresher = marketdata.New(marketdata.Config{
		APIKey:       cfg.Alpaca.APIKey,
		APISecret:    cfg.Alpaca.APISecret,
		LookbackDays: cfg.Core.SeedLookbackDays,
	}, barStore, logger)

	// --- Trade ledger + P&L (optional) ---
	if cfg.Core.LedgerEnabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		ledger := postgres.NewLedger(pgClient.Pool())
		deps.Ledger = ledger
		deps.PnL = ledger
	}

	// --- Report archival (optional) ---
	if cfg.Core.ArchiveReports {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3Client, cfg.S3.Prefix)
	}

	return deps, cleanup, nil
}
