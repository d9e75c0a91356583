// Package config defines the top-level configuration for the rebalancer
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by REBALANCER_* environment
// variables.
type Config struct {
	Core     CoreConfig     `toml:"core"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Alpaca   AlpacaConfig   `toml:"alpaca"`
	Bus      BusConfig      `toml:"bus"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// CoreConfig holds the execution-policy knobs shared by the worker, phase
// coordinator, and fetch coordinator.
type CoreConfig struct {
	// Backend selects the storage and bus implementation: "redis" or
	// "memory". Memory is single-process only, for local runs and tests.
	Backend string `toml:"backend"`

	MaxSellRetries       int      `toml:"max_sell_retries"`
	SellRetryDelay       duration `toml:"sell_retry_delay"`
	SellFailureThreshold float64  `toml:"sell_failure_threshold"`
	MaxEquityLimit       float64  `toml:"max_equity_limit"`
	FetchCooldown        duration `toml:"fetch_cooldown"`
	SharePrecision       int32    `toml:"share_precision"`
	DedupCacheTTL        duration `toml:"dedup_cache_ttl"`
	WorkerConcurrency    int      `toml:"worker_concurrency"`
	SeedLookbackDays     int      `toml:"seed_lookback_days"`
	ArchiveReports       bool     `toml:"archive_reports"`
	LedgerEnabled        bool     `toml:"ledger_enabled"`
}

// SellFailureThresholdDecimal returns the guard threshold as a decimal.
func (c CoreConfig) SellFailureThresholdDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.SellFailureThreshold)
}

// MaxEquityLimitDecimal returns the equity breaker limit as a decimal.
func (c CoreConfig) MaxEquityLimitDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxEquityLimit)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds trade-ledger database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for report
// archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// AlpacaConfig holds broker API credentials.
type AlpacaConfig struct {
	APIKey       string   `toml:"api_key"`
	APISecret    string   `toml:"api_secret"`
	BaseURL      string   `toml:"base_url"`
	FillTimeout  duration `toml:"fill_timeout"`
	PollInterval duration `toml:"poll_interval"`
}

// BusConfig holds event-stream and trade-queue tuning for the redis backend.
type BusConfig struct {
	EventStream   string   `toml:"event_stream"`
	TradeStream   string   `toml:"trade_stream"`
	Group         string   `toml:"group"`
	Consumer      string   `toml:"consumer"`
	MaxDeliveries int      `toml:"max_deliveries"`
	BatchSize     int      `toml:"batch_size"`
	Block         duration `toml:"block"`
	MinIdle       duration `toml:"min_idle"`
	DedupWindow   duration `toml:"dedup_window"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Core: CoreConfig{
			Backend:              "redis",
			MaxSellRetries:       2,
			SellRetryDelay:       duration{2 * time.Second},
			SellFailureThreshold: 5000,
			MaxEquityLimit:       250000,
			FetchCooldown:        duration{90 * time.Second},
			SharePrecision:       4,
			DedupCacheTTL:        duration{30 * time.Minute},
			WorkerConcurrency:    4,
			SeedLookbackDays:     30,
			ArchiveReports:       false,
			LedgerEnabled:        false,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rebalancer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "rebalancer-reports",
			Prefix:         "runs",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Alpaca: AlpacaConfig{
			BaseURL:      "https://paper-api.alpaca.markets",
			FillTimeout:  duration{15 * time.Second},
			PollInterval: duration{500 * time.Millisecond},
		},
		Bus: BusConfig{
			EventStream:   "events:workflow",
			TradeStream:   "queue:trades",
			Group:         "rebalancer",
			Consumer:      "",
			MaxDeliveries: 5,
			BatchSize:     16,
			Block:         duration{5 * time.Second},
			MinIdle:       duration{time.Minute},
			DedupWindow:   duration{24 * time.Hour},
		},
		Mode:     "all",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"execute":   true,
	"aggregate": true,
	"fetch":     true,
	"seed":      true,
	"all":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: execute, aggregate, fetch, seed, all)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Core.Backend) {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("core: unknown backend %q (valid: redis, memory)", c.Core.Backend))
	}
	if c.Core.MaxSellRetries < 0 {
		errs = append(errs, "core: max_sell_retries must be >= 0")
	}
	if c.Core.SellFailureThreshold < 0 {
		errs = append(errs, "core: sell_failure_threshold must be >= 0")
	}
	if c.Core.MaxEquityLimit <= 0 {
		errs = append(errs, "core: max_equity_limit must be > 0")
	}
	if c.Core.FetchCooldown.Duration <= 0 {
		errs = append(errs, "core: fetch_cooldown must be > 0")
	}
	if c.Core.SharePrecision < 0 || c.Core.SharePrecision > 9 {
		errs = append(errs, fmt.Sprintf("core: share_precision must be 0-9, got %d", c.Core.SharePrecision))
	}
	if c.Core.WorkerConcurrency < 1 {
		errs = append(errs, "core: worker_concurrency must be >= 1")
	}

	if strings.ToLower(c.Core.Backend) == "redis" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Bus.EventStream == "" {
			errs = append(errs, "bus: event_stream must not be empty")
		}
		if c.Bus.TradeStream == "" {
			errs = append(errs, "bus: trade_stream must not be empty")
		}
		if c.Bus.MaxDeliveries < 1 {
			errs = append(errs, "bus: max_deliveries must be >= 1")
		}
	}

	if c.Core.LedgerEnabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Core.ArchiveReports {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
	}

	mode := strings.ToLower(c.Mode)
	needsBroker := mode == "execute" || mode == "aggregate" || mode == "all"
	if needsBroker && c.Alpaca.APIKey == "" {
		errs = append(errs, "alpaca: api_key is required for mode "+c.Mode)
	}
	if needsBroker && c.Alpaca.APISecret == "" {
		errs = append(errs, "alpaca: api_secret is required for mode "+c.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
