package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies REBALANCER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known REBALANCER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Core ──
	setStr(&cfg.Core.Backend, "REBALANCER_CORE_BACKEND")
	setInt(&cfg.Core.MaxSellRetries, "REBALANCER_CORE_MAX_SELL_RETRIES")
	setDuration(&cfg.Core.SellRetryDelay, "REBALANCER_CORE_SELL_RETRY_DELAY")
	setFloat64(&cfg.Core.SellFailureThreshold, "REBALANCER_CORE_SELL_FAILURE_THRESHOLD")
	setFloat64(&cfg.Core.MaxEquityLimit, "REBALANCER_CORE_MAX_EQUITY_LIMIT")
	setDuration(&cfg.Core.FetchCooldown, "REBALANCER_CORE_FETCH_COOLDOWN")
	setInt32(&cfg.Core.SharePrecision, "REBALANCER_CORE_SHARE_PRECISION")
	setDuration(&cfg.Core.DedupCacheTTL, "REBALANCER_CORE_DEDUP_CACHE_TTL")
	setInt(&cfg.Core.WorkerConcurrency, "REBALANCER_CORE_WORKER_CONCURRENCY")
	setInt(&cfg.Core.SeedLookbackDays, "REBALANCER_CORE_SEED_LOOKBACK_DAYS")
	setBool(&cfg.Core.ArchiveReports, "REBALANCER_CORE_ARCHIVE_REPORTS")
	setBool(&cfg.Core.LedgerEnabled, "REBALANCER_CORE_LEDGER_ENABLED")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REBALANCER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REBALANCER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REBALANCER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REBALANCER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REBALANCER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REBALANCER_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "REBALANCER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "REBALANCER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "REBALANCER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "REBALANCER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "REBALANCER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "REBALANCER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "REBALANCER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "REBALANCER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "REBALANCER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "REBALANCER_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "REBALANCER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "REBALANCER_S3_REGION")
	setStr(&cfg.S3.Bucket, "REBALANCER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "REBALANCER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "REBALANCER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "REBALANCER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "REBALANCER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "REBALANCER_S3_FORCE_PATH_STYLE")

	// ── Alpaca ──
	setStr(&cfg.Alpaca.APIKey, "REBALANCER_ALPACA_API_KEY")
	setStr(&cfg.Alpaca.APISecret, "REBALANCER_ALPACA_API_SECRET")
	setStr(&cfg.Alpaca.BaseURL, "REBALANCER_ALPACA_BASE_URL")
	setDuration(&cfg.Alpaca.FillTimeout, "REBALANCER_ALPACA_FILL_TIMEOUT")
	setDuration(&cfg.Alpaca.PollInterval, "REBALANCER_ALPACA_POLL_INTERVAL")

	// ── Bus ──
	setStr(&cfg.Bus.EventStream, "REBALANCER_BUS_EVENT_STREAM")
	setStr(&cfg.Bus.TradeStream, "REBALANCER_BUS_TRADE_STREAM")
	setStr(&cfg.Bus.Group, "REBALANCER_BUS_GROUP")
	setStr(&cfg.Bus.Consumer, "REBALANCER_BUS_CONSUMER")
	setInt(&cfg.Bus.MaxDeliveries, "REBALANCER_BUS_MAX_DELIVERIES")
	setInt(&cfg.Bus.BatchSize, "REBALANCER_BUS_BATCH_SIZE")
	setDuration(&cfg.Bus.Block, "REBALANCER_BUS_BLOCK")
	setDuration(&cfg.Bus.MinIdle, "REBALANCER_BUS_MIN_IDLE")
	setDuration(&cfg.Bus.DedupWindow, "REBALANCER_BUS_DEDUP_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "REBALANCER_MODE")
	setStr(&cfg.LogLevel, "REBALANCER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
