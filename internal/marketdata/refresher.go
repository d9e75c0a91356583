// Package marketdata implements the refresher that runs behind the fetch
// lock: it pulls daily bars from the Alpaca data API and stores the latest
// view for downstream pricing.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Bar is one daily bar kept for a symbol.
type Bar struct {
	Symbol    string
	Close     float64
	Volume    uint64
	Timestamp time.Time
}

// BarStore persists refreshed bars. Implementations keep only the recent
// window; the refresher never reads back what it wrote.
type BarStore interface {
	StoreBars(ctx context.Context, symbol string, bars []Bar) error
	LatestBar(ctx context.Context, symbol string) (Bar, error)
}

// Config tunes the refresher.
type Config struct {
	APIKey    string
	APISecret string

	// LookbackDays is the bar window fetched on every refresh.
	LookbackDays int
}

func (c Config) normalize() Config {
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	return c
}

// Refresher implements domain.MarketDataRefresher on the Alpaca data API.
type Refresher struct {
	md     *amd.Client
	store  BarStore
	cfg    Config
	logger *slog.Logger
}

// New creates a Refresher. store may be nil; bars are then fetched for
// freshness only and discarded.
func New(cfg Config, store BarStore, logger *slog.Logger) *Refresher {
	cfg = cfg.normalize()
	return &Refresher{
		md: amd.NewClient(amd.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "marketdata_refresher")),
	}
}

// RefreshSymbol fetches the recent daily-bar window for one symbol.
func (r *Refresher) RefreshSymbol(ctx context.Context, symbol string) (domain.RefreshResult, error) {
	return r.refresh(ctx, symbol, r.cfg.LookbackDays)
}

// SeedInitialData bulk-loads bars for every symbol before a run starts. The
// returned map reports per-symbol success; one failing symbol does not stop
// the rest.
func (r *Refresher) SeedInitialData(ctx context.Context, symbols []string, lookbackDays int) (map[string]bool, error) {
	if lookbackDays <= 0 {
		lookbackDays = r.cfg.LookbackDays
	}
	out := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		result, err := r.refresh(ctx, symbol, lookbackDays)
		if err != nil {
			r.logger.Warn("seed failed for symbol",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			out[symbol] = false
			continue
		}
		out[symbol] = result.Success
	}
	return out, nil
}

func (r *Refresher) refresh(ctx context.Context, symbol string, lookbackDays int) (domain.RefreshResult, error) {
	start := time.Now().AddDate(0, 0, -lookbackDays)
	raw, err := r.md.GetBars(symbol, amd.GetBarsRequest{
		TimeFrame: amd.OneDay,
		Start:     start,
	})
	if err != nil {
		return domain.RefreshResult{}, fmt.Errorf("marketdata: get bars %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Symbol:    symbol,
			Close:     b.Close,
			Volume:    b.Volume,
			Timestamp: b.Timestamp,
		})
	}

	if r.store != nil && len(bars) > 0 {
		if err := r.store.StoreBars(ctx, symbol, bars); err != nil {
			return domain.RefreshResult{}, fmt.Errorf("marketdata: store bars %s: %w", symbol, err)
		}
	}

	return domain.RefreshResult{
		Success:     true,
		BarsFetched: len(bars),
		Metadata: map[string]string{
			"lookback_days": fmt.Sprintf("%d", lookbackDays),
		},
	}, nil
}

var _ domain.MarketDataRefresher = (*Refresher)(nil)
