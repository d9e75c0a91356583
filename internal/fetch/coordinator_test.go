package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	busmem "github.com/sablefin/rebalancer/internal/bus/memory"
	"github.com/sablefin/rebalancer/internal/domain"
	storemem "github.com/sablefin/rebalancer/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRefresher struct {
	mu      sync.Mutex
	symbols []string
	bars    int
	errs    []error
}

func (r *fakeRefresher) RefreshSymbol(ctx context.Context, symbol string) (domain.RefreshResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.symbols)
	r.symbols = append(r.symbols, symbol)
	if i < len(r.errs) && r.errs[i] != nil {
		return domain.RefreshResult{}, r.errs[i]
	}
	return domain.RefreshResult{Success: true, BarsFetched: r.bars}, nil
}

func (r *fakeRefresher) SeedInitialData(ctx context.Context, symbols []string, lookbackDays int) (map[string]bool, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRefresher) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.symbols)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Envelope
}

func (r *eventRecorder) Handle(ctx context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *eventRecorder) completions(t *testing.T) []domain.MarketDataFetchCompletedPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MarketDataFetchCompletedPayload
	for _, env := range r.events {
		if env.EventType != domain.EventMarketDataFetchCompleted {
			continue
		}
		var p domain.MarketDataFetchCompletedPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode completion: %v", err)
		}
		out = append(out, p)
	}
	return out
}

type fetchRig struct {
	locks     *storemem.FetchLockStore
	refresher *fakeRefresher
	bus       *busmem.Bus
	events    *eventRecorder
	coord     *Coordinator
}

func newFetchRig(t *testing.T, cooldown time.Duration) *fetchRig {
	t.Helper()
	logger := testLogger()
	rig := &fetchRig{
		locks:     storemem.NewFetchLockStore(),
		refresher: &fakeRefresher{bars: 30},
		bus:       busmem.NewBus(3, logger),
		events:    &eventRecorder{},
	}
	rig.bus.Subscribe(rig.events.Handle)
	rig.coord = New(rig.locks, rig.refresher, rig.bus, cooldown, logger)
	return rig
}

func fetchRequest(t *testing.T, symbol, correlationID string) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EventMarketDataFetchRequested, correlationID, "", "market_data", "planner",
		domain.MarketDataFetchRequestedPayload{
			Symbol:          symbol,
			RequestingStage: "planning",
		})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestFetchWinnerRefreshes(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Minute)

	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if rig.refresher.calls() != 1 {
		t.Fatalf("refresher calls = %d, want 1", rig.refresher.calls())
	}
	done := rig.events.completions(t)
	if len(done) != 1 {
		t.Fatalf("completions = %d, want 1", len(done))
	}
	if !done[0].Success || done[0].WasDeduplicated || done[0].BarsFetched != 30 {
		t.Errorf("completion = %+v, want real success with 30 bars", done[0])
	}
}

func TestFetchDeduplicatesWithinCooldown(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Minute)

	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-1")); err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-2")); err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}

	if rig.refresher.calls() != 1 {
		t.Fatalf("refresher calls = %d, want 1 (second request deduplicated)", rig.refresher.calls())
	}
	done := rig.events.completions(t)
	if len(done) != 2 {
		t.Fatalf("completions = %d, want 2", len(done))
	}
	if done[1].WasDeduplicated != true || !done[1].Success {
		t.Errorf("loser completion = %+v, want deduplicated success", done[1])
	}
	if done[1].BarsFetched != 0 {
		t.Errorf("loser bars fetched = %d, want 0", done[1].BarsFetched)
	}
}

func TestFetchDifferentSymbolsDoNotContend(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Minute)

	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-1")); err != nil {
		t.Fatalf("HandleEvent AAPL: %v", err)
	}
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "MSFT", "corr-2")); err != nil {
		t.Fatalf("HandleEvent MSFT: %v", err)
	}

	if rig.refresher.calls() != 2 {
		t.Fatalf("refresher calls = %d, want 2", rig.refresher.calls())
	}
}

func TestFetchReleasesLockOnFailure(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Hour)
	rig.refresher.errs = []error{errors.New("upstream 503")}

	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-1")); err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}

	done := rig.events.completions(t)
	if len(done) != 1 || done[0].Success {
		t.Fatalf("completions = %+v, want one failure", done)
	}
	if done[0].ErrorMessage != "upstream 503" {
		t.Errorf("error message = %q", done[0].ErrorMessage)
	}

	// The failed fetch released its lock, so a retry proceeds immediately
	// despite the long cooldown.
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-2")); err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}
	if rig.refresher.calls() != 2 {
		t.Fatalf("refresher calls = %d, want 2 after release", rig.refresher.calls())
	}
	done = rig.events.completions(t)
	if len(done) != 2 || !done[1].Success || done[1].WasDeduplicated {
		t.Errorf("retry completion = %+v, want real success", done[1])
	}
}

func TestFetchCooldownExpiryAllowsRefetch(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Minute)

	now := time.Now()
	rig.locks.SetClock(func() time.Time { return now })

	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-1")); err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}

	// Still inside the window.
	rig.locks.SetClock(func() time.Time { return now.Add(30 * time.Second) })
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-2")); err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}
	if rig.refresher.calls() != 1 {
		t.Fatalf("refresher calls = %d, want 1 inside cooldown", rig.refresher.calls())
	}

	// Past the window.
	rig.locks.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "AAPL", "corr-3")); err != nil {
		t.Fatalf("third HandleEvent: %v", err)
	}
	if rig.refresher.calls() != 2 {
		t.Fatalf("refresher calls = %d, want 2 after cooldown expiry", rig.refresher.calls())
	}
}

func TestFetchIgnoresUnrelatedEvents(t *testing.T) {
	ctx := context.Background()
	rig := newFetchRig(t, time.Minute)

	env, err := domain.NewEnvelope(domain.EventTradeExecuted, "corr-1", "", "execution", "trade_worker",
		domain.TradeExecutedPayload{RunID: "run-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := rig.coord.HandleEvent(ctx, env); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	// Requests without a symbol are dropped, not retried.
	if err := rig.coord.HandleEvent(ctx, fetchRequest(t, "", "corr-2")); err != nil {
		t.Fatalf("HandleEvent empty symbol: %v", err)
	}

	if rig.refresher.calls() != 0 {
		t.Errorf("refresher calls = %d, want 0", rig.refresher.calls())
	}
	if n := len(rig.events.completions(t)); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}
}
