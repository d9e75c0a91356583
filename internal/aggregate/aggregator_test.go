package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	busmem "github.com/sablefin/rebalancer/internal/bus/memory"
	"github.com/sablefin/rebalancer/internal/domain"
	storemem "github.com/sablefin/rebalancer/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBroker struct {
	account    domain.Account
	accountErr error
	positions  []domain.Position
	posErr     error
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, errors.New("not implemented")
}

func (b *fakeBroker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	return nil, nil
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return b.positions, b.posErr
}

func (b *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (*decimal.Decimal, error) {
	return nil, nil
}

func (b *fakeBroker) GetAccount(ctx context.Context) (domain.Account, error) {
	return b.account, b.accountErr
}

type fakePnL struct {
	summary domain.PnLSummary
	err     error
}

func (p *fakePnL) MonthlyPnL(ctx context.Context) (domain.PnLSummary, error) {
	return p.summary, p.err
}

func (p *fakePnL) PeriodPnL(ctx context.Context, period string) (domain.PnLSummary, error) {
	return p.summary, p.err
}

type fakeArchiver struct {
	mu      sync.Mutex
	runIDs  []string
	reports []domain.AllTradesCompletedPayload
	err     error
}

func (a *fakeArchiver) ArchiveRunReport(ctx context.Context, runID string, report domain.AllTradesCompletedPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.runIDs = append(a.runIDs, runID)
	a.reports = append(a.reports, report)
	return nil
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

func (r *eventRecorder) byType(t domain.EventType) []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Envelope
	for _, env := range r.events {
		if env.EventType == t {
			out = append(out, env)
		}
	}
	return out
}

type aggRig struct {
	store    *storemem.RunStore
	bus      *busmem.Bus
	events   *eventRecorder
	broker   *fakeBroker
	pnl      *fakePnL
	archiver *fakeArchiver
	agg      *Aggregator
}

func newAggRig(t *testing.T) *aggRig {
	t.Helper()
	logger := testLogger()
	rig := &aggRig{
		store:  storemem.NewRunStore(decimal.NewFromInt(250000)),
		bus:    busmem.NewBus(3, logger),
		events: &eventRecorder{},
		broker: &fakeBroker{
			account: domain.Account{
				Equity:          decimal.NewFromInt(100000),
				Cash:            decimal.NewFromInt(25000),
				LongMarketValue: decimal.NewFromInt(75000),
			},
			positions: []domain.Position{
				{Symbol: "AAPL", Qty: decimal.NewFromInt(10), MarketValue: decimal.NewFromInt(2000)},
			},
		},
		pnl:      &fakePnL{summary: domain.PnLSummary{Period: "month", RealizedPnL: "1234.56", TradeCount: 9}},
		archiver: &fakeArchiver{},
	}
	rig.bus.Subscribe(rig.events.Handle)
	rig.agg = New(rig.store, rig.bus, rig.broker, rig.pnl, rig.archiver, logger)
	return rig
}

// completedRun seeds a run whose trades are all terminal.
func completedRun(t *testing.T, rig *aggRig, runID string) {
	t.Helper()
	ctx := context.Background()

	run := domain.Run{
		RunID:               runID,
		PlanID:              "plan-1",
		CorrelationID:       "corr-1",
		TotalTrades:         3,
		SellTotal:           1,
		BuyTotal:            2,
		CompletedTrades:     3,
		SellCompleted:       1,
		BuyCompleted:        2,
		SucceededTrades:     2,
		SkippedTrades:       1,
		SellSucceededAmount: decimal.NewFromInt(1500),
		BuySucceededAmount:  decimal.NewFromInt(1200),
		Phase:               domain.PhaseBuy,
		Status:              domain.RunStatusRunning,
		CreatedAt:           time.Now().UTC().Add(-time.Minute),
	}
	trades := []domain.Trade{
		{TradeID: "t-1", RunID: runID, Symbol: "AAPL", Action: domain.ActionSell, Phase: domain.PhaseSell,
			StrategyID: "momentum", SequenceNumber: 1, Status: domain.TradeStatusCompleted},
		{TradeID: "t-2", RunID: runID, Symbol: "MSFT", Action: domain.ActionBuy, Phase: domain.PhaseBuy,
			StrategyID: "momentum", SequenceNumber: 2, Status: domain.TradeStatusCompleted},
		{TradeID: "t-3", RunID: runID, Symbol: "GOOG", Action: domain.ActionBuy, Phase: domain.PhaseBuy,
			StrategyID: "value", SequenceNumber: 3, Status: domain.TradeStatusSkipped,
			ErrorMessage: "asset GOOG is not fractionable"},
	}
	if err := rig.store.CreateRun(ctx, run, trades); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func tradeExecutedEnvelope(t *testing.T, runID string) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EventTradeExecuted, "corr-1", "t-3", "execution", "trade_worker",
		domain.TradeExecutedPayload{RunID: runID, TradeID: "t-3", Symbol: "GOOG", Success: true})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestAggregatorFinalizesCompletedRun(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)
	completedRun(t, rig, "run-1")

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	run, _ := rig.store.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", run.Status)
	}

	terminal := rig.events.byType(domain.EventAllTradesCompleted)
	if len(terminal) != 1 {
		t.Fatalf("AllTradesCompleted events = %d, want 1", len(terminal))
	}
	var report domain.AllTradesCompletedPayload
	if err := terminal[0].DecodePayload(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.RunID != "run-1" || report.TotalTrades != 3 {
		t.Errorf("report header = %+v", report)
	}
	if report.Counts.Completed != 2 || report.Counts.Failed != 0 || report.Counts.Skipped != 1 {
		t.Errorf("counts = %+v, want 2/0/1", report.Counts)
	}
	if len(report.SucceededSymbols) != 2 {
		t.Errorf("succeeded symbols = %v", report.SucceededSymbols)
	}
	if len(report.NonFractionableSkipped) != 1 || report.NonFractionableSkipped[0] != "GOOG" {
		t.Errorf("non-fractionable skipped = %v, want [GOOG]", report.NonFractionableSkipped)
	}
	if report.Totals.SellSucceededAmount != "1500" || report.Totals.BuySucceededAmount != "1200" {
		t.Errorf("totals = %+v", report.Totals)
	}

	// Strategy attribution is sorted by strategy id.
	if len(report.StrategyAttribution) != 2 {
		t.Fatalf("strategy attribution = %+v, want 2 strategies", report.StrategyAttribution)
	}
	if report.StrategyAttribution[0].StrategyID != "momentum" || report.StrategyAttribution[0].Succeeded != 2 {
		t.Errorf("momentum attribution = %+v", report.StrategyAttribution[0])
	}
	if report.StrategyAttribution[1].StrategyID != "value" || report.StrategyAttribution[1].Trades != 1 {
		t.Errorf("value attribution = %+v", report.StrategyAttribution[1])
	}

	if report.Portfolio.Equity != "100000" {
		t.Errorf("portfolio equity = %q, want 100000", report.Portfolio.Equity)
	}
	if len(report.Portfolio.Positions) != 1 || report.Portfolio.Positions[0].Symbol != "AAPL" {
		t.Errorf("portfolio positions = %+v", report.Portfolio.Positions)
	}
	if report.PnL.RealizedPnL != "1234.56" {
		t.Errorf("pnl = %+v", report.PnL)
	}
	if report.StartedAt == nil {
		t.Error("report started_at missing")
	}

	rig.archiver.mu.Lock()
	defer rig.archiver.mu.Unlock()
	if len(rig.archiver.runIDs) != 1 || rig.archiver.runIDs[0] != "run-1" {
		t.Errorf("archived runs = %v, want [run-1]", rig.archiver.runIDs)
	}
}

func TestAggregatorEmitsOneTerminalEvent(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)
	completedRun(t, rig, "run-1")

	// Two workers' outcome events race into the aggregator.
	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}

	if n := len(rig.events.byType(domain.EventAllTradesCompleted)); n != 1 {
		t.Fatalf("AllTradesCompleted events = %d, want exactly 1", n)
	}
}

func TestAggregatorIgnoresIncompleteRun(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)

	run := domain.Run{
		RunID: "run-1", CorrelationID: "corr-1",
		TotalTrades: 3, CompletedTrades: 2,
		Status: domain.RunStatusRunning, Phase: domain.PhaseSell,
	}
	if err := rig.store.CreateRun(ctx, run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if n := len(rig.events.events); n != 0 {
		t.Errorf("events published = %d, want 0", n)
	}
	got, _ := rig.store.GetRun(ctx, "run-1")
	if got.Status != domain.RunStatusRunning {
		t.Errorf("run status = %s, want RUNNING untouched", got.Status)
	}
}

func TestAggregatorReportsUnknownRun(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-missing")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	failures := rig.events.byType(domain.EventWorkflowFailed)
	if len(failures) != 1 {
		t.Fatalf("WorkflowFailed events = %d, want 1", len(failures))
	}
	var payload domain.WorkflowFailedPayload
	_ = failures[0].DecodePayload(&payload)
	if payload.FailureStep != domain.FailureStepRunLookup {
		t.Errorf("failure step = %q, want %q", payload.FailureStep, domain.FailureStepRunLookup)
	}
	if payload.RunID != "run-missing" {
		t.Errorf("run id = %q", payload.RunID)
	}
}

func TestAggregatorReportsZeroTradeRun(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)

	run := domain.Run{RunID: "run-1", CorrelationID: "corr-1", Status: domain.RunStatusPending}
	if err := rig.store.CreateRun(ctx, run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	failures := rig.events.byType(domain.EventWorkflowFailed)
	if len(failures) != 1 {
		t.Fatalf("WorkflowFailed events = %d, want 1", len(failures))
	}
}

func TestAggregatorSilentOnFailedRun(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)
	completedRun(t, rig, "run-1")
	if err := rig.store.MarkRunFailed(ctx, "run-1", "sell failure threshold exceeded"); err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if n := len(rig.events.events); n != 0 {
		t.Errorf("events published = %d, want 0 for a guarded run", n)
	}
}

func TestAggregatorIgnoresUnrelatedEvents(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)

	env, err := domain.NewEnvelope(domain.EventMarketDataFetchRequested, "corr-1", "", "market_data", "planner",
		domain.MarketDataFetchRequestedPayload{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := rig.agg.HandleEvent(ctx, env); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	// Events without a run id are also ignored.
	env, err = domain.NewEnvelope(domain.EventTradeExecuted, "corr-1", "", "execution", "trade_worker",
		domain.TradeExecutedPayload{TradeID: "t-1", Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := rig.agg.HandleEvent(ctx, env); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if n := len(rig.events.events); n != 0 {
		t.Errorf("events published = %d, want 0", n)
	}
}

func TestAggregatorDegradesWithoutOptionalCollaborators(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	store := storemem.NewRunStore(decimal.NewFromInt(250000))
	bus := busmem.NewBus(3, logger)
	events := &eventRecorder{}
	bus.Subscribe(events.Handle)

	rig := &aggRig{store: store, bus: bus, events: events}
	rig.agg = New(store, bus, nil, nil, nil, logger)
	completedRun(t, rig, "run-1")

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	terminal := events.byType(domain.EventAllTradesCompleted)
	if len(terminal) != 1 {
		t.Fatalf("AllTradesCompleted events = %d, want 1", len(terminal))
	}
	var report domain.AllTradesCompletedPayload
	_ = terminal[0].DecodePayload(&report)
	if report.Portfolio.Equity != "" || report.PnL.RealizedPnL != "" {
		t.Errorf("expected empty portfolio/pnl, got %+v / %+v", report.Portfolio, report.PnL)
	}
}

func TestAggregatorDegradesOnBrokerFailure(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)
	rig.broker.accountErr = errors.New("broker unavailable")
	rig.pnl.err = errors.New("database unavailable")
	completedRun(t, rig, "run-1")

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	terminal := rig.events.byType(domain.EventAllTradesCompleted)
	if len(terminal) != 1 {
		t.Fatalf("AllTradesCompleted events = %d, want 1", len(terminal))
	}
	var report domain.AllTradesCompletedPayload
	_ = terminal[0].DecodePayload(&report)
	if report.Portfolio.Equity != "" {
		t.Errorf("portfolio = %+v, want empty on broker failure", report.Portfolio)
	}
	run, _ := rig.store.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Errorf("run status = %s, want COMPLETED despite snapshot failures", run.Status)
	}
}

func TestAggregatorArchiveFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	rig := newAggRig(t)
	rig.archiver.err = errors.New("bucket unavailable")
	completedRun(t, rig, "run-1")

	if err := rig.agg.HandleEvent(ctx, tradeExecutedEnvelope(t, "run-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	run, _ := rig.store.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Errorf("run status = %s, want COMPLETED despite archive failure", run.Status)
	}
}
