package exec

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	busmem "github.com/sablefin/rebalancer/internal/bus/memory"
	"github.com/sablefin/rebalancer/internal/domain"
	storemem "github.com/sablefin/rebalancer/internal/store/memory"
)

type phaseRig struct {
	store  *storemem.RunStore
	queue  *busmem.Queue
	bus    *busmem.Bus
	events *eventRecorder
	coord  *PhaseCoordinator
}

func newPhaseRig(t *testing.T, threshold string) *phaseRig {
	t.Helper()
	logger := testLogger()
	rig := &phaseRig{
		store:  storemem.NewRunStore(decimal.NewFromInt(250000)),
		queue:  busmem.NewQueue(3, logger),
		bus:    busmem.NewBus(3, logger),
		events: &eventRecorder{},
	}
	rig.bus.Subscribe(rig.events.Handle)
	rig.coord = NewPhaseCoordinator(rig.store, rig.queue, rig.bus, decimal.RequireFromString(threshold), logger)
	return rig
}

// sellCloseSnapshot is a snapshot taken right after the last SELL trade went
// terminal.
func sellCloseSnapshot(sellTotal, buyTotal int, sellFailed string) domain.CompletionSnapshot {
	return domain.CompletionSnapshot{
		Phase:            domain.PhaseSell,
		CompletedTrades:  sellTotal,
		TotalTrades:      sellTotal + buyTotal,
		SellCompleted:    sellTotal,
		SellTotal:        sellTotal,
		BuyTotal:         buyTotal,
		SellFailedAmount: decimal.RequireFromString(sellFailed),
	}
}

func TestPhaseCoordinatorReleasesBufferedBuys(t *testing.T) {
	ctx := context.Background()
	rig := newPhaseRig(t, "5000")

	run := newRun("run-1", 2, 2)
	buys := []domain.Trade{
		buyTrade("run-1", "t-b2", "MSFT", "1000", "4", 4, true),
		buyTrade("run-1", "t-b1", "GOOG", "800", "2", 3, true),
	}
	if err := rig.store.CreateRun(ctx, run, buys); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	snap := sellCloseSnapshot(2, 2, "100")
	if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", snap); err != nil {
		t.Fatalf("OnTradeCompleted: %v", err)
	}

	got, _ := rig.store.GetRun(ctx, "run-1")
	if got.Phase != domain.PhaseBuy {
		t.Fatalf("phase = %s, want BUY", got.Phase)
	}
	if rig.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", rig.queue.Len())
	}

	// Drain preserves enqueue order, which follows sequence numbers.
	var order []string
	_ = rig.queue.Drain(ctx, func(ctx context.Context, msg domain.TradeMessage) error {
		order = append(order, msg.TradeID)
		return nil
	})
	if len(order) != 2 || order[0] != "t-b1" || order[1] != "t-b2" {
		t.Errorf("release order = %v, want [t-b1 t-b2]", order)
	}

	for _, id := range []string{"t-b1", "t-b2"} {
		row, _ := rig.store.GetTrade(ctx, "run-1", id)
		if row.Status != domain.TradeStatusPending {
			t.Errorf("%s status = %s, want PENDING", id, row.Status)
		}
	}
}

func TestPhaseCoordinatorGuardTripBlocksBuys(t *testing.T) {
	ctx := context.Background()
	rig := newPhaseRig(t, "5000")

	run := newRun("run-1", 2, 1)
	buys := []domain.Trade{buyTrade("run-1", "t-b1", "MSFT", "1000", "4", 3, true)}
	if err := rig.store.CreateRun(ctx, run, buys); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	snap := sellCloseSnapshot(2, 1, "6000")
	if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", snap); err != nil {
		t.Fatalf("OnTradeCompleted: %v", err)
	}

	got, _ := rig.store.GetRun(ctx, "run-1")
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want FAILED", got.Status)
	}
	if got.Phase != domain.PhaseSell {
		t.Errorf("phase = %s, want SELL (no transition after guard trip)", got.Phase)
	}
	if rig.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", rig.queue.Len())
	}
	row, _ := rig.store.GetTrade(ctx, "run-1", "t-b1")
	if row.Status != domain.TradeStatusBuffered {
		t.Errorf("buy status = %s, want BUFFERED (never released)", row.Status)
	}

	failures := rig.events.byType(domain.EventWorkflowFailed)
	if len(failures) != 1 {
		t.Fatalf("WorkflowFailed events = %d, want 1", len(failures))
	}
	var payload domain.WorkflowFailedPayload
	_ = failures[0].DecodePayload(&payload)
	if payload.FailureStep != domain.FailureStepSellPhaseGuard {
		t.Errorf("failure step = %q, want %q", payload.FailureStep, domain.FailureStepSellPhaseGuard)
	}
	if payload.ErrorDetails["buy_trades_blocked"] != "1" {
		t.Errorf("buy_trades_blocked = %q, want 1", payload.ErrorDetails["buy_trades_blocked"])
	}
}

func TestPhaseCoordinatorThresholdIsExclusive(t *testing.T) {
	ctx := context.Background()
	rig := newPhaseRig(t, "5000")

	run := newRun("run-1", 1, 1)
	buys := []domain.Trade{buyTrade("run-1", "t-b1", "MSFT", "1000", "4", 2, true)}
	if err := rig.store.CreateRun(ctx, run, buys); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Failed amount exactly at the threshold does not trip the guard.
	snap := sellCloseSnapshot(1, 1, "5000")
	if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", snap); err != nil {
		t.Fatalf("OnTradeCompleted: %v", err)
	}

	got, _ := rig.store.GetRun(ctx, "run-1")
	if got.Phase != domain.PhaseBuy {
		t.Fatalf("phase = %s, want BUY at exact threshold", got.Phase)
	}
	if rig.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", rig.queue.Len())
	}
}

func TestPhaseCoordinatorNoopCases(t *testing.T) {
	cases := []struct {
		name string
		snap domain.CompletionSnapshot
	}{
		{
			name: "buy phase trade",
			snap: domain.CompletionSnapshot{Phase: domain.PhaseBuy, SellCompleted: 1, SellTotal: 1, BuyTotal: 1},
		},
		{
			name: "sell phase incomplete",
			snap: domain.CompletionSnapshot{Phase: domain.PhaseSell, SellCompleted: 1, SellTotal: 2, BuyTotal: 1},
		},
		{
			name: "no buys to release",
			snap: domain.CompletionSnapshot{Phase: domain.PhaseSell, SellCompleted: 2, SellTotal: 2, BuyTotal: 0},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			rig := newPhaseRig(t, "5000")
			run := newRun("run-1", 2, 1)
			if err := rig.store.CreateRun(ctx, run, nil); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", tc.snap); err != nil {
				t.Fatalf("OnTradeCompleted: %v", err)
			}
			got, _ := rig.store.GetRun(ctx, "run-1")
			if got.Phase != domain.PhaseSell {
				t.Errorf("phase = %s, want SELL untouched", got.Phase)
			}
			if rig.queue.Len() != 0 {
				t.Errorf("queue len = %d, want 0", rig.queue.Len())
			}
		})
	}
}

func TestPhaseCoordinatorTransitionHasOneWinner(t *testing.T) {
	ctx := context.Background()
	rig := newPhaseRig(t, "5000")

	run := newRun("run-1", 2, 2)
	buys := []domain.Trade{
		buyTrade("run-1", "t-b1", "MSFT", "1000", "4", 3, true),
		buyTrade("run-1", "t-b2", "GOOG", "800", "2", 4, true),
	}
	if err := rig.store.CreateRun(ctx, run, buys); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Two workers observe the same closing snapshot; only one transitions.
	snap := sellCloseSnapshot(2, 2, "0")
	if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", snap); err != nil {
		t.Fatalf("first OnTradeCompleted: %v", err)
	}
	if err := rig.coord.OnTradeCompleted(ctx, "run-1", "corr-1", snap); err != nil {
		t.Fatalf("second OnTradeCompleted: %v", err)
	}

	if rig.queue.Len() != 2 {
		t.Errorf("queue len = %d, want 2 (buys enqueued once)", rig.queue.Len())
	}
}
