package domain

import "testing"

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusAggregating} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestCompletionSnapshotPredicates(t *testing.T) {
	snap := CompletionSnapshot{
		CompletedTrades: 2,
		TotalTrades:     3,
		SellCompleted:   2,
		SellTotal:       2,
		BuyTotal:        1,
	}
	if !snap.SellPhaseComplete() {
		t.Error("SellPhaseComplete = false with all sells terminal")
	}
	if snap.AllComplete() {
		t.Error("AllComplete = true with a trade outstanding")
	}

	snap.CompletedTrades = 3
	snap.BuyCompleted = 1
	if !snap.AllComplete() {
		t.Error("AllComplete = false with every trade terminal")
	}

	// A pure-sell run with zero sells is vacuously complete.
	empty := CompletionSnapshot{SellCompleted: 0, SellTotal: 0}
	if !empty.SellPhaseComplete() {
		t.Error("SellPhaseComplete = false for zero sell trades")
	}
}
