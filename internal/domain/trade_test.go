package domain

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func validMessage() TradeMessage {
	return TradeMessage{
		RunID:          "run-1",
		TradeID:        "t-1",
		PlanID:         "plan-1",
		CorrelationID:  "corr-1",
		Symbol:         "AAPL",
		Action:         "SELL",
		Phase:          "SELL",
		TradeAmount:    "-1500.50",
		Shares:         "10.5",
		EstimatedPrice: "142.91",
		TargetWeight:   "0.05",
		StrategyID:     "momentum",
		SequenceNumber: 3,
	}
}

func TestTradeMessageValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*TradeMessage)
		wantErr string
	}{
		{"valid", func(m *TradeMessage) {}, ""},
		{"missing run id", func(m *TradeMessage) { m.RunID = "" }, "run_id"},
		{"missing trade id", func(m *TradeMessage) { m.TradeID = "" }, "trade_id"},
		{"missing symbol", func(m *TradeMessage) { m.Symbol = "" }, "symbol"},
		{"bad action", func(m *TradeMessage) { m.Action = "HOLD" }, "action"},
		{"bad phase", func(m *TradeMessage) { m.Phase = "BOTH" }, "phase"},
		{"bad amount", func(m *TradeMessage) { m.TradeAmount = "lots" }, "trade_amount"},
		{"bad shares", func(m *TradeMessage) { m.Shares = "ten" }, "shares"},
		{"bad estimated price", func(m *TradeMessage) { m.EstimatedPrice = "cheap" }, "estimated_price"},
		{"optional decimals empty", func(m *TradeMessage) { m.Shares = ""; m.EstimatedPrice = "" }, ""},
		{"all phase allowed", func(m *TradeMessage) { m.Phase = "ALL" }, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMessage()
			tc.mutate(&m)
			err := m.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestToTradeParsesDecimals(t *testing.T) {
	trade := validMessage().ToTrade()

	if trade.Status != TradeStatusPending {
		t.Errorf("status = %s, want PENDING", trade.Status)
	}
	if !trade.TradeAmount.Equal(decimal.RequireFromString("-1500.50")) {
		t.Errorf("trade amount = %s", trade.TradeAmount)
	}
	if !trade.Shares.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("shares = %s", trade.Shares)
	}
	if trade.Action != ActionSell || trade.Phase != PhaseSell {
		t.Errorf("action/phase = %s/%s", trade.Action, trade.Phase)
	}
}

func TestMessageFromTradeOmitsZeroOptionals(t *testing.T) {
	trade := Trade{
		TradeID:       "t-1",
		RunID:         "run-1",
		CorrelationID: "corr-1",
		Symbol:        "MSFT",
		Action:        ActionBuy,
		Phase:         PhaseBuy,
		TradeAmount:   decimal.NewFromInt(1000),
		TargetWeight:  decimal.RequireFromString("0.2"),
	}

	msg := MessageFromTrade(trade)
	if msg.Shares != "" || msg.EstimatedPrice != "" {
		t.Errorf("shares/estimated_price = %q/%q, want empty", msg.Shares, msg.EstimatedPrice)
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("round-tripped message invalid: %v", err)
	}

	back := msg.ToTrade()
	if !back.TradeAmount.Equal(trade.TradeAmount) || back.Symbol != trade.Symbol {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestTradeStatusTerminal(t *testing.T) {
	terminal := []TradeStatus{TradeStatusCompleted, TradeStatusFailed, TradeStatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []TradeStatus{TradeStatusBuffered, TradeStatusPending, TradeStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestTradeOutcomeSucceeded(t *testing.T) {
	if !(TradeOutcome{Status: TradeStatusCompleted}).Succeeded() {
		t.Error("COMPLETED outcome not succeeded")
	}
	if (TradeOutcome{Status: TradeStatusSkipped, Skipped: true}).Succeeded() {
		t.Error("skipped outcome counted as succeeded")
	}
}
