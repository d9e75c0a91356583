package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction indicates whether this is a buy or sell.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// TradeStatus tracks the trade lifecycle. BUFFERED is used only for BUY-side
// trades parked until the SELL phase closes; the phase coordinator flips them
// to PENDING when it enqueues them.
type TradeStatus string

const (
	TradeStatusBuffered  TradeStatus = "BUFFERED"
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusRunning   TradeStatus = "RUNNING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusSkipped   TradeStatus = "SKIPPED"
)

// Terminal reports whether the status is final. A terminal trade row is
// never mutated again.
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed || s == TradeStatusSkipped
}

// Trade is one intent to buy or sell one symbol within a run.
type Trade struct {
	TradeID       string
	RunID         string
	PlanID        string
	CorrelationID string
	Symbol        string
	Action        TradeAction
	Phase         Phase

	TradeAmount       decimal.Decimal // signed dollars
	Shares            decimal.Decimal // optional explicit quantity
	EstimatedPrice    decimal.Decimal // optional
	TargetWeight      decimal.Decimal
	IsFullLiquidation bool
	StrategyID        string
	SequenceNumber    int

	Status       TradeStatus
	OrderID      string
	FilledShares decimal.Decimal
	FillPrice    decimal.Decimal
	FilledAt     *time.Time
	ErrorMessage string
}

// TradeOutcome carries the terminal fields written by MarkTradeCompleted.
type TradeOutcome struct {
	Status       TradeStatus
	OrderID      string
	FilledShares decimal.Decimal
	FillPrice    decimal.Decimal
	FilledAt     *time.Time
	ErrorMessage string
	Skipped      bool
}

// Succeeded reports whether the outcome counts toward the succeeded counters
// and accumulators. A skipped trade is neither a success nor a failure for
// accumulator purposes but still advances the completion counters.
func (o TradeOutcome) Succeeded() bool {
	return o.Status == TradeStatusCompleted
}

// TradeMessage is the execution-queue message shape of one trade. All decimal
// fields travel as strings so the wire format never carries binary floats.
type TradeMessage struct {
	RunID             string `json:"run_id"`
	TradeID           string `json:"trade_id"`
	PlanID            string `json:"plan_id"`
	CorrelationID     string `json:"correlation_id"`
	Symbol            string `json:"symbol"`
	Action            string `json:"action"`
	Phase             string `json:"phase"`
	TradeAmount       string `json:"trade_amount"`
	Shares            string `json:"shares,omitempty"`
	EstimatedPrice    string `json:"estimated_price,omitempty"`
	TargetWeight      string `json:"target_weight"`
	IsFullLiquidation bool   `json:"is_full_liquidation"`
	StrategyID        string `json:"strategy_id"`
	SequenceNumber    int    `json:"sequence_number"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields and decimal encodings of the message.
func (m TradeMessage) Validate() error {
	switch {
	case m.RunID == "":
		return fmt.Errorf("trade message: missing run_id")
	case m.TradeID == "":
		return fmt.Errorf("trade message: missing trade_id")
	case m.Symbol == "":
		return fmt.Errorf("trade message: missing symbol")
	}
	if m.Action != string(ActionBuy) && m.Action != string(ActionSell) {
		return fmt.Errorf("trade message: invalid action %q", m.Action)
	}
	switch Phase(m.Phase) {
	case PhaseSell, PhaseBuy, PhaseAll:
	default:
		return fmt.Errorf("trade message: invalid phase %q", m.Phase)
	}
	if _, err := decimal.NewFromString(m.TradeAmount); err != nil {
		return fmt.Errorf("trade message: bad trade_amount %q: %w", m.TradeAmount, err)
	}
	if m.Shares != "" {
		if _, err := decimal.NewFromString(m.Shares); err != nil {
			return fmt.Errorf("trade message: bad shares %q: %w", m.Shares, err)
		}
	}
	if m.EstimatedPrice != "" {
		if _, err := decimal.NewFromString(m.EstimatedPrice); err != nil {
			return fmt.Errorf("trade message: bad estimated_price %q: %w", m.EstimatedPrice, err)
		}
	}
	return nil
}

// ToTrade converts a validated message into a Trade in PENDING status.
func (m TradeMessage) ToTrade() Trade {
	amount, _ := decimal.NewFromString(m.TradeAmount)
	shares := decimal.Zero
	if m.Shares != "" {
		shares, _ = decimal.NewFromString(m.Shares)
	}
	estPrice := decimal.Zero
	if m.EstimatedPrice != "" {
		estPrice, _ = decimal.NewFromString(m.EstimatedPrice)
	}
	weight := decimal.Zero
	if m.TargetWeight != "" {
		weight, _ = decimal.NewFromString(m.TargetWeight)
	}
	return Trade{
		TradeID:           m.TradeID,
		RunID:             m.RunID,
		PlanID:            m.PlanID,
		CorrelationID:     m.CorrelationID,
		Symbol:            m.Symbol,
		Action:            TradeAction(m.Action),
		Phase:             Phase(m.Phase),
		TradeAmount:       amount,
		Shares:            shares,
		EstimatedPrice:    estPrice,
		TargetWeight:      weight,
		IsFullLiquidation: m.IsFullLiquidation,
		StrategyID:        m.StrategyID,
		SequenceNumber:    m.SequenceNumber,
		Status:            TradeStatusPending,
	}
}

// MessageFromTrade builds the queue message for a stored trade row. Used by
// the phase coordinator when it releases buffered BUY trades.
func MessageFromTrade(t Trade) TradeMessage {
	msg := TradeMessage{
		RunID:             t.RunID,
		TradeID:           t.TradeID,
		PlanID:            t.PlanID,
		CorrelationID:     t.CorrelationID,
		Symbol:            t.Symbol,
		Action:            string(t.Action),
		Phase:             string(t.Phase),
		TradeAmount:       t.TradeAmount.String(),
		TargetWeight:      t.TargetWeight.String(),
		IsFullLiquidation: t.IsFullLiquidation,
		StrategyID:        t.StrategyID,
		SequenceNumber:    t.SequenceNumber,
	}
	if !t.Shares.IsZero() {
		msg.Shares = t.Shares.String()
	}
	if !t.EstimatedPrice.IsZero() {
		msg.EstimatedPrice = t.EstimatedPrice.String()
	}
	return msg
}
