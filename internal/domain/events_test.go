package domain

import (
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := TradeExecutedPayload{
		RunID:   "run-1",
		TradeID: "t-1",
		Symbol:  "AAPL",
		Success: true,
	}
	env, err := NewEnvelope(EventTradeExecuted, "corr-1", "cause-1", "execution", "trade_worker", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if env.EventID == "" {
		t.Error("event id empty")
	}
	if env.EventType != EventTradeExecuted {
		t.Errorf("event type = %s", env.EventType)
	}
	if env.CorrelationID != "corr-1" || env.CausationID != "cause-1" {
		t.Errorf("correlation/causation = %s/%s", env.CorrelationID, env.CausationID)
	}
	if env.SourceModule != "execution" || env.SourceComponent != "trade_worker" {
		t.Errorf("source = %s/%s", env.SourceModule, env.SourceComponent)
	}
	if time.Since(env.Timestamp) > time.Minute || env.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %s", env.Timestamp)
	}

	var decoded TradeExecutedPayload
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.RunID != payload.RunID || decoded.TradeID != payload.TradeID || !decoded.Success {
		t.Errorf("decoded = %+v, want %+v", decoded, payload)
	}
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	a, err := NewEnvelope(EventWorkflowFailed, "corr-1", "", "execution", "phase_coordinator", WorkflowFailedPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := NewEnvelope(EventWorkflowFailed, "corr-1", "", "execution", "phase_coordinator", WorkflowFailedPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if a.EventID == b.EventID {
		t.Error("two envelopes share an event id")
	}
}

func TestDecodePayloadRejectsMismatch(t *testing.T) {
	env, err := NewEnvelope(EventTradeExecuted, "corr-1", "", "execution", "trade_worker", TradeExecutedPayload{RunID: "run-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var wrong []string
	if err := env.DecodePayload(&wrong); err == nil {
		t.Error("decoding an object into a slice succeeded")
	}
}
