// Package memory implements the run-state and fetch-lock ports with
// mutex-guarded maps. It backs the unit tests and the single-process local
// mode; semantics (conditional predicates, counter atomicity, snapshot math)
// match the redis implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// RunStore is an in-memory domain.RunStore.
type RunStore struct {
	mu        sync.Mutex
	runs      map[string]*domain.Run
	trades    map[string]map[string]*domain.Trade // run_id -> trade_id -> row
	maxEquity decimal.Decimal
}

// NewRunStore creates an empty store. maxEquity is the cumulative-BUY cap
// evaluated by CheckEquityCircuitBreaker.
func NewRunStore(maxEquity decimal.Decimal) *RunStore {
	return &RunStore{
		runs:      make(map[string]*domain.Run),
		trades:    make(map[string]map[string]*domain.Trade),
		maxEquity: maxEquity,
	}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run, trades []domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return fmt.Errorf("memory: create run %s: %w", run.RunID, domain.ErrAlreadyExists)
	}
	r := run
	s.runs[run.RunID] = &r

	rows := make(map[string]*domain.Trade, len(trades))
	for _, t := range trades {
		row := t
		rows[t.TradeID] = &row
	}
	s.trades[run.RunID] = rows
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	return *r, nil
}

func (s *RunStore) GetTrade(ctx context.Context, runID, tradeID string) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[runID][tradeID]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: trade %s/%s: %w", runID, tradeID, domain.ErrNotFound)
	}
	return *t, nil
}

func (s *RunStore) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[runID][tradeID]
	if !ok {
		return fmt.Errorf("memory: trade %s/%s: %w", runID, tradeID, domain.ErrNotFound)
	}
	if t.Status != domain.TradeStatusPending {
		return fmt.Errorf("memory: trade %s/%s status %s: %w", runID, tradeID, t.Status, domain.ErrConflict)
	}
	t.Status = domain.TradeStatusRunning

	if r := s.runs[runID]; r != nil && r.Status == domain.RunStatusPending {
		r.Status = domain.RunStatusRunning
	}
	return nil
}

func (s *RunStore) MarkTradeCompleted(ctx context.Context, runID, tradeID string, outcome domain.TradeOutcome, phase domain.Phase, absAmount decimal.Decimal) (domain.CompletionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return domain.CompletionSnapshot{}, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	t, ok := s.trades[runID][tradeID]
	if !ok {
		return domain.CompletionSnapshot{}, fmt.Errorf("memory: trade %s/%s: %w", runID, tradeID, domain.ErrNotFound)
	}

	if t.Status.Terminal() {
		snap := s.snapshotLocked(r)
		snap.AlreadyTerminal = true
		return snap, nil
	}

	// Terminal row first, counters after, in the same critical section.
	t.Status = outcome.Status
	t.OrderID = outcome.OrderID
	t.FilledShares = outcome.FilledShares
	t.FillPrice = outcome.FillPrice
	t.FilledAt = outcome.FilledAt
	t.ErrorMessage = outcome.ErrorMessage

	r.CompletedTrades++
	switch phase {
	case domain.PhaseSell:
		r.SellCompleted++
	case domain.PhaseBuy:
		r.BuyCompleted++
	}

	switch outcome.Status {
	case domain.TradeStatusCompleted:
		r.SucceededTrades++
		switch phase {
		case domain.PhaseSell:
			r.SellSucceededAmount = r.SellSucceededAmount.Add(absAmount)
		case domain.PhaseBuy:
			r.BuySucceededAmount = r.BuySucceededAmount.Add(absAmount)
		}
	case domain.TradeStatusFailed:
		r.FailedTrades++
		if phase == domain.PhaseSell {
			r.SellFailedAmount = r.SellFailedAmount.Add(absAmount)
		}
	case domain.TradeStatusSkipped:
		r.SkippedTrades++
	}

	return s.snapshotLocked(r), nil
}

func (s *RunStore) snapshotLocked(r *domain.Run) domain.CompletionSnapshot {
	return domain.CompletionSnapshot{
		Phase:               r.Phase,
		CompletedTrades:     r.CompletedTrades,
		TotalTrades:         r.TotalTrades,
		SellCompleted:       r.SellCompleted,
		SellTotal:           r.SellTotal,
		BuyCompleted:        r.BuyCompleted,
		BuyTotal:            r.BuyTotal,
		SucceededTrades:     r.SucceededTrades,
		FailedTrades:        r.FailedTrades,
		SkippedTrades:       r.SkippedTrades,
		SellFailedAmount:    r.SellFailedAmount,
		SellSucceededAmount: r.SellSucceededAmount,
		BuySucceededAmount:  r.BuySucceededAmount,
	}
}

func (s *RunStore) GetPendingBuyTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trade
	for _, t := range s.trades[runID] {
		if t.Status == domain.TradeStatusBuffered {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *RunStore) MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range tradeIDs {
		t, ok := s.trades[runID][id]
		if !ok || t.Status != domain.TradeStatusBuffered {
			continue
		}
		t.Status = domain.TradeStatusPending
	}
	return nil
}

func (s *RunStore) TransitionToBuyPhase(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	if r.Phase != domain.PhaseSell {
		return false, nil
	}
	r.Phase = domain.PhaseBuy
	return true, nil
}

func (s *RunStore) TryClaimAggregation(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	if r.AggregationClaimed {
		return false, nil
	}
	r.AggregationClaimed = true
	return true, nil
}

func (s *RunStore) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposed decimal.Decimal) (domain.EquityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return domain.EquityCheck{}, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	check := domain.EquityCheck{
		CumulativeBuyValue: r.BuySucceededAmount,
		ProposedValue:      proposed,
		MaxEquityLimit:     s.maxEquity,
	}
	check.Allowed = r.BuySucceededAmount.Add(proposed).LessThanOrEqual(s.maxEquity)
	return check, nil
}

func (s *RunStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.trades[runID]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	out := make([]domain.Trade, 0, len(rows))
	for _, t := range rows {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *RunStore) MarkRunCompleted(ctx context.Context, runID string) error {
	return s.setStatus(runID, domain.RunStatusCompleted, "")
}

func (s *RunStore) MarkRunFailed(ctx context.Context, runID, reason string) error {
	return s.setStatus(runID, domain.RunStatusFailed, reason)
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	return s.setStatus(runID, status, "")
}

func (s *RunStore) setStatus(runID string, status domain.RunStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	r.Status = status
	if reason != "" {
		r.FailureReason = reason
	}
	return nil
}

// Compile-time interface check.
var _ domain.RunStore = (*RunStore)(nil)
