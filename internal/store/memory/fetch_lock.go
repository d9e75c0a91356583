package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sablefin/rebalancer/internal/domain"
)

type lockRow struct {
	correlationID string
	stage         string
	component     string
	acquiredAt    time.Time
	cooldownUntil time.Time
}

// FetchLockStore is an in-memory domain.FetchLockStore. The clock is
// injectable so cooldown behavior can be tested without sleeping.
type FetchLockStore struct {
	mu    sync.Mutex
	rows  map[string]lockRow
	clock func() time.Time
}

// NewFetchLockStore creates an empty lock store using the wall clock.
func NewFetchLockStore() *FetchLockStore {
	return &FetchLockStore{
		rows:  make(map[string]lockRow),
		clock: time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *FetchLockStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *FetchLockStore) TryAcquireFetchLock(ctx context.Context, req domain.FetchRequest, cooldown time.Duration) (domain.AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if row, ok := s.rows[req.Symbol]; ok && now.Before(row.cooldownUntil) {
		return domain.AcquireResult{
			CanProceed:          false,
			ExistingCorrelation: row.correlationID,
			ExistingRequestTime: row.acquiredAt,
			CooldownRemaining:   row.cooldownUntil.Sub(now),
		}, nil
	}

	s.rows[req.Symbol] = lockRow{
		correlationID: req.CorrelationID,
		stage:         req.RequestingStage,
		component:     req.RequestingComponent,
		acquiredAt:    now,
		cooldownUntil: now.Add(cooldown),
	}
	return domain.AcquireResult{CanProceed: true}, nil
}

func (s *FetchLockStore) ReleaseFetchLock(ctx context.Context, symbol, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[symbol]; ok && row.correlationID == correlationID {
		delete(s.rows, symbol)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FetchLockStore = (*FetchLockStore)(nil)
