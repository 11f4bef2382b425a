package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// MemoryLedger is an in-process Ledger. It holds the full idempotency
// contract within a single process; deployments that must survive restarts
// use the postgres implementation instead.
type MemoryLedger struct {
	mu         sync.Mutex
	records    map[string]*Record
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemoryLedger creates a MemoryLedger. Pending records older than
// staleAfter become eligible for a single recovery admission.
func NewMemoryLedger(staleAfter time.Duration) *MemoryLedger {
	return &MemoryLedger{
		records:    make(map[string]*Record),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (m *MemoryLedger) Begin(ctx context.Context, id string) (BeginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		m.records[id] = &Record{
			TransactionID: id,
			State:         StatePending,
			StartedAt:     m.now(),
		}
		return BeginResult{Decision: Admitted}, nil
	}

	switch rec.State {
	case StateCommitted:
		prior := *rec.Result
		return BeginResult{Decision: Replayed, Prior: &prior}, nil
	case StateFailed:
		rec.State = StatePending
		rec.Reason = ""
		rec.StartedAt = m.now()
		rec.Reclaimed = false
		return BeginResult{Decision: Admitted}, nil
	default: // pending
		if !rec.Reclaimed && m.now().Sub(rec.StartedAt) > m.staleAfter {
			rec.Reclaimed = true
			rec.StartedAt = m.now()
			return BeginResult{Decision: Admitted}, nil
		}
		return BeginResult{Decision: InFlight}, nil
	}
}

func (m *MemoryLedger) Commit(ctx context.Context, id string, res transaction.Result) error {
	return m.finish(id, StateCommitted, &res, "")
}

func (m *MemoryLedger) Fail(ctx context.Context, id string, reason string) error {
	return m.finish(id, StateFailed, nil, reason)
}

func (m *MemoryLedger) finish(id string, state State, res *transaction.Result, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	if rec.State != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, rec.State)
	}

	rec.State = state
	rec.Result = res
	rec.Reason = reason
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
