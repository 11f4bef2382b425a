package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

func TestBeginAdmitsExactlyOnce(t *testing.T) {
	m := NewMemoryLedger(time.Minute)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	admitted := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Begin(ctx, "tx-1")
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			if res.Decision == Admitted {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Fatalf("admitted %d callers, want exactly 1", count)
	}
}

func TestCommitThenReplay(t *testing.T) {
	m := NewMemoryLedger(time.Minute)
	ctx := context.Background()

	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != Admitted {
		t.Fatalf("first Begin = %v, want Admitted", res.Decision)
	}

	outcome := transaction.Debited("tx-1", decimal.RequireFromString("400.00"))
	if err := m.Commit(ctx, "tx-1", outcome); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res, err := m.Begin(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Begin after commit: %v", err)
	}
	if res.Decision != Replayed {
		t.Fatalf("Begin after commit = %v, want Replayed", res.Decision)
	}
	if res.Prior == nil || res.Prior.Status != transaction.StatusDebited {
		t.Fatalf("prior = %+v, want debited outcome", res.Prior)
	}
	if !res.Prior.NewBalance.Equal(outcome.NewBalance) {
		t.Fatalf("prior balance = %s, want %s", res.Prior.NewBalance, outcome.NewBalance)
	}
}

func TestFailReadmits(t *testing.T) {
	m := NewMemoryLedger(time.Minute)
	ctx := context.Background()

	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != Admitted {
		t.Fatal("expected admission")
	}
	if err := m.Fail(ctx, "tx-1", "downstream unavailable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	res, err := m.Begin(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Begin after fail: %v", err)
	}
	if res.Decision != Admitted {
		t.Fatalf("Begin after fail = %v, want Admitted", res.Decision)
	}
}

func TestStalePendingReclaimedOnce(t *testing.T) {
	m := NewMemoryLedger(time.Minute)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != Admitted {
		t.Fatal("expected admission")
	}

	// Still fresh: second caller waits.
	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != InFlight {
		t.Fatalf("fresh pending = %v, want InFlight", res.Decision)
	}

	// Past the stale window: exactly one recovery owner.
	now = now.Add(2 * time.Minute)
	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != Admitted {
		t.Fatal("expected stale pending to be reclaimed")
	}

	// Never a second reclaim, even if the recovery owner also stalls.
	now = now.Add(2 * time.Minute)
	if res, _ := m.Begin(ctx, "tx-1"); res.Decision != InFlight {
		t.Fatalf("second reclaim attempt = %v, want InFlight", res.Decision)
	}
}

func TestCommitRequiresPending(t *testing.T) {
	m := NewMemoryLedger(time.Minute)
	ctx := context.Background()
	outcome := transaction.Debited("tx-1", decimal.Zero)

	if err := m.Commit(ctx, "tx-1", outcome); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("Commit unknown = %v, want ErrUnknownTransaction", err)
	}

	m.Begin(ctx, "tx-1")
	m.Commit(ctx, "tx-1", outcome)
	if err := m.Commit(ctx, "tx-1", outcome); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double Commit = %v, want ErrNotPending", err)
	}
	if err := m.Fail(ctx, "tx-1", "late"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Fail after Commit = %v, want ErrNotPending", err)
	}
}
