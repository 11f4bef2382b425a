package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/audit"
	"github.com/adityaverma/withdrawguard/internal/gateway"
	"github.com/adityaverma/withdrawguard/internal/idempotency"
	"github.com/adityaverma/withdrawguard/internal/ledger"
	"github.com/adityaverma/withdrawguard/internal/metrics"
	"github.com/adityaverma/withdrawguard/internal/risk"
	"github.com/adityaverma/withdrawguard/internal/transaction"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits() risk.Limits {
	return risk.Limits{
		ATMDailyLimit:          decimal.RequireFromString("1000.00"),
		POSDailyLimit:          decimal.RequireFromString("3000.00"),
		NonQualifiedCategories: map[string]struct{}{"7995": {}},
	}
}

func gatewayConfig() gateway.Config {
	return gateway.Config{
		ConsecutiveFailures: 5,
		FailureRatio:        0.99,
		MinRequests:         1000,
		Cooldown:            time.Second,
		HalfOpenMaxRequests: 1,
		CallTimeout:         time.Second,
		RetryAttempts:       1,
		RetryBase:           time.Millisecond,
	}
}

type testEnv struct {
	pipe     *Pipeline
	accounts *ledger.MemoryService
	store    *audit.MemoryStore
	cancel   context.CancelFunc
}

func newTestEnv(t *testing.T, downstream gateway.Debitor, accounts *ledger.MemoryService, cfg Config) *testEnv {
	t.Helper()

	store := audit.NewMemoryStore()
	auditLog := audit.NewLog(store, testLogger())
	idem := idempotency.NewMemoryLedger(time.Minute)
	gw := gateway.New("test", downstream, gatewayConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	pipe := New(ctx, risk.NewEvaluator(testLimits()), idem, gw, auditLog, cfg, testLogger())
	t.Cleanup(func() {
		cancel()
		pipe.Shutdown()
	})

	return &testEnv{pipe: pipe, accounts: accounts, store: store, cancel: cancel}
}

func defaultConfig() Config {
	return Config{Workers: 8, QueueDepth: 64, BatchTimeout: 5 * time.Second, AuditTimeout: time.Second}
}

func fundedAccounts(t *testing.T, accountID, amount string) *ledger.MemoryService {
	t.Helper()
	accounts := ledger.NewMemoryService()
	if _, err := accounts.Credit(context.Background(), accountID, decimal.RequireFromString(amount)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	return accounts
}

func withdrawal(id, account, amount string, channel transaction.Channel, mcc string) transaction.Transaction {
	return transaction.Transaction{
		ID:               id,
		AccountID:        account,
		Amount:           decimal.RequireFromString(amount),
		Channel:          channel,
		MerchantCategory: mcc,
		OccurredAt:       time.Now(),
	}
}

func TestBatchResultsAlignWithInput(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())

	txs := []transaction.Transaction{
		withdrawal("tx-0", "acc-1", "100.00", transaction.ChannelATM, "8011"),
		withdrawal("tx-1", "acc-1", "1000.01", transaction.ChannelATM, "8011"),
		withdrawal("tx-2", "acc-1", "50.00", transaction.ChannelPOS, "7995"),
		withdrawal("tx-3", "acc-1", "200.00", transaction.ChannelPOS, "8011"),
		{ID: "tx-4", AccountID: "acc-1", Amount: decimal.RequireFromString("-1"), Channel: transaction.ChannelPOS},
	}

	results := env.pipe.ProcessBatch(context.Background(), txs)
	if len(results) != len(txs) {
		t.Fatalf("got %d results, want %d", len(results), len(txs))
	}
	for i, res := range results {
		if res.TransactionID != txs[i].ID {
			t.Fatalf("result %d is for %s, want %s", i, res.TransactionID, txs[i].ID)
		}
	}

	wantStatus := []transaction.Status{
		transaction.StatusDebited,
		transaction.StatusRejected,
		transaction.StatusRejected,
		transaction.StatusDebited,
		transaction.StatusErrored,
	}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Fatalf("result %d status = %s, want %s (err %q)", i, results[i].Status, want, results[i].Err)
		}
	}
	if results[1].Reason != transaction.ReasonExceedsATMLimit {
		t.Fatalf("result 1 reason = %q, want %q", results[1].Reason, transaction.ReasonExceedsATMLimit)
	}
	if results[2].Reason != transaction.ReasonNonQualifiedMerchant {
		t.Fatalf("result 2 reason = %q, want %q", results[2].Reason, transaction.ReasonNonQualifiedMerchant)
	}
	if !strings.HasPrefix(results[4].Err, transaction.ErrValidation.Error()) {
		t.Fatalf("result 4 err = %q, want validation error", results[4].Err)
	}

	balance, _ := accounts.Balance(context.Background(), "acc-1")
	if want := decimal.RequireFromString("4700.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want %s", balance, want)
	}
}

func TestDuplicateSubmissionReplaysWithoutSecondDebit(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	tx := withdrawal("tx-dup", "acc-1", "3000.00", transaction.ChannelPOS, "8011")

	first := env.pipe.Submit(ctx, tx)
	if first.Status != transaction.StatusDebited {
		t.Fatalf("first submit = %s (%s), want debited", first.Status, first.Err)
	}

	second := env.pipe.Submit(ctx, tx)
	if second.Status != transaction.StatusDebited {
		t.Fatalf("second submit = %s, want debited (replayed)", second.Status)
	}
	if !second.Replayed {
		t.Fatal("second submit not marked as replayed")
	}
	if !second.NewBalance.Equal(first.NewBalance) {
		t.Fatalf("replayed balance = %s, want %s", second.NewBalance, first.NewBalance)
	}

	balance, _ := accounts.Balance(ctx, "acc-1")
	if want := decimal.RequireFromString("2000.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want exactly one debit applied (%s)", balance, want)
	}
}

func TestConcurrentDuplicatesDebitOnce(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	tx := withdrawal("tx-dup", "acc-1", "100.00", transaction.ChannelPOS, "8011")

	const callers = 20
	results := make([]transaction.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.pipe.Submit(ctx, tx)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		switch {
		case res.Status == transaction.StatusDebited && !res.Replayed:
			fresh++
		case res.Status == transaction.StatusDebited && res.Replayed:
			// Served the first caller's outcome.
		case res.Status == transaction.StatusErrored && res.Code == transaction.CodeInFlight:
			// Raced the first caller mid-settlement.
		default:
			t.Fatalf("unexpected duplicate outcome %+v", res)
		}
	}
	if fresh != 1 {
		t.Fatalf("%d fresh debits, want exactly 1", fresh)
	}

	balance, _ := accounts.Balance(ctx, "acc-1")
	if want := decimal.RequireFromString("4900.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want %s (single debit)", balance, want)
	}
}

func TestInsufficientFundsIsTerminalAndAudited(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "500.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	res := env.pipe.Submit(ctx, withdrawal("tx-1", "acc-1", "600.00", transaction.ChannelPOS, "8011"))
	if res.Status != transaction.StatusRejected || res.Reason != transaction.ReasonInsufficientFunds {
		t.Fatalf("result = %+v, want rejected/insufficient_funds", res)
	}

	balance, _ := accounts.Balance(ctx, "acc-1")
	if want := decimal.RequireFromString("500.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want untouched %s", balance, want)
	}

	entries, _ := env.store.ByAccount(ctx, "acc-1")
	if len(entries) != 1 {
		t.Fatalf("audit has %d entries, want 1", len(entries))
	}
	if entries[0].Stage != audit.StageDebit || entries[0].Outcome != "denied" {
		t.Fatalf("audit entry = %s/%s, want debit/denied", entries[0].Stage, entries[0].Outcome)
	}
}

func TestRiskRejectionIsAudited(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	res := env.pipe.Submit(ctx, withdrawal("tx-1", "acc-1", "1000.01", transaction.ChannelATM, "8011"))
	if res.Status != transaction.StatusRejected {
		t.Fatalf("result = %+v, want rejected", res)
	}

	entries, _ := env.store.ByAccount(ctx, "acc-1")
	if len(entries) != 1 {
		t.Fatalf("audit has %d entries, want 1", len(entries))
	}
	if entries[0].Stage != audit.StageRisk || entries[0].Outcome != "rejected" {
		t.Fatalf("audit entry = %s/%s, want risk/rejected", entries[0].Stage, entries[0].Outcome)
	}
	if entries[0].Detail != transaction.ReasonExceedsATMLimit {
		t.Fatalf("audit detail = %q, want %q", entries[0].Detail, transaction.ReasonExceedsATMLimit)
	}
}

func TestAuditSequencesMatchDebitOrder(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "10000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	txs := make([]transaction.Transaction, 25)
	for i := range txs {
		txs[i] = withdrawal("tx-"+string(rune('a'+i)), "acc-1", "10.00", transaction.ChannelPOS, "8011")
	}
	env.pipe.ProcessBatch(ctx, txs)

	var prev uint64
	count := 0
	for e := range audit.NewLog(env.store, testLogger()).StreamByAccount("acc-1") {
		count++
		if e.Sequence <= prev {
			t.Fatalf("sequence %d after %d, want strictly increasing", e.Sequence, prev)
		}
		prev = e.Sequence
	}
	if count != len(txs) {
		t.Fatalf("audit has %d entries, want %d", count, len(txs))
	}
}

// slowDebitor delays every debit so a short batch deadline can expire while
// work is still queued.
type slowDebitor struct {
	inner gateway.Debitor
	delay time.Duration
}

func (s *slowDebitor) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	time.Sleep(s.delay)
	return s.inner.Debit(ctx, accountID, amount)
}

func TestBatchDeadlineCancelsOnlyUnadmittedTransactions(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	slow := &slowDebitor{inner: accounts, delay: 80 * time.Millisecond}

	cfg := defaultConfig()
	cfg.Workers = 1
	cfg.BatchTimeout = 40 * time.Millisecond
	env := newTestEnv(t, slow, accounts, cfg)

	txs := []transaction.Transaction{
		withdrawal("tx-0", "acc-1", "10.00", transaction.ChannelPOS, "8011"),
		withdrawal("tx-1", "acc-1", "10.00", transaction.ChannelPOS, "8011"),
	}
	results := env.pipe.ProcessBatch(context.Background(), txs)

	// The admitted transaction ran to completion despite the deadline.
	if results[0].Status != transaction.StatusDebited {
		t.Fatalf("result 0 = %s (%s), want debited", results[0].Status, results[0].Err)
	}
	// The queued one was cancelled before admission, never debited.
	if results[1].Status != transaction.StatusErrored || !strings.HasPrefix(results[1].Err, transaction.ErrCancelled.Error()) {
		t.Fatalf("result 1 = %+v, want cancelled", results[1])
	}

	balance, _ := accounts.Balance(context.Background(), "acc-1")
	if want := decimal.RequireFromString("4990.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want %s (one debit)", balance, want)
	}
}

// laggyDebitor applies the debit, then holds the response back for a varying
// interval, like a core-banking call with response-latency jitter.
type laggyDebitor struct {
	inner gateway.Debitor
	calls atomic.Int64
}

func (d *laggyDebitor) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := d.inner.Debit(ctx, accountID, amount)
	time.Sleep(time.Duration(d.calls.Add(1)%3) * time.Millisecond)
	return balance, err
}

func TestAuditOrderMatchesDebitOrderUnderLatencyJitter(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "10000.00")
	laggy := &laggyDebitor{inner: accounts}
	env := newTestEnv(t, laggy, accounts, defaultConfig())
	ctx := context.Background()

	txs := make([]transaction.Transaction, 64)
	for i := range txs {
		txs[i] = withdrawal(fmt.Sprintf("tx-%03d", i), "acc-1", "10.00", transaction.ChannelPOS, "8011")
	}
	for _, res := range env.pipe.ProcessBatch(ctx, txs) {
		if res.Status != transaction.StatusDebited {
			t.Fatalf("result = %+v, want debited", res)
		}
	}

	// Each entry's recorded balance must be lower than its predecessor's:
	// sequence order and debit-application order are the same thing.
	entries, _ := env.store.ByAccount(ctx, "acc-1")
	if len(entries) != len(txs) {
		t.Fatalf("audit has %d entries, want %d", len(entries), len(txs))
	}
	prev := decimal.RequireFromString("10000.00")
	for _, e := range entries {
		balance, err := decimal.NewFromString(strings.TrimPrefix(e.Detail, "new balance "))
		if err != nil {
			t.Fatalf("entry %d detail %q: %v", e.Sequence, e.Detail, err)
		}
		if !balance.LessThan(prev) {
			t.Fatalf("seq %d carries balance %s but the previous entry carried %s: audit order diverged from debit order",
				e.Sequence, balance, prev)
		}
		prev = balance
	}
}

func TestBatchAfterShutdownFailsFast(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())

	env.cancel()
	time.Sleep(50 * time.Millisecond)

	done := make(chan []transaction.Result, 1)
	go func() {
		done <- env.pipe.ProcessBatch(context.Background(), []transaction.Transaction{
			withdrawal("tx-late", "acc-1", "10.00", transaction.ChannelPOS, "8011"),
		})
	}()

	select {
	case results := <-done:
		if results[0].Status != transaction.StatusErrored || results[0].Code != transaction.CodeCancelled {
			t.Fatalf("late submission = %+v, want errored/cancelled", results[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessBatch did not return after pool shutdown")
	}

	balance, _ := accounts.Balance(context.Background(), "acc-1")
	if want := decimal.RequireFromString("5000.00"); !balance.Equal(want) {
		t.Fatalf("balance = %s, want untouched %s", balance, want)
	}
}

func TestQueueUtilizationGaugeSettlesAfterBatch(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())

	env.pipe.ProcessBatch(context.Background(), []transaction.Transaction{
		withdrawal("tx-1", "acc-1", "10.00", transaction.ChannelPOS, "8011"),
	})

	if got := testutil.ToFloat64(metrics.QueueUtilization); got != 0 {
		t.Fatalf("queue utilization gauge = %v after batch drained, want 0", got)
	}
}

func TestReplayIsAudited(t *testing.T) {
	accounts := fundedAccounts(t, "acc-1", "5000.00")
	env := newTestEnv(t, accounts, accounts, defaultConfig())
	ctx := context.Background()

	tx := withdrawal("tx-1", "acc-1", "100.00", transaction.ChannelPOS, "8011")
	env.pipe.Submit(ctx, tx)
	env.pipe.Submit(ctx, tx)

	entries, _ := env.store.ByAccount(ctx, "acc-1")
	if len(entries) != 2 {
		t.Fatalf("audit has %d entries, want 2", len(entries))
	}
	if entries[1].Stage != audit.StageReplay {
		t.Fatalf("second entry stage = %s, want replay", entries[1].Stage)
	}
}
