package audit

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/adityaverma/withdrawguard/internal/backoff"
	"github.com/adityaverma/withdrawguard/internal/metrics"
	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// Log assigns per-account sequence numbers and appends entries to the store.
// Append blocks and retries rather than dropping an entry: audit completeness
// is a regulatory requirement, not best-effort.
type Log struct {
	store     Store
	publisher Publisher // optional
	logger    *slog.Logger
	retryBase time.Duration

	mapMu    sync.Mutex
	counters map[string]*counter
}

// counter serializes sequence assignment and store appends for one account,
// which is what makes same-account entries strictly ordered.
type counter struct {
	mu   sync.Mutex
	next uint64
	init bool
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher mirrors every appended entry to p.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

// WithRetryBase overrides the base delay for append retries.
func WithRetryBase(d time.Duration) Option {
	return func(l *Log) { l.retryBase = d }
}

// NewLog creates a Log over the given store.
func NewLog(store Store, logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		store:     store,
		logger:    logger,
		retryBase: 50 * time.Millisecond,
		counters:  make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) counterFor(accountID string) *counter {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	c, exists := l.counters[accountID]
	if !exists {
		c = &counter{}
		l.counters[accountID] = c
	}
	return c
}

// Record builds and appends an entry for the given transaction and stage.
// It returns the entry with its assigned sequence, or an error only when the
// context expires before the store accepts the append.
func (l *Log) Record(ctx context.Context, stage Stage, tx transaction.Transaction, outcome, detail string) (Entry, error) {
	c := l.counterFor(tx.AccountID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.init {
		last, err := l.store.LastSequence(ctx, tx.AccountID)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: load sequence for %s: %w", tx.AccountID, err)
		}
		c.next = last
		c.init = true
	}

	e := Entry{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Stage:         stage,
		Outcome:       outcome,
		Detail:        detail,
		Sequence:      c.next + 1,
		RecordedAt:    time.Now().UTC(),
	}

	for attempt := 0; ; attempt++ {
		err := l.store.Append(ctx, e)
		if err == nil {
			break
		}
		metrics.AuditAppendRetries.Inc()
		l.logger.Warn("audit append failed, retrying",
			"account_id", e.AccountID, "sequence", e.Sequence, "attempt", attempt+1, "err", err)
		if serr := backoff.Sleep(ctx, backoff.ExponentialWithJitter(l.retryBase, attempt)); serr != nil {
			return Entry{}, fmt.Errorf("audit: append abandoned for %s seq %d: %w", e.AccountID, e.Sequence, err)
		}
	}
	c.next = e.Sequence
	metrics.AuditEntries.WithLabelValues(string(stage)).Inc()

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, e); err != nil {
			// The store is the system of record; a mirror miss is logged,
			// not escalated.
			l.logger.Warn("audit mirror publish failed",
				"account_id", e.AccountID, "sequence", e.Sequence, "err", err)
		}
	}

	return e, nil
}

// StreamByAccount returns a lazy, ordered, restartable sequence of all
// entries for an account. Each range-over re-reads the store, so the
// iterator can be kept and replayed.
func (l *Log) StreamByAccount(accountID string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		entries, err := l.store.ByAccount(context.Background(), accountID)
		if err != nil {
			l.logger.Error("audit stream read failed", "account_id", accountID, "err", err)
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

// QueryRange returns entries for an account whose RecordedAt falls within
// [from, to). Zero bounds are open.
func (l *Log) QueryRange(accountID string, from, to time.Time) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for e := range l.StreamByAccount(accountID) {
			if !from.IsZero() && e.RecordedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !e.RecordedAt.Before(to) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}
