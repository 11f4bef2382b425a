// Package pipeline fans withdrawals through risk evaluation, idempotent
// admission, gated settlement, and audit, under bounded concurrency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adityaverma/withdrawguard/internal/audit"
	"github.com/adityaverma/withdrawguard/internal/config"
	"github.com/adityaverma/withdrawguard/internal/gateway"
	"github.com/adityaverma/withdrawguard/internal/idempotency"
	"github.com/adityaverma/withdrawguard/internal/metrics"
	"github.com/adityaverma/withdrawguard/internal/risk"
	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// Config holds tunable concurrency settings.
type Config struct {
	Workers      int
	QueueDepth   int
	BatchTimeout time.Duration
	AuditTimeout time.Duration
}

// ConfigFrom builds a pipeline Config from the validated policy.
func ConfigFrom(cfg *config.PolicyConfig) Config {
	return Config{
		Workers:      cfg.Pipeline.Workers,
		QueueDepth:   cfg.Pipeline.QueueDepth,
		BatchTimeout: time.Duration(cfg.Pipeline.BatchTimeoutMs) * time.Millisecond,
		AuditTimeout: time.Duration(cfg.Pipeline.AuditTimeoutMs) * time.Millisecond,
	}
}

// Pipeline processes withdrawal transactions. One logical task per
// transaction, bounded by the worker pool; no result is ever dropped.
type Pipeline struct {
	evaluator *risk.Evaluator
	idem      idempotency.Ledger
	gateway   *gateway.Gateway
	auditLog  *audit.Log
	pool      *workerPool[*txWork]
	cfg       Config
	logger    *slog.Logger

	// Per-account settlement locks. Holding one from the debit call through
	// the audit append keeps audit sequence order equal to the order balance
	// changes were applied for that account.
	settleMu    sync.Mutex
	settleLocks map[string]*sync.Mutex
}

type txWork struct {
	ctx     context.Context
	tx      transaction.Transaction
	index   int
	results []transaction.Result
	wg      *sync.WaitGroup
}

// New creates a Pipeline and starts its worker pool.
func New(ctx context.Context, evaluator *risk.Evaluator, idem idempotency.Ledger,
	gw *gateway.Gateway, auditLog *audit.Log, cfg Config, logger *slog.Logger) *Pipeline {

	p := &Pipeline{
		evaluator:   evaluator,
		idem:        idem,
		gateway:     gw,
		auditLog:    auditLog,
		cfg:         cfg,
		logger:      logger,
		settleLocks: make(map[string]*sync.Mutex),
	}
	p.pool = newWorkerPool(ctx, cfg.Workers, cfg.QueueDepth, p.work)
	return p
}

func (p *Pipeline) work(w *txWork) {
	defer w.wg.Done()
	w.results[w.index] = p.process(w.ctx, w.tx)
}

// ProcessBatch runs every transaction through the pipeline concurrently and
// returns one result per input, positionally aligned. The call returns only
// after each transaction reached a terminal result. The batch deadline
// cancels transactions that were not yet admitted; admitted ones always run
// to completion. A duplicate submitted while its first attempt is still in
// flight is reported Errored with ErrRequestInFlight rather than waiting;
// resubmitting after the first attempt settles replays its outcome.
func (p *Pipeline) ProcessBatch(ctx context.Context, txs []transaction.Transaction) []transaction.Result {
	start := time.Now()

	if p.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
	}

	results := make([]transaction.Result, len(txs))
	var wg sync.WaitGroup
	wg.Add(len(txs))

	for i, tx := range txs {
		w := &txWork{ctx: ctx, tx: tx, index: i, results: results, wg: &wg}
		if !p.pool.SubmitWait(ctx, w) {
			results[i] = transaction.Errored(tx.ID, transaction.ErrCancelled)
			metrics.WithdrawalsProcessed.WithLabelValues(string(transaction.StatusErrored)).Inc()
			wg.Done()
		}
	}
	metrics.QueueUtilization.Set(p.QueueUtilization())
	wg.Wait()
	metrics.QueueUtilization.Set(p.QueueUtilization())

	metrics.BatchDuration.Observe(float64(time.Since(start).Milliseconds()))
	return results
}

// Submit processes a single withdrawal; identical to a one-element batch.
func (p *Pipeline) Submit(ctx context.Context, tx transaction.Transaction) transaction.Result {
	return p.ProcessBatch(ctx, []transaction.Transaction{tx})[0]
}

// QueueUtilization returns queue used / capacity (0-1).
func (p *Pipeline) QueueUtilization() float64 {
	if p.pool.QueueCap() == 0 {
		return 0
	}
	return float64(p.pool.QueueLen()) / float64(p.pool.QueueCap())
}

// Shutdown drains the pool gracefully.
func (p *Pipeline) Shutdown() {
	p.pool.Drain()
}

// process drives one transaction to a terminal result. Every terminal
// outcome is audited before it is returned; an audit failure escalates to an
// internal failure rather than being swallowed.
func (p *Pipeline) process(ctx context.Context, tx transaction.Transaction) (res transaction.Result) {
	defer func() {
		metrics.WithdrawalsProcessed.WithLabelValues(string(res.Status)).Inc()
	}()

	if err := tx.Validate(); err != nil {
		return transaction.Errored(tx.ID, err)
	}

	verdict := p.evaluator.Evaluate(tx)
	if !verdict.Approved {
		metrics.RiskRejections.WithLabelValues(verdict.Reason).Inc()
		if _, err := p.record(ctx, audit.StageRisk, tx, "rejected", verdict.Reason); err != nil {
			return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, err))
		}
		return transaction.Rejected(tx.ID, verdict.Reason)
	}

	// Not-yet-admitted transactions are the only ones a batch deadline may
	// cancel; past this point the transaction always reaches Commit or Fail.
	if ctx.Err() != nil {
		return transaction.Errored(tx.ID, transaction.ErrCancelled)
	}

	begin, err := p.idem.Begin(ctx, tx.ID)
	if err != nil {
		return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, err))
	}

	switch begin.Decision {
	case idempotency.InFlight:
		return transaction.Errored(tx.ID, transaction.ErrRequestInFlight)

	case idempotency.Replayed:
		metrics.ReplaysServed.Inc()
		if _, err := p.record(ctx, audit.StageReplay, tx, string(begin.Prior.Status), "served prior outcome"); err != nil {
			return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, err))
		}
		replay := *begin.Prior
		replay.Replayed = true
		return replay
	}

	// Admitted. Detach from the batch deadline so the idempotency record
	// never dangles in Pending because a batch timed out mid-debit.
	opCtx := context.WithoutCancel(ctx)

	// Settlement for one account is serialized: the lock stays held until the
	// outcome's audit entry has its sequence, so per-account audit order is
	// exactly the order debits were applied.
	lock := p.settleLock(tx.AccountID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := p.gateway.Debit(opCtx, tx.AccountID, tx.Amount)
	switch {
	case err == nil:
		res := transaction.Debited(tx.ID, balance)
		metrics.DebitsApplied.Inc()
		if cerr := p.idem.Commit(opCtx, tx.ID, res); cerr != nil {
			// The debit is applied; losing the commit would let a stale
			// reclaim re-debit. Surface loudly.
			p.logger.Error("idempotency commit failed after applied debit",
				"transaction_id", tx.ID, "err", cerr)
		}
		if _, aerr := p.record(opCtx, audit.StageDebit, tx, "debited", "new balance "+balance.String()); aerr != nil {
			return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, aerr))
		}
		return res

	case errors.Is(err, transaction.ErrInsufficientFunds):
		res := transaction.Rejected(tx.ID, transaction.ReasonInsufficientFunds)
		if cerr := p.idem.Commit(opCtx, tx.ID, res); cerr != nil {
			p.logger.Error("idempotency commit failed", "transaction_id", tx.ID, "err", cerr)
		}
		if _, aerr := p.record(opCtx, audit.StageDebit, tx, "denied", err.Error()); aerr != nil {
			return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, aerr))
		}
		return res

	case errors.Is(err, transaction.ErrDownstreamUnavailable):
		p.failAttempt(opCtx, tx, err)
		return transaction.Errored(tx.ID, transaction.ErrDownstreamUnavailable)

	default:
		p.failAttempt(opCtx, tx, err)
		return transaction.Errored(tx.ID, fmt.Errorf("%w: %s", transaction.ErrInternal, err))
	}
}

func (p *Pipeline) settleLock(accountID string) *sync.Mutex {
	p.settleMu.Lock()
	defer p.settleMu.Unlock()
	l, ok := p.settleLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		p.settleLocks[accountID] = l
	}
	return l
}

// failAttempt releases the idempotency record for a later retry and audits
// the failed attempt.
func (p *Pipeline) failAttempt(ctx context.Context, tx transaction.Transaction, cause error) {
	if ferr := p.idem.Fail(ctx, tx.ID, cause.Error()); ferr != nil {
		p.logger.Error("idempotency fail-mark failed", "transaction_id", tx.ID, "err", ferr)
	}
	if _, aerr := p.record(ctx, audit.StageDebit, tx, "failed", cause.Error()); aerr != nil {
		p.logger.Error("audit of failed attempt abandoned", "transaction_id", tx.ID, "err", aerr)
	}
}

// record appends an audit entry on a context detached from batch
// cancellation, bounded by the audit timeout.
func (p *Pipeline) record(ctx context.Context, stage audit.Stage, tx transaction.Transaction, outcome, detail string) (audit.Entry, error) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AuditTimeout)
	defer cancel()
	return p.auditLog.Record(auditCtx, stage, tx, outcome, detail)
}
