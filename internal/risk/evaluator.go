package risk

import (
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// Verdict is the outcome of rule evaluation. It carries no ledger state:
// the same transaction always produces the same verdict under the same limits.
type Verdict struct {
	Approved bool
	Reason   string
}

// Limits are the regulatory thresholds the evaluator applies. They arrive
// from configuration and are swapped atomically on reload, never mutated.
type Limits struct {
	ATMDailyLimit          decimal.Decimal
	POSDailyLimit          decimal.Decimal
	NonQualifiedCategories map[string]struct{}
}

// Evaluator applies the closed, ordered withdrawal rule set. It is stateless
// apart from the injected limits and safe for concurrent use.
type Evaluator struct {
	limits atomic.Pointer[Limits]
}

// NewEvaluator creates an Evaluator with the given limits.
func NewEvaluator(l Limits) *Evaluator {
	e := &Evaluator{}
	e.limits.Store(&l)
	return e
}

// SwapLimits atomically replaces the active limits (used on config hot-reload).
func (e *Evaluator) SwapLimits(l Limits) {
	e.limits.Store(&l)
}

// Limits returns the active limits.
func (e *Evaluator) Limits() Limits {
	return *e.limits.Load()
}

// Evaluate runs the rules in order, first match wins. Threshold rules are
// strictly greater-than: an amount exactly equal to a limit passes.
func (e *Evaluator) Evaluate(tx transaction.Transaction) Verdict {
	l := e.limits.Load()

	if tx.Channel == transaction.ChannelATM && tx.Amount.GreaterThan(l.ATMDailyLimit) {
		return Verdict{Reason: transaction.ReasonExceedsATMLimit}
	}
	if tx.Channel != transaction.ChannelATM && tx.Amount.GreaterThan(l.POSDailyLimit) {
		return Verdict{Reason: transaction.ReasonExceedsPOSLimit}
	}
	if _, blocked := l.NonQualifiedCategories[tx.MerchantCategory]; blocked {
		return Verdict{Reason: transaction.ReasonNonQualifiedMerchant}
	}
	return Verdict{Approved: true}
}
