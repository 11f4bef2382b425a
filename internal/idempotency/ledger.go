// Package idempotency guarantees at-most-once settlement per transaction ID.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// State is the lifecycle state of an idempotency record.
type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Decision is what Begin tells the caller to do.
type Decision int

const (
	// Admitted means this caller owns the transaction and must drive it to
	// Commit or Fail. Exactly one caller per ID is ever admitted at a time.
	Admitted Decision = iota
	// InFlight means another caller owns the transaction right now.
	InFlight
	// Replayed means the transaction already reached a terminal outcome;
	// the prior result is returned instead of re-executing the debit.
	Replayed
)

// Record is the stored state for one transaction ID.
type Record struct {
	TransactionID string
	State         State
	Result        *transaction.Result // set when State == StateCommitted
	Reason        string              // set when State == StateFailed
	StartedAt     time.Time
	// Reclaimed marks a pending record whose stale owner was replaced once.
	// A record is never handed to a second recovery owner.
	Reclaimed bool
}

// BeginResult carries the admission decision and, for replays, the prior outcome.
type BeginResult struct {
	Decision Decision
	Prior    *transaction.Result
}

var (
	// ErrUnknownTransaction is returned by Commit/Fail for an ID that was
	// never admitted.
	ErrUnknownTransaction = errors.New("idempotency: unknown transaction")

	// ErrNotPending is returned by Commit/Fail when the record already
	// reached a terminal state.
	ErrNotPending = errors.New("idempotency: record is not pending")
)

// Ledger arbitrates ownership of transaction IDs.
type Ledger interface {
	// Begin admits at most one caller per ID. A pending record older than
	// the stale window is handed to exactly one recovery owner; a failed
	// record re-admits (retrying with the same ID is safe).
	Begin(ctx context.Context, id string) (BeginResult, error)

	// Commit records the terminal outcome. The record must be pending.
	Commit(ctx context.Context, id string, res transaction.Result) error

	// Fail marks the attempt failed so a later retry can be re-admitted.
	Fail(ctx context.Context, id string, reason string) error
}
