package transaction

import "errors"

// Sentinel errors for the pipeline. Business rejections (risk, insufficient
// funds) are not errors: they surface as Rejected results with a reason.
var (
	// ErrValidation marks a malformed transaction. Fatal, never retried.
	ErrValidation = errors.New("invalid transaction")

	// ErrInsufficientFunds is returned by the account ledger when a debit
	// would overdraw the account. Terminal for the request.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDownstreamUnavailable is returned while the gateway circuit is open.
	// Safe to retry later with the same transaction ID.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	// ErrRequestInFlight means another caller currently owns this
	// transaction ID and has not reached a terminal state yet.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrCancelled marks a transaction that was never admitted before the
	// batch deadline passed.
	ErrCancelled = errors.New("cancelled before admission")

	// ErrInternal is an unexpected fault. Safe to retry with the same ID.
	ErrInternal = errors.New("internal failure")
)
