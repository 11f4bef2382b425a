package transaction

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Status is the terminal disposition of a transaction.
type Status string

const (
	StatusDebited  Status = "debited"
	StatusRejected Status = "rejected"
	StatusErrored  Status = "errored"
)

// Rejection reasons shared across the pipeline. Risk rules produce the first
// three; the ledger produces the last.
const (
	ReasonExceedsATMLimit      = "exceeds_atm_limit"
	ReasonExceedsPOSLimit      = "exceeds_pos_limit"
	ReasonNonQualifiedMerchant = "non_qualified_merchant"
	ReasonInsufficientFunds    = "insufficient_funds"
)

// Result is the terminal outcome of one transaction. Results are positionally
// aligned with batch input and every submitted transaction gets exactly one.
type Result struct {
	TransactionID string          `json:"transaction_id"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	NewBalance    decimal.Decimal `json:"new_balance,omitempty"`
	// Replayed is set when this result was served from the idempotency
	// ledger instead of executing a second debit.
	Replayed bool   `json:"replayed,omitempty"`
	Err      string `json:"error,omitempty"`
	// Code classifies an errored result so callers map it to transport
	// semantics without parsing Err.
	Code Code `json:"code,omitempty"`
}

// Code is a stable machine-usable classification of an errored result.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeInFlight    Code = "in_flight"
	CodeCancelled   Code = "cancelled"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal"
)

// Errored builds an errored result from a pipeline fault.
func Errored(id string, err error) Result {
	return Result{TransactionID: id, Status: StatusErrored, Err: err.Error(), Code: codeOf(err)}
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRequestInFlight):
		return CodeInFlight
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrDownstreamUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// Rejected builds a business-rejection result.
func Rejected(id, reason string) Result {
	return Result{TransactionID: id, Status: StatusRejected, Reason: reason}
}

// Debited builds a successful settlement result.
func Debited(id string, balance decimal.Decimal) Result {
	return Result{TransactionID: id, Status: StatusDebited, NewBalance: balance}
}
