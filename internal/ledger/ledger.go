// Package ledger owns account balances. It is the only component allowed to
// mutate them, and every mutation is linearizable per account.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service applies balance mutations. In production this boundary maps to a
// core-banking call, which is why the gateway wraps it rather than the
// pipeline calling it directly.
type Service interface {
	// Debit atomically subtracts amount from the account and returns the new
	// balance, or transaction.ErrInsufficientFunds without changing anything.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)

	// Credit atomically adds amount to the account (funding, reversals) and
	// returns the new balance. Unknown accounts are created at zero first.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)

	// Balance returns the current balance. Unknown accounts read as zero.
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}
