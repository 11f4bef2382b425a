package transaction

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the origination channel of a withdrawal.
type Channel string

const (
	ChannelATM Channel = "atm"
	ChannelPOS Channel = "pos"
)

// Transaction is the canonical withdrawal request. The ID doubles as the
// idempotency key: a retry of the same logical request reuses the same ID.
type Transaction struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Channel          Channel         `json:"channel"`
	MerchantCategory string          `json:"merchant_category"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// Validate checks structural invariants before the transaction enters the
// pipeline. A failure here is fatal and never retried.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if t.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if t.Channel != ChannelATM && t.Channel != ChannelPOS {
		return fmt.Errorf("%w: channel must be %q or %q, got %q", ErrValidation, ChannelATM, ChannelPOS, t.Channel)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, t.Amount)
	}
	return nil
}
