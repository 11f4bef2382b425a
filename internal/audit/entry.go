// Package audit keeps the append-only, per-account-ordered record of every
// pipeline decision and balance mutation, for regulatory replay.
package audit

import (
	"context"
	"time"
)

// Stage identifies where in the pipeline an entry was produced.
type Stage string

const (
	StageRisk   Stage = "risk"
	StageDebit  Stage = "debit"
	StageReplay Stage = "replay"
)

// Entry is an immutable audit fact. Sequence is monotonically increasing per
// account; entries are never edited or deleted.
type Entry struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Stage         Stage     `json:"stage"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	Sequence      uint64    `json:"sequence"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store is the durable sink behind the log.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// ByAccount returns all entries for an account ordered by sequence.
	ByAccount(ctx context.Context, accountID string) ([]Entry, error)
	// LastSequence returns the highest sequence recorded for an account,
	// or 0 when the account has no entries.
	LastSequence(ctx context.Context, accountID string) (uint64, error)
}

// Publisher mirrors entries to an external stream for downstream consumers.
// Publishing is best-effort; the Store is the system of record.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}
