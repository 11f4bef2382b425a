package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists audit entries in postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL for the audit table, applied by migrations. The primary
// key doubles as the per-account uniqueness guarantee for sequences.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	account_id     TEXT NOT NULL,
	sequence       BIGINT NOT NULL,
	transaction_id TEXT NOT NULL,
	stage          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, sequence)
)`

func (p *PostgresStore) Append(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO audit_entries (account_id, sequence, transaction_id, stage, outcome, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.ExecContext(ctx, query,
		e.AccountID, e.Sequence, e.TransactionID, string(e.Stage), e.Outcome, e.Detail, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit append %s/%d: %w", e.AccountID, e.Sequence, err)
	}
	return nil
}

func (p *PostgresStore) ByAccount(ctx context.Context, accountID string) ([]Entry, error) {
	const query = `
		SELECT account_id, sequence, transaction_id, stage, outcome, detail, recorded_at
		FROM audit_entries WHERE account_id = $1 ORDER BY sequence`

	rows, err := p.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("audit read %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stage string
		if err := rows.Scan(&e.AccountID, &e.Sequence, &e.TransactionID, &stage, &e.Outcome, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit scan %s: %w", accountID, err)
		}
		e.Stage = Stage(stage)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit read %s: %w", accountID, err)
	}
	return entries, nil
}

func (p *PostgresStore) LastSequence(ctx context.Context, accountID string) (uint64, error) {
	var last uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT sequence FROM audit_entries WHERE account_id = $1 ORDER BY sequence DESC LIMIT 1`,
		accountID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("audit last sequence %s: %w", accountID, err)
	}
	return last, nil
}

var _ Store = (*PostgresStore)(nil)
