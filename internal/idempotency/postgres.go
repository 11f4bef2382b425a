package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// PostgresLedger is a durable Ledger. Ownership is arbitrated by the
// database: the insert either wins the row or observes the existing state,
// so the exactly-one-Admitted guarantee holds across processes and restarts.
type PostgresLedger struct {
	db         *sql.DB
	staleAfter time.Duration
}

// NewPostgresLedger creates a PostgresLedger on an existing connection pool.
func NewPostgresLedger(db *sql.DB, staleAfter time.Duration) *PostgresLedger {
	return &PostgresLedger{db: db, staleAfter: staleAfter}
}

// Schema is the DDL for the idempotency table, applied by migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	transaction_id TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	result         JSONB,
	reason         TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	reclaimed      BOOLEAN NOT NULL DEFAULT FALSE
)`

func (p *PostgresLedger) Begin(ctx context.Context, id string) (BeginResult, error) {
	const insert = `
		INSERT INTO idempotency_records (transaction_id, state, started_at)
		VALUES ($1, 'pending', NOW())
		ON CONFLICT (transaction_id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, insert, id)
	if err != nil {
		return BeginResult{}, fmt.Errorf("idempotency begin %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return BeginResult{Decision: Admitted}, nil
	}

	const query = `
		SELECT state, result, started_at, reclaimed
		FROM idempotency_records WHERE transaction_id = $1`

	var (
		state     string
		resultRaw []byte
		startedAt time.Time
		reclaimed bool
	)
	if err := p.db.QueryRowContext(ctx, query, id).Scan(&state, &resultRaw, &startedAt, &reclaimed); err != nil {
		return BeginResult{}, fmt.Errorf("idempotency lookup %s: %w", id, err)
	}

	switch State(state) {
	case StateCommitted:
		var prior transaction.Result
		if err := json.Unmarshal(resultRaw, &prior); err != nil {
			return BeginResult{}, fmt.Errorf("idempotency decode result %s: %w", id, err)
		}
		return BeginResult{Decision: Replayed, Prior: &prior}, nil

	case StateFailed:
		// Re-admit a failed attempt. The WHERE clause loses gracefully to a
		// concurrent re-admission.
		const readmit = `
			UPDATE idempotency_records
			SET state = 'pending', reason = '', started_at = NOW(), reclaimed = FALSE
			WHERE transaction_id = $1 AND state = 'failed'`
		res, err := p.db.ExecContext(ctx, readmit, id)
		if err != nil {
			return BeginResult{}, fmt.Errorf("idempotency readmit %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return BeginResult{Decision: Admitted}, nil
		}
		return BeginResult{Decision: InFlight}, nil

	default: // pending
		if !reclaimed && time.Since(startedAt) > p.staleAfter {
			const reclaim = `
				UPDATE idempotency_records
				SET reclaimed = TRUE, started_at = NOW()
				WHERE transaction_id = $1 AND state = 'pending' AND reclaimed = FALSE`
			res, err := p.db.ExecContext(ctx, reclaim, id)
			if err != nil {
				return BeginResult{}, fmt.Errorf("idempotency reclaim %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return BeginResult{Decision: Admitted}, nil
			}
		}
		return BeginResult{Decision: InFlight}, nil
	}
}

func (p *PostgresLedger) Commit(ctx context.Context, id string, outcome transaction.Result) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("idempotency encode result %s: %w", id, err)
	}

	const update = `
		UPDATE idempotency_records
		SET state = 'committed', result = $2
		WHERE transaction_id = $1 AND state = 'pending'`
	return p.finish(ctx, id, update, raw)
}

func (p *PostgresLedger) Fail(ctx context.Context, id string, reason string) error {
	const update = `
		UPDATE idempotency_records
		SET state = 'failed', reason = $2
		WHERE transaction_id = $1 AND state = 'pending'`
	return p.finish(ctx, id, update, reason)
}

func (p *PostgresLedger) finish(ctx context.Context, id, update string, arg any) error {
	res, err := p.db.ExecContext(ctx, update, id, arg)
	if err != nil {
		return fmt.Errorf("idempotency finish %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency_records WHERE transaction_id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("idempotency finish %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return fmt.Errorf("%w: %s", ErrNotPending, id)
}

var _ Ledger = (*PostgresLedger)(nil)
