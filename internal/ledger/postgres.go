package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// PostgresService stores balances in postgres. Per-account linearizability
// comes from the row lock taken by SELECT ... FOR UPDATE; rows for different
// accounts are locked independently.
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a PostgresService on an existing connection pool.
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// Schema is the DDL for the accounts table, applied by migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	balance    NUMERIC(19, 4) NOT NULL DEFAULT 0
)`

func (s *PostgresService) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit amount must be positive, got %s", transaction.ErrValidation, amount)
	}

	var newBalance decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = decimal.Zero
		} else if err != nil {
			return fmt.Errorf("ledger read %s: %w", accountID, err)
		}

		if balance.LessThan(amount) {
			return fmt.Errorf("%w: account %s balance %s, requested %s",
				transaction.ErrInsufficientFunds, accountID, balance, amount)
		}

		newBalance = balance.Sub(amount)
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $2 WHERE account_id = $1`, accountID, newBalance,
		); err != nil {
			return fmt.Errorf("ledger debit %s: %w", accountID, err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

func (s *PostgresService) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit amount must be positive, got %s", transaction.ErrValidation, amount)
	}

	var newBalance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (account_id, balance) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
		RETURNING balance`, accountID, amount,
	).Scan(&newBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger credit %s: %w", accountID, err)
	}
	return newBalance, nil
}

func (s *PostgresService) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1`, accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger balance %s: %w", accountID, err)
	}
	return balance, nil
}

func (s *PostgresService) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ Service = (*PostgresService)(nil)
