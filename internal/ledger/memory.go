package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// account pairs a balance with its own lock so debits on different accounts
// never contend.
type account struct {
	mu      sync.Mutex
	balance decimal.Decimal
}

// MemoryService keeps balances in memory with per-account locks. The outer
// mutex only protects the account map, never a balance.
type MemoryService struct {
	mapMu    sync.Mutex
	accounts map[string]*account
}

// NewMemoryService creates an empty MemoryService.
func NewMemoryService() *MemoryService {
	return &MemoryService{accounts: make(map[string]*account)}
}

func (s *MemoryService) getAccount(accountID string) *account {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	acc, exists := s.accounts[accountID]
	if !exists {
		acc = &account{balance: decimal.Zero}
		s.accounts[accountID] = acc
	}
	return acc
}

func (s *MemoryService) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit amount must be positive, got %s", transaction.ErrValidation, amount)
	}

	acc := s.getAccount(accountID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.balance.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: account %s balance %s, requested %s",
			transaction.ErrInsufficientFunds, accountID, acc.balance, amount)
	}
	acc.balance = acc.balance.Sub(amount)
	return acc.balance, nil
}

func (s *MemoryService) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit amount must be positive, got %s", transaction.ErrValidation, amount)
	}

	acc := s.getAccount(accountID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.balance = acc.balance.Add(amount)
	return acc.balance, nil
}

func (s *MemoryService) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acc := s.getAccount(accountID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

var _ Service = (*MemoryService)(nil)
