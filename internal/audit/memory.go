package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, indexed by account for ordered reads.
type MemoryStore struct {
	mu        sync.Mutex
	byAccount map[string][]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAccount: make(map[string][]Entry)}
}

func (m *MemoryStore) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], e)
	return nil
}

func (m *MemoryStore) ByAccount(ctx context.Context, accountID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byAccount[accountID]
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return copied, nil
}

func (m *MemoryStore) LastSequence(ctx context.Context, accountID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byAccount[accountID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Sequence, nil
}

var _ Store = (*MemoryStore)(nil)
