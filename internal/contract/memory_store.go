package contract

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode.
// It enforces the same optimistic-concurrency contract as the Postgres store.
type MemoryStore struct {
	contracts map[string]*Contract
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contracts[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = time.Now()
	m.contracts[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.Buyer.ID == partyID || c.Seller.ID == partyID {
			result = append(result, c.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.Status == status {
			result = append(result, c.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuckReleases(ctx context.Context, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		for i := range c.Milestones {
			ms := &c.Milestones[i]
			if ms.Status == MilestoneApproved && ms.LedgerTxID == "" &&
				(ms.PaymentTxID != "" || ms.ReleaseAttempts > 0) {
				result = append(result, c.Clone())
				break
			}
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingLedger(ctx context.Context, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if len(c.PendingLedger) > 0 {
			result = append(result, c.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// All returns every contract. Used by the analytics read model.
func (m *MemoryStore) All(ctx context.Context) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		result = append(result, c.Clone())
	}
	return result, nil
}
