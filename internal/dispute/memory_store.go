package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/agroclear/agroclear/internal/contract"
)

// MemoryStore is an in-memory case store for development mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

// NewMemoryStore creates an empty in-memory case store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.Evidence = append([]contract.Evidence(nil), c.Evidence...)
	if c.Resolution != nil {
		r := *c.Resolution
		cp.Resolution = &r
	}
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		cp.AssignedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = cloneCase(c)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return cloneCase(c), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	m.cases[c.ID] = cloneCase(c)
	return nil
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.ContractID == contractID {
			result = append(result, cloneCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.Status != CaseResolved {
			result = append(result, cloneCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ri, rj := priorityRank(result[i].Priority), priorityRank(result[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
