package mediator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-memory Directory for development mode and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]*Profile)}
}

func (d *MemoryDirectory) Upsert(ctx context.Context, p *Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *p
	cp.Specializations = append([]string(nil), p.Specializations...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	if cp.Availability == "" {
		cp.Availability = Available
	}
	d.profiles[cp.ID] = &cp
	return nil
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Specializations = append([]string(nil), p.Specializations...)
	return &cp, nil
}

func (d *MemoryDirectory) ListAvailable(ctx context.Context, category string, limit int) ([]*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*Profile
	for _, p := range d.profiles {
		if p.Availability != Available || !p.Specializes(category) {
			continue
		}
		cp := *p
		cp.Specializations = append([]string(nil), p.Specializations...)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ActiveCases != result[j].ActiveCases {
			return result[i].ActiveCases < result[j].ActiveCases
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (d *MemoryDirectory) Reserve(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if p.Availability != Available || p.ActiveCases >= MaxActiveCases {
		return ErrBusy
	}
	p.ActiveCases++
	if p.ActiveCases >= MaxActiveCases {
		p.Availability = Busy
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (d *MemoryDirectory) Release(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if p.ActiveCases > 0 {
		p.ActiveCases--
	}
	p.ResolvedCases++
	if p.Availability == Busy && p.ActiveCases < MaxActiveCases {
		p.Availability = Available
	}
	p.UpdatedAt = time.Now()
	return nil
}
