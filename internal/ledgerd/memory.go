package ledgerd

import (
	"context"
	"sync"

	"github.com/agroclear/agroclear/internal/idgen"
)

// MemoryAdapter is an in-process ledger for development mode and tests.
// It deduplicates on idempotency key like the real service.
type MemoryAdapter struct {
	mu      sync.Mutex
	byKey   map[string]string           // idempotency key -> tx id
	last    map[string]map[string]any   // contract id -> last payload
	events  map[string][]RecordedEvent  // contract id -> events in order
	failErr error
}

// RecordedEvent is a single appended event, kept for test assertions.
type RecordedEvent struct {
	TxID      string
	EventType string
	Key       string
	Payload   map[string]any
}

// NewMemoryAdapter creates an in-memory ledger.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		byKey:  make(map[string]string),
		last:   make(map[string]map[string]any),
		events: make(map[string][]RecordedEvent),
	}
}

// FailWith makes new appends fail with err. Pass nil to heal.
func (m *MemoryAdapter) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Events returns the events appended for a contract.
func (m *MemoryAdapter) Events(contractID string) []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedEvent, len(m.events[contractID]))
	copy(out, m.events[contractID])
	return out
}

func (m *MemoryAdapter) RecordEscrowEvent(ctx context.Context, contractID, eventType string, payload map[string]any, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.byKey[idempotencyKey]; ok {
		return tx, nil // deduplicated replay
	}
	if m.failErr != nil {
		return "", m.failErr
	}

	tx := idgen.WithPrefix("led_")
	m.byKey[idempotencyKey] = tx
	m.last[contractID] = payload
	m.events[contractID] = append(m.events[contractID], RecordedEvent{
		TxID: tx, EventType: eventType, Key: idempotencyKey, Payload: payload,
	})
	return tx, nil
}

func (m *MemoryAdapter) ReadEscrowState(ctx context.Context, contractID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.last[contractID]
	if !ok {
		return nil, ErrNotRecorded
	}
	return payload, nil
}
