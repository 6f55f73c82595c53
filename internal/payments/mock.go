package payments

import (
	"context"
	"sync"

	"github.com/agroclear/agroclear/internal/idgen"
)

// MockGateway is an in-memory gateway for development mode and tests.
// It honours idempotency keys the way a real provider would: a repeated
// key returns the original transaction id without a second execution.
type MockGateway struct {
	mu        sync.Mutex
	byKey     map[string]*Result
	calls     int
	failWith  error // if set, every new key fails with this error
	failAfter int   // with failNext, lets this many executions succeed first
	failNext  error
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{byKey: make(map[string]*Result)}
}

// FailWith makes subsequent calls for new keys fail with err. Pass nil to heal.
func (m *MockGateway) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.failNext = nil
	m.mu.Unlock()
}

// FailAfter allows n more executions to succeed, then fails later new keys
// with err until healed via FailWith(nil).
func (m *MockGateway) FailAfter(n int, err error) {
	m.mu.Lock()
	m.failAfter = n
	m.failNext = err
	m.mu.Unlock()
}

// Calls returns the number of executions (deduplicated replays excluded).
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockGateway) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.byKey[req.IdempotencyKey]; ok {
		return res, nil // deduplicated replay
	}
	if m.failWith != nil {
		return nil, m.failWith
	}
	if m.failNext != nil {
		if m.failAfter <= 0 {
			return nil, m.failNext
		}
		m.failAfter--
	}

	m.calls++
	res := &Result{TransactionID: idgen.WithPrefix("pay_"), Message: "ok"}
	m.byKey[req.IdempotencyKey] = res
	return res, nil
}
