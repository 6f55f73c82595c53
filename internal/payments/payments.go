// Package payments abstracts the external payment rails that move escrow funds.
//
// Every call that moves money carries a caller-chosen idempotency key; a
// retried call with the same key must be deduplicated by the provider, never
// double-executed. Providers classify failures as retryable (timeout, rate
// limit, provider outage) or permanent (insufficient funds, invalid phone).
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/agroclear/agroclear/internal/circuitbreaker"
	"github.com/agroclear/agroclear/internal/metrics"
	"github.com/agroclear/agroclear/internal/money"
)

var (
	ErrUnknownProvider = errors.New("payments: unknown provider")
	ErrCircuitOpen     = errors.New("payments: provider circuit open")
)

// Request describes a single funds movement.
type Request struct {
	Amount           money.Amount
	Currency         string
	Provider         string // "mpesa", "stripe", ...
	DestinationPhone string
	IdempotencyKey   string
	Metadata         map[string]string
}

// Result is the provider's acknowledgement of a funds movement.
type Result struct {
	TransactionID string
	Message       string
}

// Gateway executes a single funds-movement request.
type Gateway interface {
	ProcessPayment(ctx context.Context, req Request) (*Result, error)
}

// ProviderError wraps a provider failure with its retryability classification.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("payments: %s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error worth retrying
// with the same idempotency key.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrCircuitOpen)
}

// Registry routes requests to the gateway registered for each provider,
// guarded by a shared per-provider circuit breaker.
type Registry struct {
	gateways map[string]Gateway
	breaker  *circuitbreaker.Breaker
}

// NewRegistry creates an empty provider registry with the given breaker.
// A nil breaker disables circuit breaking.
func NewRegistry(breaker *circuitbreaker.Breaker) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		breaker:  breaker,
	}
}

// Register adds a gateway for a provider name.
func (r *Registry) Register(provider string, gw Gateway) {
	r.gateways[provider] = gw
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// ProcessPayment routes to the provider named in the request.
// A tripped breaker surfaces as a retryable condition so callers and the
// reconciliation job keep their idempotency key for the next attempt.
func (r *Registry) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	gw, ok := r.gateways[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	if r.breaker != nil && !r.breaker.Allow(req.Provider) {
		metrics.PaymentCallsTotal.WithLabelValues(req.Provider, "circuit_open").Inc()
		return nil, &ProviderError{Provider: req.Provider, Retryable: true, Err: ErrCircuitOpen}
	}

	res, err := gw.ProcessPayment(ctx, req)
	if err != nil {
		if r.breaker != nil && IsRetryable(err) {
			// Permanent failures (bad phone, insufficient funds) say nothing
			// about provider health, so they don't trip the circuit.
			r.breaker.RecordFailure(req.Provider)
		}
		metrics.PaymentCallsTotal.WithLabelValues(req.Provider, "error").Inc()
		return nil, err
	}

	if r.breaker != nil {
		r.breaker.RecordSuccess(req.Provider)
	}
	metrics.PaymentCallsTotal.WithLabelValues(req.Provider, "ok").Inc()
	return res, nil
}
