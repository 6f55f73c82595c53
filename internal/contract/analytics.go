package contract

import (
	"context"

	"github.com/agroclear/agroclear/internal/money"
)

// Stats summarizes escrow activity across contracts.
type Stats struct {
	ActiveContracts    int          `json:"activeContracts"`
	CompletedContracts int          `json:"completedContracts"`
	DisputedContracts  int          `json:"disputedContracts"`
	RefundedContracts  int          `json:"refundedContracts"`
	CancelledContracts int          `json:"cancelledContracts"`
	HeldValue          money.Amount `json:"heldValue"`     // funded but not yet released
	ReleasedValue      money.Amount `json:"releasedValue"` // paid out to sellers
	SuccessRate        float64      `json:"successRate"`   // completed / all closed
}

const statsScanLimit = 10000

// Stats aggregates contract counts and value by walking status buckets.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	open := []Status{StatusFunded, StatusActive, StatusDisputed, StatusCancellationPending}
	for _, status := range open {
		contracts, err := m.store.ListByStatus(ctx, status, statsScanLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range contracts {
			s.HeldValue += c.FundedAmount - c.ReleasedAmount
			s.ReleasedValue += c.ReleasedAmount
		}
		switch status {
		case StatusDisputed:
			s.DisputedContracts = len(contracts)
			s.ActiveContracts += len(contracts)
		case StatusCancellationPending:
			s.ActiveContracts += len(contracts)
		default:
			s.ActiveContracts += len(contracts)
		}
	}

	completed, err := m.store.ListByStatus(ctx, StatusCompleted, statsScanLimit)
	if err != nil {
		return nil, err
	}
	s.CompletedContracts = len(completed)
	for _, c := range completed {
		s.ReleasedValue += c.ReleasedAmount
	}

	refunded, err := m.store.ListByStatus(ctx, StatusRefunded, statsScanLimit)
	if err != nil {
		return nil, err
	}
	s.RefundedContracts = len(refunded)
	for _, c := range refunded {
		s.ReleasedValue += c.ReleasedAmount
	}

	cancelled, err := m.store.ListByStatus(ctx, StatusCancelled, statsScanLimit)
	if err != nil {
		return nil, err
	}
	s.CancelledContracts = len(cancelled)

	closed := s.CompletedContracts + s.RefundedContracts + s.CancelledContracts
	if closed > 0 {
		s.SuccessRate = float64(s.CompletedContracts) / float64(closed)
	}
	return s, nil
}
