// Package mediator maintains the roster of dispute mediators and their
// case-load driven availability.
package mediator

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("mediator: not found")
	ErrBusy     = errors.New("mediator: not available")
)

// Availability is a mediator's capacity state.
type Availability string

const (
	Available   Availability = "available"
	Busy        Availability = "busy"
	Unavailable Availability = "unavailable"
)

// MaxActiveCases is the case load at which a mediator stops receiving
// assignments.
const MaxActiveCases = 5

// Profile describes a mediator.
type Profile struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Specializations []string     `json:"specializations,omitempty"` // dispute categories they handle
	Availability    Availability `json:"availability"`
	ActiveCases     int          `json:"activeCases"`
	ResolvedCases   int          `json:"resolvedCases"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Specializes reports whether the mediator handles the category. An empty
// specialization list means a generalist.
func (p *Profile) Specializes(category string) bool {
	if len(p.Specializations) == 0 {
		return true
	}
	for _, s := range p.Specializations {
		if s == category {
			return true
		}
	}
	return false
}

// Directory persists mediator profiles and hands out assignments.
type Directory interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)

	// ListAvailable returns available mediators handling the category,
	// least loaded first.
	ListAvailable(ctx context.Context, category string, limit int) ([]*Profile, error)

	// Reserve increments the mediator's case load, atomically flipping
	// them to busy at the cap. Returns ErrBusy when the mediator cannot
	// take the case.
	Reserve(ctx context.Context, id string) error

	// Release decrements the case load after a resolution and counts the
	// resolved case.
	Release(ctx context.Context, id string) error
}
