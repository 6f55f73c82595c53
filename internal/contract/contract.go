// Package contract holds the EscrowContract aggregate and its durable,
// versioned store.
//
// Lifecycle:
//  1. Buyer and seller agree terms → contract created with percentage milestones
//  2. Buyer funds the contract → funds held in trust, contract active
//  3. Seller delivers per milestone → evidence, approval, two-phase release
//  4. All milestones released → contract completed
//  5. Either party may dispute before completion → releases freeze
//
// All mutating operations on one contract are serialized by optimistic
// concurrency on Version: a write with a stale version is rejected with
// ErrVersionConflict and the caller re-reads and retries.
package contract

import (
	"context"
	"errors"
	"time"

	"github.com/agroclear/agroclear/internal/money"
)

var (
	ErrNotFound          = errors.New("contract not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrVersionConflict   = errors.New("contract version conflict")
	ErrValidation        = errors.New("contract validation failed")
	ErrInvalidTransition = errors.New("invalid contract state transition")
)

// Status represents the state of an escrow contract.
type Status string

const (
	StatusCreated   Status = "created"   // Persisted, not yet funded
	StatusFunded    Status = "funded"    // Buyer funds held, below total
	StatusActive    Status = "active"    // Fully funded, milestones in play
	StatusDisputed  Status = "disputed"  // Frozen pending dispute resolution
	StatusCompleted Status = "completed" // Every milestone released
	StatusCancelled Status = "cancelled" // Cancelled before funding
	StatusRefunded  Status = "refunded"  // Cancelled after funding, buyer repaid

	// StatusCancellationPending marks a cancellation whose refund has not
	// completed. The reconciliation job retries the refund with the
	// original idempotency key.
	StatusCancellationPending Status = "cancellation_pending"
)

// MilestoneStatus represents the state of a single milestone.
type MilestoneStatus string

const (
	MilestonePending           MilestoneStatus = "pending"
	MilestoneEvidenceSubmitted MilestoneStatus = "evidence_submitted"
	MilestoneApproved          MilestoneStatus = "approved"
	MilestoneReleased          MilestoneStatus = "released"
	MilestoneDisputed          MilestoneStatus = "disputed"
)

// Party identifies one side of a contract with the contact detail
// needed for payment and notification.
type Party struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	NotifyChannel string `json:"notifyChannel,omitempty"`
}

// Evidence is one piece of submitted milestone evidence. Append-only.
type Evidence struct {
	Type        string    `json:"type"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	SubmittedBy string    `json:"submittedBy"`
}

// Milestone is a percentage-denominated portion of the contract value,
// owned exclusively by its contract.
//
// A milestone is not released until BOTH PaymentTxID and LedgerTxID are
// set: PaymentTxID records the completed payment half, LedgerTxID the
// completed audit half. The gap between them is the canonical
// "payment succeeded, ledger pending" state the reconciliation job closes.
type Milestone struct {
	ID               string          `json:"id"`
	Description      string          `json:"description"`
	Percentage       int             `json:"percentage"`
	Amount           money.Amount    `json:"amount"` // fixed at creation, never recomputed
	RequiredEvidence []string        `json:"requiredEvidence,omitempty"`
	AutoRelease      bool            `json:"autoRelease,omitempty"`
	TimeoutHours     int             `json:"timeoutHours,omitempty"`
	Status           MilestoneStatus `json:"status"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
	PaymentTxID      string          `json:"paymentTxId,omitempty"`
	LedgerTxID       string          `json:"ledgerTxId,omitempty"`
	Rejections       int             `json:"rejections,omitempty"`

	// TimeoutAt is the deadline after which the milestone auto-approves.
	// Set at activation from TimeoutHours, reset on rejection.
	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`

	// Reconciliation bookkeeping for the ledger half of a release.
	ReleaseAttempts    int        `json:"releaseAttempts,omitempty"`
	LastReleaseAttempt *time.Time `json:"lastReleaseAttempt,omitempty"`
}

// DisputeInfo is the contract's view of its open dispute.
// Present only while Status == StatusDisputed.
type DisputeInfo struct {
	CaseID      string    `json:"caseId"`
	InitiatedBy string    `json:"initiatedBy"`
	Category    string    `json:"category"`
	OpenedAt    time.Time `json:"openedAt"`
}

// PendingLedgerEvent is a ledger append that failed and awaits
// reconciliation. The original idempotency key is kept so the retry
// is deduplicated by the ledger service.
type PendingLedgerEvent struct {
	EventType      string `json:"eventType"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Contract is the escrow aggregate root.
type Contract struct {
	ID                 string       `json:"id"`
	Buyer              Party        `json:"buyer"`
	Seller             Party        `json:"seller"`
	ListingID          string       `json:"listingId,omitempty"`
	ProductDescription string       `json:"productDescription,omitempty"`
	TotalAmount        money.Amount `json:"totalAmount"`
	Currency           string       `json:"currency"`
	PaymentProvider    string       `json:"paymentProvider"`
	Milestones         []Milestone  `json:"milestones"`
	FundedAmount       money.Amount `json:"fundedAmount"`
	ReleasedAmount     money.Amount `json:"releasedAmount"`
	Status             Status       `json:"status"`
	CancelReason       string       `json:"cancelReason,omitempty"`

	// LedgerTxIDs is the append-only audit trail of ledger references.
	LedgerTxIDs []string `json:"ledgerTxIds,omitempty"`

	// PendingLedger holds ledger appends awaiting reconciliation retry.
	PendingLedger     []PendingLedgerEvent `json:"pendingLedger,omitempty"`
	LedgerAttempts    int                  `json:"ledgerAttempts,omitempty"`
	LastLedgerAttempt *time.Time           `json:"lastLedgerAttempt,omitempty"`

	Dispute *DisputeInfo `json:"dispute,omitempty"`

	// Refund reconciliation bookkeeping for cancellation_pending.
	RefundAttempts    int        `json:"refundAttempts,omitempty"`
	LastRefundAttempt *time.Time `json:"lastRefundAttempt,omitempty"`

	// Version increments on every persisted mutation. Writers pass the
	// version they read; a stale version is rejected.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	switch c.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Milestone returns a pointer to the milestone with the given id, or nil
// when the contract has no such milestone.
func (c *Contract) Milestone(id string) *Milestone {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i]
		}
	}
	return nil
}

// AllMilestonesReleased reports whether every milestone is released.
func (c *Contract) AllMilestonesReleased() bool {
	for i := range c.Milestones {
		if c.Milestones[i].Status != MilestoneReleased {
			return false
		}
	}
	return len(c.Milestones) > 0
}

// RemainingAmount is the funded balance not yet released.
func (c *Contract) RemainingAmount() money.Amount {
	return c.FundedAmount - c.ReleasedAmount
}

// PartyIDs returns the notification recipients for contract events.
func (c *Contract) PartyIDs() []string {
	return []string{c.Buyer.ID, c.Seller.ID}
}

// Clone returns a deep copy. Stores hand out clones so no caller holds a
// mutable reference into another component's aggregate.
func (c *Contract) Clone() *Contract {
	cp := *c
	cp.Milestones = make([]Milestone, len(c.Milestones))
	copy(cp.Milestones, c.Milestones)
	for i := range cp.Milestones {
		m := &cp.Milestones[i]
		if len(m.Evidence) > 0 {
			ev := make([]Evidence, len(m.Evidence))
			copy(ev, m.Evidence)
			m.Evidence = ev
		}
		if len(m.RequiredEvidence) > 0 {
			re := make([]string, len(m.RequiredEvidence))
			copy(re, m.RequiredEvidence)
			m.RequiredEvidence = re
		}
	}
	if len(c.LedgerTxIDs) > 0 {
		cp.LedgerTxIDs = make([]string, len(c.LedgerTxIDs))
		copy(cp.LedgerTxIDs, c.LedgerTxIDs)
	}
	if len(c.PendingLedger) > 0 {
		cp.PendingLedger = make([]PendingLedgerEvent, len(c.PendingLedger))
		copy(cp.PendingLedger, c.PendingLedger)
	}
	if c.Dispute != nil {
		d := *c.Dispute
		cp.Dispute = &d
	}
	return &cp
}

// Store is durable, versioned storage of contracts.
type Store interface {
	Create(ctx context.Context, c *Contract) error

	// Get returns a deep copy of the contract.
	Get(ctx context.Context, id string) (*Contract, error)

	// Update persists c if the stored version equals c.Version, then
	// increments c.Version in place. A stale version returns
	// ErrVersionConflict and persists nothing.
	Update(ctx context.Context, c *Contract) error

	ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error)

	// ListStuckReleases returns contracts holding at least one milestone in
	// approved with PaymentTxID set and LedgerTxID unset.
	ListStuckReleases(ctx context.Context, limit int) ([]*Contract, error)

	// ListPendingLedger returns contracts with queued ledger appends.
	ListPendingLedger(ctx context.Context, limit int) ([]*Contract, error)
}
