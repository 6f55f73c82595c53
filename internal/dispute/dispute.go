// Package dispute freezes contested contracts, routes cases to mediators,
// and settles the frozen balance according to the mediator's decision.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/money"
)

var (
	ErrCaseNotFound        = errors.New("dispute: case not found")
	ErrNoMediatorAvailable = errors.New("dispute: no mediator available")
)

// Category classifies what the dispute is about.
type Category string

const (
	CategoryQuality  Category = "quality"
	CategoryDelivery Category = "delivery"
	CategoryPayment  Category = "payment"
	CategoryFraud    Category = "fraud"
	CategoryOther    Category = "other"
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryQuality, CategoryDelivery, CategoryPayment, CategoryFraud, CategoryOther:
		return true
	}
	return false
}

// Priority orders the mediation queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var (
	urgentAmount = money.FromMajor(1000)
	highAmount   = money.FromMajor(500)
)

// PriorityFor derives a case's priority from its category and the
// contract's total amount.
func PriorityFor(category Category, total money.Amount) Priority {
	switch {
	case category == CategoryFraud || total > urgentAmount:
		return PriorityUrgent
	case category == CategoryQuality || total > highAmount:
		return PriorityHigh
	case category == CategoryDelivery:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// CaseStatus is the lifecycle state of a dispute case.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseAssigned CaseStatus = "assigned"
	CaseResolved CaseStatus = "resolved"
)

// ResolutionType is the mediator's decision about the frozen balance.
type ResolutionType string

const (
	ResolutionReleaseRemaining ResolutionType = "release_remaining"
	ResolutionRefundRemaining  ResolutionType = "refund_remaining"
	ResolutionSplit            ResolutionType = "split"
)

// Resolution records the decision and the transactions that settled it.
type Resolution struct {
	Type          ResolutionType `json:"type"`
	SellerAmount  money.Amount   `json:"sellerAmount"`
	BuyerAmount   money.Amount   `json:"buyerAmount"`
	Notes         string         `json:"notes,omitempty"`
	DecidedBy     string         `json:"decidedBy"`
	SellerPayTxID string         `json:"sellerPayTxId,omitempty"`
	BuyerPayTxID  string         `json:"buyerPayTxId,omitempty"`
	LedgerTxID    string         `json:"ledgerTxId,omitempty"`
	DecidedAt     time.Time      `json:"decidedAt"`
}

// Case is a dispute over a contract.
type Case struct {
	ID          string              `json:"id"`
	ContractID  string              `json:"contractId"`
	MilestoneID string              `json:"milestoneId,omitempty"`
	InitiatedBy string              `json:"initiatedBy"`
	Category    Category            `json:"category"`
	Priority    Priority            `json:"priority"`
	Description string              `json:"description,omitempty"`
	Evidence    []contract.Evidence `json:"evidence,omitempty"`
	Status      CaseStatus          `json:"status"`
	MediatorID  string              `json:"mediatorId,omitempty"`
	Resolution  *Resolution         `json:"resolution,omitempty"`
	OpenedAt    time.Time           `json:"openedAt"`
	AssignedAt  *time.Time          `json:"assignedAt,omitempty"`
	ResolvedAt  *time.Time          `json:"resolvedAt,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	Update(ctx context.Context, c *Case) error
	ListByContract(ctx context.Context, contractID string) ([]*Case, error)

	// ListOpen returns unresolved cases, urgent first, oldest first within
	// a priority.
	ListOpen(ctx context.Context, limit int) ([]*Case, error)
}

// priorityRank orders priorities for queue sorting.
func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}
