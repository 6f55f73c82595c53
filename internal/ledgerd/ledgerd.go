// Package ledgerd is the client boundary for the external append-only ledger.
//
// The ledger is an audit trail, not the transactional source of truth:
// reads are eventually consistent and writes are always retryable. A failed
// write never invalidates a payment that already succeeded; it leaves the
// contract in a pending state that the reconciliation job closes.
package ledgerd

import (
	"context"
	"errors"
)

// ErrLedgerWrite marks a failed ledger append. Always treated as transient;
// the reconciliation job retries with the original idempotency key.
var ErrLedgerWrite = errors.New("ledgerd: ledger write failed")

// ErrNotRecorded is returned by ReadEscrowState when the ledger holds no
// record for the contract yet.
var ErrNotRecorded = errors.New("ledgerd: no recorded state for contract")

// Event types appended for contract and milestone state changes.
const (
	EventContractCreated   = "contract_created"
	EventContractFunded    = "contract_funded"
	EventContractCancelled = "contract_cancelled"
	EventContractRefunded  = "contract_refunded"
	EventEvidenceSubmitted = "evidence_submitted"
	EventMilestoneReleased = "milestone_released"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
)

// Adapter appends immutable escrow records and reads the last known state.
type Adapter interface {
	// RecordEscrowEvent appends an event and returns the ledger transaction id.
	// Repeated calls with the same idempotency key are deduplicated by the
	// ledger service and return the original transaction id.
	RecordEscrowEvent(ctx context.Context, contractID, eventType string, payload map[string]any, idempotencyKey string) (string, error)

	// ReadEscrowState returns the last recorded payload for a contract.
	// Eventually consistent; never used to decide in-flight operations.
	ReadEscrowState(ctx context.Context, contractID string) (map[string]any, error)
}
