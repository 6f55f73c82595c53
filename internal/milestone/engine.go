// Package milestone implements evidence collection, buyer approval, and the
// two-phase payment-then-ledger release protocol for contract milestones.
package milestone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/metrics"
	"github.com/agroclear/agroclear/internal/notify"
	"github.com/agroclear/agroclear/internal/payments"
	"github.com/agroclear/agroclear/internal/traces"
)

// DisputeOpener opens a dispute on behalf of the engine when repeated
// rejections exhaust the normal approval path. Implemented by the dispute
// coordinator and injected at wiring time to keep the packages decoupled.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, contractID, milestoneID, initiatedBy, category, description string) error
}

// DefaultMaxRejections is how many times a buyer may reject a milestone's
// evidence before the disagreement escalates to a dispute.
const DefaultMaxRejections = 3

// Engine drives milestones through evidence, approval, and release.
type Engine struct {
	store         contract.Store
	gateway       payments.Gateway
	ledger        ledgerd.Adapter
	emitter       *notify.Emitter
	disputes      DisputeOpener
	logger        *slog.Logger
	maxRejections int
	locks         sync.Map
}

// NewEngine creates a milestone engine.
func NewEngine(store contract.Store, gateway payments.Gateway, ledger ledgerd.Adapter) *Engine {
	return &Engine{
		store:         store,
		gateway:       gateway,
		ledger:        ledger,
		logger:        slog.Default(),
		maxRejections: DefaultMaxRejections,
	}
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithEmitter sets the notification emitter.
func (e *Engine) WithEmitter(em *notify.Emitter) *Engine {
	e.emitter = em
	return e
}

// WithDisputeOpener sets the escalation target for repeated rejections.
func (e *Engine) WithDisputeOpener(d DisputeOpener) *Engine {
	e.disputes = d
	return e
}

// WithMaxRejections overrides the rejection escalation threshold.
func (e *Engine) WithMaxRejections(n int) *Engine {
	if n > 0 {
		e.maxRejections = n
	}
	return e
}

func (e *Engine) contractLock(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EvidenceRequest carries one piece of evidence for a milestone.
type EvidenceRequest struct {
	Type        string `json:"type" binding:"required"`
	URL         string `json:"url" binding:"required"`
	Description string `json:"description"`
	SubmittedBy string `json:"submittedBy" binding:"required"`
}

// SubmitEvidence attaches evidence to a milestone. When every required
// evidence type is present the milestone moves to evidence_submitted and,
// if the milestone is marked auto-release, funds are released immediately.
func (e *Engine) SubmitEvidence(ctx context.Context, contractID, milestoneID string, req EvidenceRequest) (*contract.Contract, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.SubmitEvidence",
		traces.ContractID(contractID), traces.MilestoneID(milestoneID))
	defer span.End()

	mu := e.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(c); err != nil {
		return nil, err
	}

	ms := c.Milestone(milestoneID)
	if ms == nil {
		return nil, contract.ErrMilestoneNotFound
	}
	if ms.Status != contract.MilestonePending && ms.Status != contract.MilestoneEvidenceSubmitted {
		return nil, fmt.Errorf("%w: evidence not accepted in milestone status %s",
			contract.ErrInvalidTransition, ms.Status)
	}
	if req.SubmittedBy != c.Seller.ID {
		return nil, fmt.Errorf("%w: only the seller submits evidence", contract.ErrValidation)
	}

	ms.Evidence = append(ms.Evidence, contract.Evidence{
		Type:        req.Type,
		URL:         req.URL,
		Description: req.Description,
		SubmittedAt: time.Now(),
		SubmittedBy: req.SubmittedBy,
	})

	if hasAllRequired(ms) {
		ms.Status = contract.MilestoneEvidenceSubmitted
	}

	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}

	e.emitter.Emit(c.PartyIDs(), notify.EventEvidenceSubmitted, map[string]any{
		"contractId":  c.ID,
		"milestoneId": ms.ID,
		"type":        req.Type,
	})
	e.recordLedgerQueued(ctx, c, ledgerd.EventEvidenceSubmitted,
		fmt.Sprintf("%s:%s:evidence:%d", c.ID, ms.ID, len(ms.Evidence)))

	if ms.Status == contract.MilestoneEvidenceSubmitted && ms.AutoRelease {
		ms.Status = contract.MilestoneApproved
		if err := e.store.Update(ctx, c); err != nil {
			return nil, err
		}
		if err := e.release(ctx, c, ms); err != nil {
			// Payment rail trouble; the approval stands and the
			// reconciliation job picks the release back up.
			e.logger.Warn("auto-release deferred", "contract", c.ID, "milestone", ms.ID, "error", err)
		}
	}

	return c, nil
}

// Approve marks an evidence-backed milestone approved and releases its
// funds. Only the buyer approves.
func (e *Engine) Approve(ctx context.Context, contractID, milestoneID, approvedBy string) (*contract.Contract, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Approve",
		traces.ContractID(contractID), traces.MilestoneID(milestoneID))
	defer span.End()

	mu := e.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(c); err != nil {
		return nil, err
	}

	ms := c.Milestone(milestoneID)
	if ms == nil {
		return nil, contract.ErrMilestoneNotFound
	}
	if approvedBy != c.Buyer.ID {
		return nil, fmt.Errorf("%w: only the buyer approves milestones", contract.ErrValidation)
	}
	if ms.Status != contract.MilestoneEvidenceSubmitted {
		return nil, fmt.Errorf("%w: cannot approve milestone in status %s",
			contract.ErrInvalidTransition, ms.Status)
	}

	ms.Status = contract.MilestoneApproved
	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}

	if err := e.release(ctx, c, ms); err != nil {
		return c, err
	}
	return c, nil
}

// Reject sends an evidence-backed milestone back to pending. The rejection
// count persists across resubmissions; at the threshold the disagreement
// escalates to a quality dispute instead of looping forever.
func (e *Engine) Reject(ctx context.Context, contractID, milestoneID, rejectedBy, reason string) (*contract.Contract, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Reject",
		traces.ContractID(contractID), traces.MilestoneID(milestoneID))
	defer span.End()

	mu := e.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(c); err != nil {
		return nil, err
	}

	ms := c.Milestone(milestoneID)
	if ms == nil {
		return nil, contract.ErrMilestoneNotFound
	}
	if rejectedBy != c.Buyer.ID {
		return nil, fmt.Errorf("%w: only the buyer rejects milestones", contract.ErrValidation)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", contract.ErrValidation)
	}
	if ms.Status != contract.MilestoneEvidenceSubmitted {
		return nil, fmt.Errorf("%w: cannot reject milestone in status %s",
			contract.ErrInvalidTransition, ms.Status)
	}

	ms.Status = contract.MilestonePending
	ms.Rejections++
	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}

	e.emitter.Emit(c.PartyIDs(), notify.EventMilestoneRejected, map[string]any{
		"contractId":  c.ID,
		"milestoneId": ms.ID,
		"reason":      reason,
		"rejections":  ms.Rejections,
	})

	if ms.Rejections >= e.maxRejections && e.disputes != nil {
		if err := e.disputes.OpenDispute(ctx, c.ID, ms.ID, c.Buyer.ID, "quality",
			fmt.Sprintf("milestone rejected %d times: %s", ms.Rejections, reason)); err != nil {
			e.logger.Error("failed to escalate repeated rejections to dispute",
				"contract", c.ID, "milestone", ms.ID, "error", err)
		} else {
			// Reload so the caller sees the disputed contract.
			return e.store.Get(ctx, c.ID)
		}
	}

	return c, nil
}

// ApproveExpired approves a milestone whose review window lapsed with no
// buyer decision, whether or not evidence was filed. Called by the timeout
// timer; state is rechecked under the lock because the scan ran on a
// snapshot, and a buyer rejection that landed first wins by version.
func (e *Engine) ApproveExpired(ctx context.Context, contractID, milestoneID string) error {
	mu := e.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != contract.StatusActive {
		return nil // disputed, cancelled, or completed since the scan
	}
	ms := c.Milestone(milestoneID)
	if ms == nil {
		return contract.ErrMilestoneNotFound
	}
	if ms.Status != contract.MilestonePending && ms.Status != contract.MilestoneEvidenceSubmitted {
		return nil
	}
	if ms.TimeoutAt == nil || time.Now().Before(*ms.TimeoutAt) {
		return nil
	}

	ms.Status = contract.MilestoneApproved
	if err := e.store.Update(ctx, c); err != nil {
		return err
	}
	return e.release(ctx, c, ms)
}

// RetryRelease resumes an interrupted release for an approved milestone.
// Called by the reconciliation job; phases already completed are skipped
// through idempotency keys and the persisted payment transaction id.
func (e *Engine) RetryRelease(ctx context.Context, contractID, milestoneID string) error {
	mu := e.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status == contract.StatusDisputed {
		return nil // frozen; resolution decides what happens to the money
	}
	ms := c.Milestone(milestoneID)
	if ms == nil {
		return contract.ErrMilestoneNotFound
	}
	if ms.Status != contract.MilestoneApproved {
		return nil // released or reverted by another writer
	}
	return e.release(ctx, c, ms)
}

// checkWritable rejects milestone activity on frozen or closed contracts.
func (e *Engine) checkWritable(c *contract.Contract) error {
	if c.Status == contract.StatusDisputed {
		return fmt.Errorf("%w: contract is frozen by an open dispute", contract.ErrInvalidTransition)
	}
	if c.Status != contract.StatusActive {
		return fmt.Errorf("%w: contract is not active (status %s)", contract.ErrInvalidTransition, c.Status)
	}
	return nil
}

// releaseKey derives the idempotency key for a milestone release. Retries
// of either phase reuse it, so the provider and the ledger each see the
// operation at most once.
func releaseKey(contractID, milestoneID string) string {
	return contractID + ":" + milestoneID + ":release"
}

// release executes the two-phase release protocol for an approved
// milestone: pay the seller first, persist the payment transaction id,
// then append to the ledger. A crash or failure between the phases leaves
// the milestone approved with a payment id and no ledger id, the shape the
// reconciliation job scans for. A second payment can never happen because
// every attempt reuses the same idempotency key.
func (e *Engine) release(ctx context.Context, c *contract.Contract, ms *contract.Milestone) error {
	ctx, span := traces.StartSpan(ctx, "milestone.release",
		traces.ContractID(c.ID), traces.MilestoneID(ms.ID), traces.Amount(ms.Amount.Format()))
	defer span.End()

	key := releaseKey(c.ID, ms.ID)
	now := time.Now()

	// Phase A: move the money.
	if ms.PaymentTxID == "" {
		res, err := e.gateway.ProcessPayment(ctx, payments.Request{
			Amount:           ms.Amount,
			Currency:         c.Currency,
			Provider:         c.PaymentProvider,
			DestinationPhone: c.Seller.Phone,
			IdempotencyKey:   key,
			Metadata: map[string]string{
				"contractId":  c.ID,
				"milestoneId": ms.ID,
				"purpose":     "milestone_release",
			},
		})
		if err != nil {
			ms.ReleaseAttempts++
			ms.LastReleaseAttempt = &now
			if updErr := e.store.Update(ctx, c); updErr != nil {
				e.logger.Error("failed to record release attempt", "contract", c.ID, "error", updErr)
			}
			metrics.ReleasesTotal.WithLabelValues("payment_failed").Inc()
			return err
		}

		ms.PaymentTxID = res.TransactionID
		ms.ReleaseAttempts++
		ms.LastReleaseAttempt = &now
		c.ReleasedAmount += ms.Amount
		if err := e.store.Update(ctx, c); err != nil {
			// Money moved but the record write lost a race. The payment
			// id is gone from our copy, but the idempotency key makes
			// any replay return the same transaction.
			e.logger.Error("CRITICAL: payment executed but record update failed",
				"contract", c.ID, "milestone", ms.ID, "paymentTx", res.TransactionID, "error", err)
			return fmt.Errorf("payment executed but record update failed: %w", err)
		}
	}

	// Phase B: record the move.
	txID, err := e.ledger.RecordEscrowEvent(ctx, c.ID, ledgerd.EventMilestoneReleased, map[string]any{
		"milestoneId": ms.ID,
		"amount":      ms.Amount.Format(),
		"paymentTxId": ms.PaymentTxID,
	}, key)
	if err != nil {
		// Seller is paid; only the audit record lags. Not an error the
		// caller can act on, so log it and leave the stuck shape for
		// the reconciliation job.
		e.logger.Warn("ledger append failed after payment, release pending reconciliation",
			"contract", c.ID, "milestone", ms.ID, "error", err)
		metrics.ReleasesTotal.WithLabelValues("ledger_pending").Inc()
		return nil
	}

	ms.LedgerTxID = txID
	ms.Status = contract.MilestoneReleased
	c.LedgerTxIDs = append(c.LedgerTxIDs, txID)
	if c.AllMilestonesReleased() {
		c.Status = contract.StatusCompleted
		completed := time.Now()
		c.CompletedAt = &completed
	}
	if err := e.store.Update(ctx, c); err != nil {
		e.logger.Error("failed to finalize release", "contract", c.ID, "milestone", ms.ID, "error", err)
		return err
	}

	metrics.ReleasesTotal.WithLabelValues("released").Inc()
	event := notify.EventMilestoneReleased
	if c.Status == contract.StatusCompleted {
		event = notify.EventContractCompleted
		metrics.ContractsTotal.WithLabelValues(string(contract.StatusCompleted)).Inc()
	}
	e.emitter.Emit(c.PartyIDs(), event, map[string]any{
		"contractId":  c.ID,
		"milestoneId": ms.ID,
		"amount":      ms.Amount.Format(),
		"paymentTxId": ms.PaymentTxID,
	})
	return nil
}

// recordLedgerQueued appends a non-critical event to the ledger, queueing
// it on the contract when the ledger is unavailable.
func (e *Engine) recordLedgerQueued(ctx context.Context, c *contract.Contract, eventType, key string) {
	txID, err := e.ledger.RecordEscrowEvent(ctx, c.ID, eventType, map[string]any{
		"status": string(c.Status),
	}, key)
	if err != nil {
		c.PendingLedger = append(c.PendingLedger, contract.PendingLedgerEvent{
			EventType:      eventType,
			IdempotencyKey: key,
		})
		if updErr := e.store.Update(ctx, c); updErr != nil {
			e.logger.Warn("failed to queue ledger event", "contract", c.ID, "error", updErr)
		}
		return
	}
	c.LedgerTxIDs = append(c.LedgerTxIDs, txID)
	if err := e.store.Update(ctx, c); err != nil {
		e.logger.Warn("failed to record ledger tx", "contract", c.ID, "error", err)
	}
}

// hasAllRequired reports whether every required evidence type has at least
// one submission. Milestones with no requirements accept any evidence.
func hasAllRequired(ms *contract.Milestone) bool {
	for _, required := range ms.RequiredEvidence {
		found := false
		for _, ev := range ms.Evidence {
			if ev.Type == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
