package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/idgen"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/mediator"
	"github.com/agroclear/agroclear/internal/metrics"
	"github.com/agroclear/agroclear/internal/money"
	"github.com/agroclear/agroclear/internal/notify"
	"github.com/agroclear/agroclear/internal/payments"
	"github.com/agroclear/agroclear/internal/traces"
)

// Coordinator opens disputes, assigns mediators, and settles resolutions
// through the same payment-then-ledger protocol milestones use.
type Coordinator struct {
	cases     Store
	contracts contract.Store
	directory mediator.Directory
	gateway   payments.Gateway
	ledger    ledgerd.Adapter
	emitter   *notify.Emitter
	strategy  AssignStrategy
	logger    *slog.Logger
	locks     sync.Map
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(cases Store, contracts contract.Store, directory mediator.Directory,
	gateway payments.Gateway, ledger ledgerd.Adapter) *Coordinator {
	return &Coordinator{
		cases:     cases,
		contracts: contracts,
		directory: directory,
		gateway:   gateway,
		ledger:    ledger,
		strategy:  FirstAvailable{},
		logger:    slog.Default(),
	}
}

// WithStrategy sets the mediator assignment strategy.
func (co *Coordinator) WithStrategy(s AssignStrategy) *Coordinator {
	co.strategy = s
	return co
}

// WithLogger sets a structured logger.
func (co *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	co.logger = l
	return co
}

// WithEmitter sets the notification emitter.
func (co *Coordinator) WithEmitter(e *notify.Emitter) *Coordinator {
	co.emitter = e
	return co
}

func (co *Coordinator) contractLock(id string) *sync.Mutex {
	v, _ := co.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InitiateRequest carries the parameters for opening a dispute.
type InitiateRequest struct {
	InitiatedBy string   `json:"initiatedBy" binding:"required"`
	MilestoneID string   `json:"milestoneId"`
	Category    Category `json:"category" binding:"required"`
	Description string   `json:"description"`
}

// Initiate opens a dispute, freezing the contract. All milestone activity
// stops until the case resolves.
func (co *Coordinator) Initiate(ctx context.Context, contractID string, req InitiateRequest) (*Case, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Initiate", traces.ContractID(contractID))
	defer span.End()

	if !ValidCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown dispute category %q", contract.ErrValidation, req.Category)
	}

	mu := co.contractLock(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := co.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != contract.StatusFunded && c.Status != contract.StatusActive {
		return nil, fmt.Errorf("%w: cannot dispute contract in status %s",
			contract.ErrInvalidTransition, c.Status)
	}
	if c.Dispute != nil {
		return nil, fmt.Errorf("%w: contract already has an open dispute %s",
			contract.ErrInvalidTransition, c.Dispute.CaseID)
	}
	if req.InitiatedBy != c.Buyer.ID && req.InitiatedBy != c.Seller.ID {
		return nil, fmt.Errorf("%w: only a contract party may open a dispute", contract.ErrValidation)
	}
	if req.MilestoneID != "" && c.Milestone(req.MilestoneID) == nil {
		return nil, contract.ErrMilestoneNotFound
	}

	now := time.Now()
	kase := &Case{
		ID:          idgen.WithPrefix("dsp_"),
		ContractID:  c.ID,
		MilestoneID: req.MilestoneID,
		InitiatedBy: req.InitiatedBy,
		Category:    req.Category,
		Priority:    PriorityFor(req.Category, c.TotalAmount),
		Description: req.Description,
		Status:      CaseOpen,
		OpenedAt:    now,
		UpdatedAt:   now,
	}
	if err := co.cases.Create(ctx, kase); err != nil {
		return nil, fmt.Errorf("failed to persist dispute case: %w", err)
	}

	// If a milestone was named, tag it so both sides see what is contested.
	if ms := c.Milestone(req.MilestoneID); ms != nil {
		ms.Status = contract.MilestoneDisputed
	}
	c.Status = contract.StatusDisputed
	c.Dispute = &contract.DisputeInfo{
		CaseID:      kase.ID,
		InitiatedBy: req.InitiatedBy,
		Category:    string(req.Category),
		OpenedAt:    now,
	}
	co.recordLedgerQueued(ctx, c, ledgerd.EventDisputeOpened, c.ID+":"+kase.ID+":opened")
	if err := co.contracts.Update(ctx, c); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(kase.Category), string(kase.Priority)).Inc()
	metrics.ContractsTotal.WithLabelValues(string(contract.StatusDisputed)).Inc()
	co.emitter.Emit(c.PartyIDs(), notify.EventDisputeOpened, map[string]any{
		"contractId": c.ID,
		"caseId":     kase.ID,
		"category":   string(kase.Category),
		"priority":   string(kase.Priority),
	})

	// Assignment is best-effort here; the case queue is worked again when
	// mediators free up.
	if _, err := co.assign(ctx, kase); err != nil && err != ErrNoMediatorAvailable {
		co.logger.Warn("mediator assignment failed at initiation", "case", kase.ID, "error", err)
	}

	return kase, nil
}

// OpenDispute implements the milestone engine's escalation hook.
func (co *Coordinator) OpenDispute(ctx context.Context, contractID, milestoneID, initiatedBy, category, description string) error {
	_, err := co.Initiate(ctx, contractID, InitiateRequest{
		InitiatedBy: initiatedBy,
		MilestoneID: milestoneID,
		Category:    Category(category),
		Description: description,
	})
	return err
}

// Assign finds an available mediator for an open case. Returns
// ErrNoMediatorAvailable when every qualified mediator is at capacity; the
// case stays open and assignment is retried later.
func (co *Coordinator) Assign(ctx context.Context, caseID string) (*Case, error) {
	kase, err := co.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if kase.Status != CaseOpen {
		return nil, fmt.Errorf("%w: case is %s", contract.ErrInvalidTransition, kase.Status)
	}
	return co.assign(ctx, kase)
}

// AssignStrategy picks and reserves a mediator for a case. Implementations
// must hold a reservation in the directory for the returned mediator; the
// coordinator releases it if the assignment cannot be recorded.
type AssignStrategy interface {
	Pick(ctx context.Context, dir mediator.Directory, kase *Case) (*mediator.Profile, error)
}

// FirstAvailable reserves the least-loaded qualified mediator.
type FirstAvailable struct{}

// Pick walks candidates in load order and keeps the first reservation that
// sticks. Returns ErrNoMediatorAvailable when every candidate is at capacity.
func (FirstAvailable) Pick(ctx context.Context, dir mediator.Directory, kase *Case) (*mediator.Profile, error) {
	candidates, err := dir.ListAvailable(ctx, string(kase.Category), 10)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if err := dir.Reserve(ctx, candidate.ID); err != nil {
			continue // raced with another assignment, try the next
		}
		return candidate, nil
	}
	return nil, ErrNoMediatorAvailable
}

func (co *Coordinator) assign(ctx context.Context, kase *Case) (*Case, error) {
	candidate, err := co.strategy.Pick(ctx, co.directory, kase)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	kase.MediatorID = candidate.ID
	kase.Status = CaseAssigned
	kase.AssignedAt = &now
	kase.UpdatedAt = now
	if err := co.cases.Update(ctx, kase); err != nil {
		_ = co.directory.Release(ctx, candidate.ID)
		return nil, err
	}
	co.emitter.Emit([]string{kase.InitiatedBy, candidate.ID}, notify.EventMediatorAssigned, map[string]any{
		"caseId":     kase.ID,
		"mediatorId": candidate.ID,
	})
	return kase, nil
}

// EvidenceRequest attaches supporting material to a case.
type EvidenceRequest struct {
	Type        string `json:"type" binding:"required"`
	URL         string `json:"url" binding:"required"`
	Description string `json:"description"`
	SubmittedBy string `json:"submittedBy" binding:"required"`
}

// AddEvidence attaches evidence to an unresolved case. Either party or the
// assigned mediator may contribute.
func (co *Coordinator) AddEvidence(ctx context.Context, caseID string, req EvidenceRequest) (*Case, error) {
	kase, err := co.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if kase.Status == CaseResolved {
		return nil, fmt.Errorf("%w: case is resolved", contract.ErrInvalidTransition)
	}

	c, err := co.contracts.Get(ctx, kase.ContractID)
	if err != nil {
		return nil, err
	}
	if req.SubmittedBy != c.Buyer.ID && req.SubmittedBy != c.Seller.ID && req.SubmittedBy != kase.MediatorID {
		return nil, fmt.Errorf("%w: submitter is not involved in this case", contract.ErrValidation)
	}

	kase.Evidence = append(kase.Evidence, contract.Evidence{
		Type:        req.Type,
		URL:         req.URL,
		Description: req.Description,
		SubmittedAt: time.Now(),
		SubmittedBy: req.SubmittedBy,
	})
	kase.UpdatedAt = time.Now()
	if err := co.cases.Update(ctx, kase); err != nil {
		return nil, err
	}
	return kase, nil
}

// ResolveRequest carries the mediator's decision.
type ResolveRequest struct {
	Type             ResolutionType `json:"type" binding:"required"`
	SellerPercentage int            `json:"sellerPercentage"` // split only, 1-99
	Notes            string         `json:"notes"`
	DecidedBy        string         `json:"decidedBy" binding:"required"`
}

// Resolve settles an assigned case. The frozen balance is paid out per the
// decision through the payment-then-ledger protocol; failed legs are safe
// to retry because idempotency keys are derived from the case id. A
// resolved contract ends completed or refunded, never active.
func (co *Coordinator) Resolve(ctx context.Context, caseID string, req ResolveRequest) (*Case, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(caseID))
	defer span.End()

	kase, err := co.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if kase.Status != CaseAssigned {
		return nil, fmt.Errorf("%w: cannot resolve case in status %s",
			contract.ErrInvalidTransition, kase.Status)
	}
	if req.DecidedBy != kase.MediatorID {
		return nil, fmt.Errorf("%w: only the assigned mediator resolves the case", contract.ErrValidation)
	}

	mu := co.contractLock(kase.ContractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := co.contracts.Get(ctx, kase.ContractID)
	if err != nil {
		return nil, err
	}

	remaining := c.FundedAmount - c.ReleasedAmount
	sellerAmount, buyerAmount, err := splitDecision(req, remaining)
	if err != nil {
		return nil, err
	}

	if kase.Resolution == nil {
		kase.Resolution = &Resolution{
			Type:         req.Type,
			SellerAmount: sellerAmount,
			BuyerAmount:  buyerAmount,
			Notes:        req.Notes,
			DecidedBy:    req.DecidedBy,
			DecidedAt:    time.Now(),
		}
	}
	res := kase.Resolution

	// Pay the seller leg, then the buyer leg. Each leg keys on the case
	// id, so a retry after a partial failure never doubles a payout.
	if res.SellerAmount > 0 && res.SellerPayTxID == "" {
		payRes, err := co.gateway.ProcessPayment(ctx, payments.Request{
			Amount:           res.SellerAmount,
			Currency:         c.Currency,
			Provider:         c.PaymentProvider,
			DestinationPhone: c.Seller.Phone,
			IdempotencyKey:   c.ID + ":" + kase.ID + ":release",
			Metadata: map[string]string{
				"contractId": c.ID,
				"caseId":     kase.ID,
				"purpose":    "dispute_release",
			},
		})
		if err != nil {
			co.saveProgress(ctx, kase)
			return kase, err
		}
		res.SellerPayTxID = payRes.TransactionID
		co.saveProgress(ctx, kase)
	}
	if res.BuyerAmount > 0 && res.BuyerPayTxID == "" {
		payRes, err := co.gateway.ProcessPayment(ctx, payments.Request{
			Amount:           res.BuyerAmount,
			Currency:         c.Currency,
			Provider:         c.PaymentProvider,
			DestinationPhone: c.Buyer.Phone,
			IdempotencyKey:   c.ID + ":" + kase.ID + ":refund",
			Metadata: map[string]string{
				"contractId": c.ID,
				"caseId":     kase.ID,
				"purpose":    "dispute_refund",
			},
		})
		if err != nil {
			co.saveProgress(ctx, kase)
			return kase, err
		}
		res.BuyerPayTxID = payRes.TransactionID
		co.saveProgress(ctx, kase)
	}

	// Money has moved; record and close out.
	ledgerTx, err := co.ledger.RecordEscrowEvent(ctx, c.ID, ledgerd.EventDisputeResolved, map[string]any{
		"caseId":       kase.ID,
		"type":         string(res.Type),
		"sellerAmount": res.SellerAmount.Format(),
		"buyerAmount":  res.BuyerAmount.Format(),
	}, c.ID+":"+kase.ID+":resolved")
	if err != nil {
		co.logger.Warn("ledger append failed for resolution, queued for reconciliation",
			"case", kase.ID, "error", err)
		c.PendingLedger = append(c.PendingLedger, contract.PendingLedgerEvent{
			EventType:      ledgerd.EventDisputeResolved,
			IdempotencyKey: c.ID + ":" + kase.ID + ":resolved",
		})
	} else {
		res.LedgerTxID = ledgerTx
		c.LedgerTxIDs = append(c.LedgerTxIDs, ledgerTx)
	}

	now := time.Now()
	c.ReleasedAmount += res.SellerAmount
	if res.SellerAmount > 0 {
		c.Status = contract.StatusCompleted
	} else {
		c.Status = contract.StatusRefunded
	}
	c.CompletedAt = &now
	// The dispute marker travels with the disputed status; the case record
	// keeps the full history once the contract settles.
	c.Dispute = nil
	if err := co.contracts.Update(ctx, c); err != nil {
		return nil, err
	}

	kase.Status = CaseResolved
	kase.ResolvedAt = &now
	kase.UpdatedAt = now
	if err := co.cases.Update(ctx, kase); err != nil {
		return nil, err
	}

	if err := co.directory.Release(ctx, kase.MediatorID); err != nil {
		co.logger.Warn("failed to release mediator", "mediator", kase.MediatorID, "error", err)
	}

	metrics.ContractsTotal.WithLabelValues(string(c.Status)).Inc()
	co.emitter.Emit(c.PartyIDs(), notify.EventDisputeResolved, map[string]any{
		"contractId":   c.ID,
		"caseId":       kase.ID,
		"type":         string(res.Type),
		"sellerAmount": res.SellerAmount.Format(),
		"buyerAmount":  res.BuyerAmount.Format(),
	})
	return kase, nil
}

// GetCase returns a dispute case by id.
func (co *Coordinator) GetCase(ctx context.Context, id string) (*Case, error) {
	return co.cases.Get(ctx, id)
}

// ListOpenCases returns the unresolved mediation queue.
func (co *Coordinator) ListOpenCases(ctx context.Context, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 50
	}
	return co.cases.ListOpen(ctx, limit)
}

// splitDecision turns the decision into seller and buyer legs summing to
// the frozen balance exactly.
func splitDecision(req ResolveRequest, remaining money.Amount) (seller, buyer money.Amount, err error) {
	if remaining <= 0 {
		return 0, 0, fmt.Errorf("%w: nothing remains in escrow to settle", contract.ErrInvalidTransition)
	}
	switch req.Type {
	case ResolutionReleaseRemaining:
		return remaining, 0, nil
	case ResolutionRefundRemaining:
		return 0, remaining, nil
	case ResolutionSplit:
		if req.SellerPercentage <= 0 || req.SellerPercentage >= 100 {
			return 0, 0, fmt.Errorf("%w: split requires sellerPercentage between 1 and 99", contract.ErrValidation)
		}
		parts, splitErr := money.SplitPercentages(remaining, []int{req.SellerPercentage, 100 - req.SellerPercentage})
		if splitErr != nil {
			return 0, 0, fmt.Errorf("%w: %v", contract.ErrValidation, splitErr)
		}
		return parts[0], parts[1], nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown resolution type %q", contract.ErrValidation, req.Type)
	}
}

// saveProgress persists partially settled resolutions so retries skip
// completed legs.
func (co *Coordinator) saveProgress(ctx context.Context, kase *Case) {
	kase.UpdatedAt = time.Now()
	if err := co.cases.Update(ctx, kase); err != nil {
		co.logger.Error("failed to persist resolution progress", "case", kase.ID, "error", err)
	}
}

// recordLedgerQueued appends an event to the ledger, queueing the append
// on the contract when the ledger is down.
func (co *Coordinator) recordLedgerQueued(ctx context.Context, c *contract.Contract, eventType, key string) {
	txID, err := co.ledger.RecordEscrowEvent(ctx, c.ID, eventType, map[string]any{
		"status": string(c.Status),
	}, key)
	if err != nil {
		c.PendingLedger = append(c.PendingLedger, contract.PendingLedgerEvent{
			EventType:      eventType,
			IdempotencyKey: key,
		})
		return
	}
	c.LedgerTxIDs = append(c.LedgerTxIDs, txID)
}
