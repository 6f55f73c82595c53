package contract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agroclear/agroclear/internal/idgen"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/metrics"
	"github.com/agroclear/agroclear/internal/money"
	"github.com/agroclear/agroclear/internal/notify"
	"github.com/agroclear/agroclear/internal/payments"
	"github.com/agroclear/agroclear/internal/traces"
)

// MaxMilestones bounds milestone count per contract.
const MaxMilestones = 20

// MilestoneSpec describes one milestone in a creation request.
type MilestoneSpec struct {
	Description      string   `json:"description" binding:"required"`
	Percentage       int      `json:"percentage" binding:"required"`
	RequiredEvidence []string `json:"requiredEvidence"`
	AutoRelease      bool     `json:"autoRelease"`
	TimeoutHours     int      `json:"timeoutHours"`
}

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	Buyer              Party           `json:"buyer" binding:"required"`
	Seller             Party           `json:"seller" binding:"required"`
	ListingID          string          `json:"listingId"`
	ProductDescription string          `json:"productDescription"`
	TotalAmount        string          `json:"totalAmount" binding:"required"`
	Currency           string          `json:"currency"`
	PaymentProvider    string          `json:"paymentProvider" binding:"required"`
	Milestones         []MilestoneSpec `json:"milestones" binding:"required"`
}

// FundRequest contains the parameters for funding a contract.
type FundRequest struct {
	// IdempotencyKey is caller-supplied so a retried funding attempt is
	// deduplicated by the payment provider, e.g. "{contractId}:fund:1".
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
}

// Manager creates, funds, and cancels escrow contracts.
type Manager struct {
	store           Store
	gateway         payments.Gateway
	ledger          ledgerd.Adapter
	emitter         *notify.Emitter
	logger          *slog.Logger
	defaultCurrency string
	locks           sync.Map // per-contract ID locks against in-process races
}

// NewManager creates a new contract manager.
func NewManager(store Store, gateway payments.Gateway, ledger ledgerd.Adapter) *Manager {
	return &Manager{
		store:           store,
		gateway:         gateway,
		ledger:          ledger,
		logger:          slog.Default(),
		defaultCurrency: "KES",
	}
}

// WithLogger sets a structured logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithEmitter sets the notification emitter.
func (m *Manager) WithEmitter(e *notify.Emitter) *Manager {
	m.emitter = e
	return m
}

// WithDefaultCurrency sets the currency used when a request omits one.
func (m *Manager) WithDefaultCurrency(code string) *Manager {
	m.defaultCurrency = code
	return m
}

// contractLock returns a mutex for the given contract ID. In-process
// serialization; cross-process writers are caught by version conflicts.
func (m *Manager) contractLock(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateContract validates terms and persists a new contract in created
// status. The initial ledger record is best-effort: on failure the contract
// is still persisted and the append is queued for reconciliation.
func (m *Manager) CreateContract(ctx context.Context, req CreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Create")
	defer span.End()

	if req.Buyer.ID == "" || req.Seller.ID == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrValidation)
	}
	if req.Buyer.ID == req.Seller.ID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrValidation)
	}
	if len(req.Milestones) == 0 || len(req.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("%w: milestone count must be between 1 and %d", ErrValidation, MaxMilestones)
	}

	total, err := money.Parse(req.TotalAmount)
	if err != nil || total <= 0 {
		return nil, fmt.Errorf("%w: invalid total amount %q", ErrValidation, req.TotalAmount)
	}

	percentages := make([]int, len(req.Milestones))
	for i, ms := range req.Milestones {
		percentages[i] = ms.Percentage
	}
	amounts, err := money.SplitPercentages(total, percentages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for i, a := range amounts {
		if a <= 0 {
			return nil, fmt.Errorf("%w: milestone %d amount is not positive", ErrValidation, i)
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = m.defaultCurrency
	}

	now := time.Now()
	c := &Contract{
		ID:                 idgen.WithPrefix("ctr_"),
		Buyer:              req.Buyer,
		Seller:             req.Seller,
		ListingID:          req.ListingID,
		ProductDescription: req.ProductDescription,
		TotalAmount:        total,
		Currency:           currency,
		PaymentProvider:    req.PaymentProvider,
		Status:             StatusCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, spec := range req.Milestones {
		c.Milestones = append(c.Milestones, Milestone{
			ID:               idgen.WithPrefix("ms_"),
			Description:      spec.Description,
			Percentage:       spec.Percentage,
			Amount:           amounts[i],
			RequiredEvidence: spec.RequiredEvidence,
			AutoRelease:      spec.AutoRelease,
			TimeoutHours:     spec.TimeoutHours,
			Status:           MilestonePending,
		})
	}

	if err := m.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist contract: %w", err)
	}

	m.recordLedger(ctx, c, ledgerd.EventContractCreated, c.ID+":created")
	if err := m.store.Update(ctx, c); err != nil {
		// Freshly created; a conflict here means an external writer won.
		m.logger.Warn("failed to attach creation ledger record", "contract", c.ID, "error", err)
	}

	metrics.ContractsTotal.WithLabelValues(string(StatusCreated)).Inc()
	m.emitter.Emit(c.PartyIDs(), notify.EventContractCreated, map[string]any{
		"contractId":  c.ID,
		"totalAmount": c.TotalAmount.Format(),
		"currency":    c.Currency,
	})

	return c, nil
}

// FundContract collects the outstanding balance from the buyer through the
// payment gateway. The idempotency key is caller-supplied so a retry of a
// transient failure reuses it and cannot double-charge.
func (m *Manager) FundContract(ctx context.Context, id string, req FundRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Fund", traces.ContractID(id))
	defer span.End()

	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	mu := m.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// A replay of funding that already went through (caller lost the
	// response) must come back as a no-op, even after activation.
	remaining := c.TotalAmount - c.FundedAmount
	if remaining <= 0 && (c.Status == StatusFunded || c.Status == StatusActive) {
		return c, nil
	}

	if c.Status != StatusCreated && c.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot fund contract in status %s", ErrInvalidTransition, c.Status)
	}

	// Gateway failure returns without mutating state: the caller may retry
	// with the same key, or give up with the contract still fundable.
	res, err := m.gateway.ProcessPayment(ctx, payments.Request{
		Amount:           remaining,
		Currency:         c.Currency,
		Provider:         c.PaymentProvider,
		DestinationPhone: c.Buyer.Phone,
		IdempotencyKey:   req.IdempotencyKey,
		Metadata: map[string]string{
			"contractId": c.ID,
			"purpose":    "escrow_funding",
		},
	})
	if err != nil {
		return nil, err
	}

	c.FundedAmount += remaining
	c.Status = StatusFunded
	if c.FundedAmount >= c.TotalAmount {
		m.activate(c)
	}
	m.recordLedger(ctx, c, ledgerd.EventContractFunded, req.IdempotencyKey+":ledger")

	if err := m.store.Update(ctx, c); err != nil {
		// Funds are held; the record must converge. Retry once, then
		// surface for manual resolution rather than guessing compensation.
		if retryErr := m.store.Update(ctx, c); retryErr != nil {
			m.logger.Error("CRITICAL: funding collected but contract update failed",
				"contract", c.ID, "paymentTx", res.TransactionID, "error", retryErr)
			return nil, fmt.Errorf("contract funded but record update failed (requires manual resolution): %w", err)
		}
	}

	metrics.ContractsTotal.WithLabelValues(string(c.Status)).Inc()
	event := notify.EventContractFunded
	if c.Status == StatusActive {
		event = notify.EventContractActive
	}
	m.emitter.Emit(c.PartyIDs(), event, map[string]any{
		"contractId":   c.ID,
		"fundedAmount": c.FundedAmount.Format(),
		"paymentTxId":  res.TransactionID,
	})

	return c, nil
}

// activate moves a fully funded contract to active and starts milestone
// timeout clocks. Milestone amounts were fixed at creation.
func (m *Manager) activate(c *Contract) {
	c.Status = StatusActive
	now := time.Now()
	for i := range c.Milestones {
		ms := &c.Milestones[i]
		if ms.TimeoutHours > 0 && ms.TimeoutAt == nil {
			deadline := now.Add(time.Duration(ms.TimeoutHours) * time.Hour)
			ms.TimeoutAt = &deadline
		}
	}
}

// CancelContract cancels a contract before milestone releases begin.
// An unfunded contract cancels directly with no gateway call. A funded
// contract is refunded in full first; if the refund fails the contract is
// parked in cancellation_pending for the reconciliation job.
func (m *Manager) CancelContract(ctx context.Context, id, reason string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Cancel", traces.ContractID(id))
	defer span.End()

	mu := m.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case StatusCreated, StatusFunded, StatusCancellationPending:
	case StatusActive:
		// Once any milestone money has moved, cancellation must go
		// through dispute resolution.
		if c.ReleasedAmount > 0 {
			return nil, fmt.Errorf("%w: releases have begun, open a dispute instead", ErrInvalidTransition)
		}
	default:
		return nil, fmt.Errorf("%w: cannot cancel contract in status %s", ErrInvalidTransition, c.Status)
	}

	if reason != "" {
		c.CancelReason = reason
	}

	if c.FundedAmount == 0 {
		c.Status = StatusCancelled
		m.recordLedger(ctx, c, ledgerd.EventContractCancelled, c.ID+":cancelled")
		if err := m.store.Update(ctx, c); err != nil {
			return nil, err
		}
		metrics.ContractsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		m.emitter.Emit(c.PartyIDs(), notify.EventContractCancelled, map[string]any{
			"contractId": c.ID, "reason": c.CancelReason,
		})
		return c, nil
	}

	refunded, err := m.refundFunded(ctx, c)
	if err != nil {
		return refunded, err
	}
	return refunded, nil
}

// refundFunded issues the full refund of FundedAmount to the buyer and
// finalizes the cancellation. The idempotency key is derived from the
// contract id alone so every retry, caller- or reconciliation-driven,
// deduplicates to one refund.
func (m *Manager) refundFunded(ctx context.Context, c *Contract) (*Contract, error) {
	res, err := m.gateway.ProcessPayment(ctx, payments.Request{
		Amount:           c.FundedAmount,
		Currency:         c.Currency,
		Provider:         c.PaymentProvider,
		DestinationPhone: c.Buyer.Phone,
		IdempotencyKey:   c.ID + ":refund",
		Metadata: map[string]string{
			"contractId": c.ID,
			"purpose":    "cancellation_refund",
		},
	})
	if err != nil {
		now := time.Now()
		c.Status = StatusCancellationPending
		c.RefundAttempts++
		c.LastRefundAttempt = &now
		if updErr := m.store.Update(ctx, c); updErr != nil {
			m.logger.Error("failed to park contract in cancellation_pending",
				"contract", c.ID, "error", updErr)
		}
		metrics.RefundsTotal.WithLabelValues("failed").Inc()
		return c, err
	}

	c.Status = StatusRefunded
	m.recordLedger(ctx, c, ledgerd.EventContractRefunded, c.ID+":refund:ledger")
	if err := m.store.Update(ctx, c); err != nil {
		if retryErr := m.store.Update(ctx, c); retryErr != nil {
			m.logger.Error("CRITICAL: refund issued but contract update failed",
				"contract", c.ID, "refundTx", res.TransactionID, "error", retryErr)
			return nil, fmt.Errorf("refund issued but record update failed (requires manual resolution): %w", err)
		}
	}

	metrics.ContractsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.RefundsTotal.WithLabelValues("ok").Inc()
	m.emitter.Emit(c.PartyIDs(), notify.EventContractRefunded, map[string]any{
		"contractId": c.ID,
		"amount":     c.FundedAmount.Format(),
		"refundTxId": res.TransactionID,
	})
	return c, nil
}

// RetryCancellation re-attempts the refund of a cancellation_pending
// contract. Called by the reconciliation job.
func (m *Manager) RetryCancellation(ctx context.Context, id string) (*Contract, error) {
	mu := m.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusCancellationPending {
		return c, nil // resolved by another writer
	}
	return m.refundFunded(ctx, c)
}

// GetContract returns a contract by ID.
func (m *Manager) GetContract(ctx context.Context, id string) (*Contract, error) {
	return m.store.Get(ctx, id)
}

// ListContractsByParty returns contracts where the party is buyer or seller.
func (m *Manager) ListContractsByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListByParty(ctx, partyID, limit)
}

// recordLedger appends an event to the external ledger, best-effort.
// On failure the append is queued on the contract for reconciliation,
// keyed by the same idempotency key.
func (m *Manager) recordLedger(ctx context.Context, c *Contract, eventType, idempotencyKey string) {
	payload := map[string]any{
		"status":         string(c.Status),
		"totalAmount":    c.TotalAmount.Format(),
		"fundedAmount":   c.FundedAmount.Format(),
		"releasedAmount": c.ReleasedAmount.Format(),
	}
	txID, err := m.ledger.RecordEscrowEvent(ctx, c.ID, eventType, payload, idempotencyKey)
	if err != nil {
		m.logger.Warn("ledger append failed, queued for reconciliation",
			"contract", c.ID, "event", eventType, "error", err)
		c.PendingLedger = append(c.PendingLedger, PendingLedgerEvent{
			EventType:      eventType,
			IdempotencyKey: idempotencyKey,
		})
		return
	}
	c.LedgerTxIDs = append(c.LedgerTxIDs, txID)
}
