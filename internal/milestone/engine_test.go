package milestone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/money"
	"github.com/agroclear/agroclear/internal/payments"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHarness struct {
	engine  *Engine
	store   *contract.MemoryStore
	gateway *payments.MockGateway
	ledger  *ledgerd.MemoryAdapter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := contract.NewMemoryStore()
	gateway := payments.NewMockGateway()
	ledger := ledgerd.NewMemoryAdapter()
	return &testHarness{
		engine:  NewEngine(store, gateway, ledger),
		store:   store,
		gateway: gateway,
		ledger:  ledger,
	}
}

// seedActive creates a fully funded two-milestone contract in active status.
func (h *testHarness) seedActive(t *testing.T) *contract.Contract {
	t.Helper()
	now := time.Now()
	c := &contract.Contract{
		ID:              "ctr_1",
		Buyer:           contract.Party{ID: "buyer-1", Phone: "+254700000001"},
		Seller:          contract.Party{ID: "seller-1", Phone: "+254700000002"},
		TotalAmount:     money.MustParse("1000.00"),
		FundedAmount:    money.MustParse("1000.00"),
		Currency:        "KES",
		PaymentProvider: "mpesa",
		Status:          contract.StatusActive,
		Milestones: []contract.Milestone{
			{
				ID: "ms_1", Description: "delivery to depot", Percentage: 60,
				Amount: money.MustParse("600.00"), RequiredEvidence: []string{"photo", "weighbridge_ticket"},
				Status: contract.MilestonePending,
			},
			{
				ID: "ms_2", Description: "quality inspection", Percentage: 40,
				Amount: money.MustParse("400.00"),
				Status: contract.MilestonePending,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Create(context.Background(), c))
	return c
}

func evidence(evType string) EvidenceRequest {
	return EvidenceRequest{
		Type:        evType,
		URL:         "https://cdn.example.com/" + evType + ".jpg",
		SubmittedBy: "seller-1",
	}
}

func TestEvidenceThenApproveReleases(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	// First evidence type alone does not complete the requirement.
	c, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("photo"))
	require.NoError(t, err)
	assert.Equal(t, contract.MilestonePending, c.Milestone("ms_1").Status)

	c, err = h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("weighbridge_ticket"))
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneEvidenceSubmitted, c.Milestone("ms_1").Status)

	c, err = h.engine.Approve(ctx, "ctr_1", "ms_1", "buyer-1")
	require.NoError(t, err)

	ms := c.Milestone("ms_1")
	assert.Equal(t, contract.MilestoneReleased, ms.Status)
	assert.NotEmpty(t, ms.PaymentTxID)
	assert.NotEmpty(t, ms.LedgerTxID)
	assert.Equal(t, money.MustParse("600.00"), c.ReleasedAmount)
	assert.Equal(t, contract.StatusActive, c.Status) // second milestone still open
	assert.Equal(t, 1, h.gateway.Calls())
}

func TestFullReleaseCompletesContract(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("photo"))
	require.NoError(t, err)
	_, err = h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("weighbridge_ticket"))
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, "ctr_1", "ms_1", "buyer-1")
	require.NoError(t, err)

	_, err = h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
	require.NoError(t, err)
	c, err := h.engine.Approve(ctx, "ctr_1", "ms_2", "buyer-1")
	require.NoError(t, err)

	assert.Equal(t, contract.StatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, c.TotalAmount, c.ReleasedAmount)
	assert.Equal(t, 2, h.gateway.Calls())
}

func TestAutoReleaseOnCompleteEvidence(t *testing.T) {
	h := newHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	c.Milestones[0].AutoRelease = true
	require.NoError(t, h.store.Update(ctx, c))

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("photo"))
	require.NoError(t, err)
	got, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("weighbridge_ticket"))
	require.NoError(t, err)

	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_1").Status)
	assert.Equal(t, 1, h.gateway.Calls())
}

func TestOnlyPartiesActInTheirRoles(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	req := evidence("photo")
	req.SubmittedBy = "buyer-1"
	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", req)
	assert.ErrorIs(t, err, contract.ErrValidation)

	_, err = h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("anything"))
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, "ctr_1", "ms_2", "seller-1")
	assert.ErrorIs(t, err, contract.ErrValidation)
	_, err = h.engine.Reject(ctx, "ctr_1", "ms_2", "seller-1", "bad quality")
	assert.ErrorIs(t, err, contract.ErrValidation)
}

func TestApproveRequiresSubmittedEvidence(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)

	_, err := h.engine.Approve(context.Background(), "ctr_1", "ms_1", "buyer-1")
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)
}

type openerStub struct {
	calls []string
}

func (o *openerStub) OpenDispute(ctx context.Context, contractID, milestoneID, initiatedBy, category, description string) error {
	o.calls = append(o.calls, milestoneID+":"+category)
	return nil
}

func TestThirdRejectionEscalates(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	opener := &openerStub{}
	h.engine.WithDisputeOpener(opener)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
		require.NoError(t, err)
		c, err := h.engine.Reject(ctx, "ctr_1", "ms_2", "buyer-1", "moisture too high")
		require.NoError(t, err)
		assert.Equal(t, i+1, c.Milestone("ms_2").Rejections)
	}

	require.Len(t, opener.calls, 1)
	assert.Equal(t, "ms_2:quality", opener.calls[0])
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestLedgerFailureLeavesRepairableState(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
	require.NoError(t, err)

	h.ledger.FailWith(ledgerd.ErrLedgerWrite)
	c, err := h.engine.Approve(ctx, "ctr_1", "ms_2", "buyer-1")
	require.NoError(t, err) // seller was paid, ledger lag is not the caller's problem

	ms := c.Milestone("ms_2")
	assert.Equal(t, contract.MilestoneApproved, ms.Status)
	assert.NotEmpty(t, ms.PaymentTxID)
	assert.Empty(t, ms.LedgerTxID)
	assert.Equal(t, money.MustParse("400.00"), c.ReleasedAmount)

	stuck, err := h.store.ListStuckReleases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	// After the ledger heals the retry finishes phase B without paying twice.
	h.ledger.FailWith(nil)
	callsBefore := h.gateway.Calls()
	require.NoError(t, h.engine.RetryRelease(ctx, "ctr_1", "ms_2"))

	got, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_2").Status)
	assert.NotEmpty(t, got.Milestone("ms_2").LedgerTxID)
	assert.Equal(t, callsBefore, h.gateway.Calls())
	assert.Equal(t, money.MustParse("400.00"), got.ReleasedAmount) // incremented once, not twice
}

func TestPaymentFailureKeepsApproval(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
	require.NoError(t, err)

	h.gateway.FailWith(&payments.ProviderError{Provider: "mpesa", Retryable: true, Err: errors.New("timeout")})
	c, err := h.engine.Approve(ctx, "ctr_1", "ms_2", "buyer-1")
	require.Error(t, err)
	assert.True(t, payments.IsRetryable(err))

	ms := c.Milestone("ms_2")
	assert.Equal(t, contract.MilestoneApproved, ms.Status)
	assert.Empty(t, ms.PaymentTxID)
	assert.Equal(t, 1, ms.ReleaseAttempts)
	assert.Equal(t, money.Amount(0), c.ReleasedAmount)

	h.gateway.FailWith(nil)
	require.NoError(t, h.engine.RetryRelease(ctx, "ctr_1", "ms_2"))
	got, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_2").Status)
	assert.Equal(t, 1, h.gateway.Calls())
}

func TestDisputeFreezesMilestoneActivity(t *testing.T) {
	h := newHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
	require.NoError(t, err)

	c, err = h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	c.Status = contract.StatusDisputed
	require.NoError(t, h.store.Update(ctx, c))

	_, err = h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", evidence("photo"))
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)
	_, err = h.engine.Approve(ctx, "ctr_1", "ms_2", "buyer-1")
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)
	_, err = h.engine.Reject(ctx, "ctr_1", "ms_2", "buyer-1", "reason")
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)

	// Reconciliation also holds off while the contract is frozen.
	require.NoError(t, h.engine.RetryRelease(ctx, "ctr_1", "ms_2"))
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestApproveExpired(t *testing.T) {
	h := newHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	// Review window still open: nothing happens.
	future := time.Now().Add(time.Hour)
	c.Milestones[1].TimeoutAt = &future
	require.NoError(t, h.store.Update(ctx, c))
	require.NoError(t, h.engine.ApproveExpired(ctx, "ctr_1", "ms_2"))
	assert.Equal(t, 0, h.gateway.Calls())

	// Lapsed with no buyer decision: even a pending milestone escalates.
	c, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	c.Milestones[1].TimeoutAt = &past
	require.NoError(t, h.store.Update(ctx, c))
	require.NoError(t, h.engine.ApproveExpired(ctx, "ctr_1", "ms_2"))

	got, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_2").Status)
	assert.Equal(t, 1, h.gateway.Calls())

	// Re-running is a no-op and issues no second payment.
	require.NoError(t, h.engine.ApproveExpired(ctx, "ctr_1", "ms_2"))
	assert.Equal(t, 1, h.gateway.Calls())
}

func TestTimerScanApprovesExpired(t *testing.T) {
	h := newHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_2", evidence("inspection_report"))
	require.NoError(t, err)
	c, err = h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	c.Milestones[1].TimeoutAt = &past
	require.NoError(t, h.store.Update(ctx, c))

	timer := NewTimer(h.engine, h.store, testLogger())
	timer.scanExpired(ctx)

	got, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_2").Status)
}
