package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/milestone"
	"github.com/agroclear/agroclear/internal/money"
	"github.com/agroclear/agroclear/internal/payments"
)

type jobHarness struct {
	job     *Job
	store   *contract.MemoryStore
	engine  *milestone.Engine
	manager *contract.Manager
	gateway *payments.MockGateway
	ledger  *ledgerd.MemoryAdapter
}

func newJobHarness(t *testing.T) *jobHarness {
	t.Helper()
	store := contract.NewMemoryStore()
	gateway := payments.NewMockGateway()
	ledger := ledgerd.NewMemoryAdapter()
	engine := milestone.NewEngine(store, gateway, ledger)
	manager := contract.NewManager(store, gateway, ledger)
	return &jobHarness{
		job:     NewJob(store, engine, manager, ledger).WithBackoff(time.Nanosecond, time.Millisecond),
		store:   store,
		engine:  engine,
		manager: manager,
		gateway: gateway,
		ledger:  ledger,
	}
}

func (h *jobHarness) seedActive(t *testing.T) *contract.Contract {
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
			{ID: "ms_1", Percentage: 100, Amount: money.MustParse("1000.00"), Status: contract.MilestoneEvidenceSubmitted},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Create(context.Background(), c))
	return c
}

func TestRunRepairsStuckRelease(t *testing.T) {
	h := newJobHarness(t)
	h.seedActive(t)
	ctx := context.Background()

	// Payment lands, ledger is down: the release sticks half-done.
	h.ledger.FailWith(ledgerd.ErrLedgerWrite)
	_, err := h.engine.Approve(ctx, "ctr_1", "ms_1", "buyer-1")
	require.NoError(t, err)

	c, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	require.Equal(t, contract.MilestoneApproved, c.Milestone("ms_1").Status)
	require.NotEmpty(t, c.Milestone("ms_1").PaymentTxID)
	callsAfterPayment := h.gateway.Calls()

	// Ledger still down: the run keeps the stuck shape, nothing doubles.
	h.job.Run(ctx)
	c, err = h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneApproved, c.Milestone("ms_1").Status)
	assert.Equal(t, callsAfterPayment, h.gateway.Calls())

	// Ledger heals: the run finishes phase B with no second payment.
	h.ledger.FailWith(nil)
	h.job.Run(ctx)

	c, err = h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, c.Milestone("ms_1").Status)
	assert.NotEmpty(t, c.Milestone("ms_1").LedgerTxID)
	assert.Equal(t, contract.StatusCompleted, c.Status)
	assert.Equal(t, callsAfterPayment, h.gateway.Calls())
	assert.Equal(t, money.MustParse("1000.00"), c.ReleasedAmount)
}

func TestRunRepairsFailedAutoRelease(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()

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
			{ID: "ms_1", Percentage: 100, Amount: money.MustParse("1000.00"),
				Status: contract.MilestonePending, AutoRelease: true},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Create(ctx, c))

	// Rail is down when the evidence lands: the auto-release defers and the
	// milestone parks approved with no payment behind it.
	h.gateway.FailWith(&payments.ProviderError{Provider: "mpesa", Retryable: true, Err: errors.New("rail down")})
	_, err := h.engine.SubmitEvidence(ctx, "ctr_1", "ms_1", milestone.EvidenceRequest{
		Type: "photo", URL: "https://cdn.example/delivery.jpg", SubmittedBy: "seller-1",
	})
	require.NoError(t, err)

	got, err := h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	require.Equal(t, contract.MilestoneApproved, got.Milestone("ms_1").Status)
	require.Empty(t, got.Milestone("ms_1").PaymentTxID)
	require.Equal(t, 1, got.Milestone("ms_1").ReleaseAttempts)

	// The scan must still see it despite the missing payment id.
	stuck, err := h.store.ListStuckReleases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	// Rail heals: the run re-runs the payment under the same release key and
	// finishes the ledger leg.
	h.gateway.FailWith(nil)
	h.job.Run(ctx)

	got, err = h.store.Get(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, got.Milestone("ms_1").Status)
	assert.NotEmpty(t, got.Milestone("ms_1").PaymentTxID)
	assert.NotEmpty(t, got.Milestone("ms_1").LedgerTxID)
	assert.Equal(t, contract.StatusCompleted, got.Status)
	assert.Equal(t, money.MustParse("1000.00"), got.ReleasedAmount)
	assert.Equal(t, 1, h.gateway.Calls())
}

func TestRunCompletesPendingCancellation(t *testing.T) {
	h := newJobHarness(t)
	ctx := context.Background()

	created, err := h.manager.CreateContract(ctx, contract.CreateRequest{
		Buyer:           contract.Party{ID: "buyer-1", Phone: "+254700000001"},
		Seller:          contract.Party{ID: "seller-1", Phone: "+254700000002"},
		TotalAmount:     "500.00",
		PaymentProvider: "mpesa",
		Milestones:      []contract.MilestoneSpec{{Description: "all", Percentage: 100}},
	})
	require.NoError(t, err)
	_, err = h.manager.FundContract(ctx, created.ID, contract.FundRequest{IdempotencyKey: created.ID + ":fund:1"})
	require.NoError(t, err)

	h.gateway.FailWith(&payments.ProviderError{Provider: "mpesa", Retryable: true, Err: errors.New("rail down")})
	_, err = h.manager.CancelContract(ctx, created.ID, "flooded road")
	require.Error(t, err)

	c, err := h.store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancellationPending, c.Status)

	h.gateway.FailWith(nil)
	h.job.Run(ctx)

	c, err = h.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusRefunded, c.Status)
}

func TestRunFlushesPendingLedger(t *testing.T) {
	h := newJobHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	c.PendingLedger = []contract.PendingLedgerEvent{
		{EventType: ledgerd.EventContractCreated, IdempotencyKey: c.ID + ":created"},
		{EventType: ledgerd.EventContractFunded, IdempotencyKey: c.ID + ":fund:1:ledger"},
	}
	require.NoError(t, h.store.Update(ctx, c))

	h.job.Run(ctx)

	got, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingLedger)
	assert.Len(t, got.LedgerTxIDs, 2)
	assert.Len(t, h.ledger.Events(c.ID), 2)

	// Replaying the run is harmless: the keys were consumed.
	h.job.Run(ctx)
	assert.Len(t, h.ledger.Events(c.ID), 2)
}

func TestRunRespectsRetryCap(t *testing.T) {
	h := newJobHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	h.job.WithMaxAttempts(3)
	c.Status = contract.StatusCancellationPending
	c.FundedAmount = money.MustParse("1000.00")
	c.RefundAttempts = 3
	require.NoError(t, h.store.Update(ctx, c))

	h.job.Run(ctx)

	got, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	// Capped items are flagged, not retried.
	assert.Equal(t, contract.StatusCancellationPending, got.Status)
	assert.Equal(t, 3, got.RefundAttempts)
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestSummary(t *testing.T) {
	h := newJobHarness(t)
	c := h.seedActive(t)
	ctx := context.Background()

	c.Milestones[0].Status = contract.MilestoneApproved
	c.Milestones[0].PaymentTxID = "pay_x"
	c.PendingLedger = []contract.PendingLedgerEvent{
		{EventType: ledgerd.EventContractCreated, IdempotencyKey: c.ID + ":created"},
	}
	require.NoError(t, h.store.Update(ctx, c))

	summary, err := h.job.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary["stuckReleases"])
	assert.Equal(t, 0, summary["pendingCancellations"])
	assert.Equal(t, 1, summary["pendingLedger"])
}
