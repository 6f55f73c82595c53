package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/money"
	"github.com/agroclear/agroclear/internal/payments"
)

func newTestManager() (*Manager, *MemoryStore, *payments.MockGateway, *ledgerd.MemoryAdapter) {
	store := NewMemoryStore()
	gateway := payments.NewMockGateway()
	ledger := ledgerd.NewMemoryAdapter()
	return NewManager(store, gateway, ledger), store, gateway, ledger
}

func validCreateRequest() CreateRequest {
	return CreateRequest{
		Buyer:           Party{ID: "buyer-1", Name: "Amina", Phone: "+254700000001"},
		Seller:          Party{ID: "seller-1", Name: "Kiprotich", Phone: "+254700000002"},
		ListingID:       "lst_maize42",
		TotalAmount:     "1000.00",
		PaymentProvider: "mpesa",
		Milestones: []MilestoneSpec{
			{Description: "delivery to depot", Percentage: 60, RequiredEvidence: []string{"photo"}},
			{Description: "quality inspection", Percentage: 40},
		},
	}
}

func TestCreateContractSplitsAmounts(t *testing.T) {
	m, _, _, ledger := newTestManager()

	c, err := m.CreateContract(context.Background(), validCreateRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, c.Status)
	assert.Equal(t, money.MustParse("1000.00"), c.TotalAmount)
	assert.Equal(t, "KES", c.Currency)
	require.Len(t, c.Milestones, 2)
	assert.Equal(t, money.MustParse("600.00"), c.Milestones[0].Amount)
	assert.Equal(t, money.MustParse("400.00"), c.Milestones[1].Amount)

	events := ledger.Events(c.ID)
	require.Len(t, events, 1)
	assert.Equal(t, ledgerd.EventContractCreated, events[0].EventType)
	assert.Len(t, c.LedgerTxIDs, 1)
}

func TestCreateContractValidation(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"same party both sides", func(r *CreateRequest) { r.Seller.ID = r.Buyer.ID }},
		{"percentages under 100", func(r *CreateRequest) { r.Milestones[0].Percentage = 50 }},
		{"percentages over 100", func(r *CreateRequest) { r.Milestones[1].Percentage = 50; r.Milestones[0].Percentage = 60 }},
		{"zero percentage", func(r *CreateRequest) { r.Milestones[0].Percentage = 0; r.Milestones[1].Percentage = 100 }},
		{"no milestones", func(r *CreateRequest) { r.Milestones = nil }},
		{"bad amount", func(r *CreateRequest) { r.TotalAmount = "not-money" }},
		{"negative amount", func(r *CreateRequest) { r.TotalAmount = "-5.00" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateRequest()
			tc.mutate(&req)
			_, err := m.CreateContract(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateContractLedgerFailureQueuesPending(t *testing.T) {
	m, _, _, ledger := newTestManager()
	ledger.FailWith(ledgerd.ErrLedgerWrite)

	c, err := m.CreateContract(context.Background(), validCreateRequest())
	require.NoError(t, err) // creation survives a ledger outage

	require.Len(t, c.PendingLedger, 1)
	assert.Equal(t, c.ID+":created", c.PendingLedger[0].IdempotencyKey)
	assert.Empty(t, c.LedgerTxIDs)
}

func TestFundContractActivates(t *testing.T) {
	m, store, gateway, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)

	funded, err := m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, funded.Status)
	assert.Equal(t, funded.TotalAmount, funded.FundedAmount)
	assert.Equal(t, 1, gateway.Calls())

	// Replay with the same key: no state change, no second charge.
	again, err := m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
	assert.Equal(t, 1, gateway.Calls())

	stored, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, funded.TotalAmount, stored.FundedAmount)
}

func TestFundContractGatewayFailureLeavesStateUntouched(t *testing.T) {
	m, store, gateway, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)

	gateway.FailWith(&payments.ProviderError{Provider: "mpesa", Retryable: true, Err: errors.New("timeout")})

	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.Error(t, err)
	assert.True(t, payments.IsRetryable(err))

	stored, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, stored.Status)
	assert.Equal(t, money.Amount(0), stored.FundedAmount)

	// After the provider heals the same key completes the funding.
	gateway.FailWith(nil)
	funded, err := m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, funded.Status)
}

func TestFundContractStampsTimeouts(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()
	req := validCreateRequest()
	req.Milestones[0].AutoRelease = true
	req.Milestones[0].TimeoutHours = 72
	c, err := m.CreateContract(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, c.Milestones[0].TimeoutAt) // clock starts at activation, not creation

	funded, err := m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)
	require.NotNil(t, funded.Milestones[0].TimeoutAt)
	assert.Nil(t, funded.Milestones[1].TimeoutAt)
}

func TestFundContractInvalidStates(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)

	// Funding an already active contract replays as a no-op, even under a
	// fresh key.
	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:2"})
	require.NoError(t, err)

	_, err = m.FundContract(ctx, "ctr_missing", FundRequest{IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FundContract(ctx, c.ID, FundRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	// Terminal states reject funding outright.
	c2, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.CancelContract(ctx, c2.ID, "withdrawn")
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c2.ID, FundRequest{IdempotencyKey: c2.ID + ":fund:1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelUnfundedContract(t *testing.T) {
	m, _, gateway, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)

	cancelled, err := m.CancelContract(ctx, c.ID, "buyer changed mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "buyer changed mind", cancelled.CancelReason)
	assert.Equal(t, 0, gateway.Calls()) // no funds held, no gateway traffic
}

func TestCancelFundedContractRefundsInFull(t *testing.T) {
	m, _, gateway, ledger := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)

	callsBefore := gateway.Calls()
	cancelled, err := m.CancelContract(ctx, c.ID, "crop failure")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, cancelled.Status)
	assert.Equal(t, callsBefore+1, gateway.Calls())

	var sawRefund bool
	for _, ev := range ledger.Events(c.ID) {
		if ev.EventType == ledgerd.EventContractRefunded {
			sawRefund = true
		}
	}
	assert.True(t, sawRefund)
}

func TestCancelRefundFailureParksContract(t *testing.T) {
	m, store, gateway, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)

	gateway.FailWith(&payments.ProviderError{Provider: "mpesa", Retryable: true, Err: errors.New("rail down")})

	parked, err := m.CancelContract(ctx, c.ID, "weather")
	require.Error(t, err)
	require.NotNil(t, parked)
	assert.Equal(t, StatusCancellationPending, parked.Status)
	assert.Equal(t, 1, parked.RefundAttempts)

	// Reconciliation path: after the rail heals, the same derived key
	// completes exactly one refund.
	gateway.FailWith(nil)
	resolved, err := m.RetryCancellation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, resolved.Status)

	stored, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)
}

func TestCancelAfterReleaseRejected(t *testing.T) {
	m, store, _, _ := newTestManager()
	ctx := context.Background()
	c, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c.ID, FundRequest{IdempotencyKey: c.ID + ":fund:1"})
	require.NoError(t, err)

	// Simulate a first milestone release; cancellation must now go
	// through the dispute path instead.
	stored, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	stored.Milestones[0].Status = MilestoneReleased
	stored.ReleasedAmount = stored.Milestones[0].Amount
	require.NoError(t, store.Update(ctx, stored))

	_, err = m.CancelContract(ctx, c.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStats(t *testing.T) {
	m, store, _, _ := newTestManager()
	ctx := context.Background()

	c1, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	_, err = m.FundContract(ctx, c1.ID, FundRequest{IdempotencyKey: c1.ID + ":fund:1"})
	require.NoError(t, err)

	c2, err := m.CreateContract(ctx, validCreateRequest())
	require.NoError(t, err)
	got, err := store.Get(ctx, c2.ID)
	require.NoError(t, err)
	got.Status = StatusCompleted
	got.FundedAmount = got.TotalAmount
	got.ReleasedAmount = got.TotalAmount
	require.NoError(t, store.Update(ctx, got))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveContracts)
	assert.Equal(t, 1, stats.CompletedContracts)
	assert.Equal(t, money.MustParse("1000.00"), stats.HeldValue)
	assert.Equal(t, money.MustParse("1000.00"), stats.ReleasedValue)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)
}
