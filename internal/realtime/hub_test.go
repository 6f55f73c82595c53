package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agroclear/agroclear/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: notify.EventMilestoneReleased, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{notify.EventMilestoneReleased, notify.EventDisputeOpened},
	}}

	released := &Event{Type: notify.EventMilestoneReleased}
	disputed := &Event{Type: notify.EventDisputeOpened}
	funded := &Event{Type: notify.EventContractFunded}

	if !h.shouldSend(client, released) {
		t.Error("Should receive milestone.released events")
	}
	if !h.shouldSend(client, disputed) {
		t.Error("Should receive dispute.opened events")
	}
	if h.shouldSend(client, funded) {
		t.Error("Should NOT receive contract.funded events")
	}
}

func TestShouldSend_ContractFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ContractIDs: []string{"ctr_1"},
	}}

	matching := &Event{
		Type: notify.EventMilestoneReleased,
		Data: map[string]any{"contractId": "ctr_1"},
	}
	notMatching := &Event{
		Type: notify.EventMilestoneReleased,
		Data: map[string]any{"contractId": "ctr_2"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match watched contract")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other contracts")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		PartyIDs: []string{"buyer-1"},
	}}

	asBuyer := &Event{
		Type: notify.EventContractFunded,
		Data: map[string]any{"buyerId": "buyer-1", "sellerId": "seller-9"},
	}
	asSeller := &Event{
		Type: notify.EventContractFunded,
		Data: map[string]any{"buyerId": "other", "sellerId": "buyer-1"},
	}
	unrelated := &Event{
		Type: notify.EventContractFunded,
		Data: map[string]any{"buyerId": "x", "sellerId": "y"},
	}

	if !h.shouldSend(client, asBuyer) {
		t.Error("Should match on buyerId")
	}
	if !h.shouldSend(client, asSeller) {
		t.Error("Should match on sellerId")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated parties")
	}
}

func TestBroadcastReachesRegisteredClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 8),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	h.BroadcastEvent(notify.EventMilestoneReleased, map[string]any{"contractId": "ctr_1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected serialized event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("connectedClients = %v, want 1", stats["connectedClients"])
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- client

	cancel()
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}
