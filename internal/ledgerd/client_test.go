package ledgerd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_RecordEscrowEvent(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"transactionId":"led_abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	tx, err := c.RecordEscrowEvent(context.Background(), "ctr_1", EventMilestoneReleased,
		map[string]any{"milestoneId": "ms_1"}, "ctr_1:ms_1:release")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx != "led_abc" {
		t.Errorf("tx = %q, want led_abc", tx)
	}
	if gotKey != "ctr_1:ms_1:release" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotPath != "/v1/events" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestClient_WriteFailuresWrapErrLedgerWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	_, err := c.RecordEscrowEvent(context.Background(), "ctr_1", EventContractCreated, nil, "k")
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}

	// Transport failure wraps the same sentinel.
	dead := NewClient("http://127.0.0.1:1", "secret", 200*time.Millisecond)
	_, err = dead.RecordEscrowEvent(context.Background(), "ctr_1", EventContractCreated, nil, "k")
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
}

func TestClient_ReadEscrowState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/contracts/ctr_missing/state" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"active"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)

	state, err := c.ReadEscrowState(context.Background(), "ctr_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state["status"] != "active" {
		t.Errorf("state = %v", state)
	}

	if _, err := c.ReadEscrowState(context.Background(), "ctr_missing"); !errors.Is(err, ErrNotRecorded) {
		t.Errorf("expected ErrNotRecorded, got %v", err)
	}
}

func TestMemoryAdapter_Dedupes(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	tx1, err := m.RecordEscrowEvent(ctx, "ctr_1", EventContractCreated, map[string]any{"v": 1}, "k1")
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := m.RecordEscrowEvent(ctx, "ctr_1", EventContractCreated, map[string]any{"v": 1}, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if tx1 != tx2 {
		t.Errorf("replay created new tx: %s vs %s", tx1, tx2)
	}
	if len(m.Events("ctr_1")) != 1 {
		t.Errorf("expected 1 event, got %d", len(m.Events("ctr_1")))
	}
}
