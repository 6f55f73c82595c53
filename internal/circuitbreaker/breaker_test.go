package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("mpesa")
	}
	if !b.Allow("mpesa") {
		t.Fatal("breaker should still be closed below threshold")
	}

	b.RecordFailure("mpesa")
	if b.Allow("mpesa") {
		t.Fatal("breaker should be open after threshold failures")
	}
	if b.State("mpesa") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("mpesa"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("mpesa")

	if b.Allow("mpesa") {
		t.Error("mpesa circuit should be open")
	}
	if !b.Allow("stripe") {
		t.Error("stripe circuit should be unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("mpesa")

	time.Sleep(20 * time.Millisecond)

	if !b.Allow("mpesa") {
		t.Fatal("expected half-open probe to be allowed")
	}
	if b.Allow("mpesa") {
		t.Fatal("second request during probe should be rejected")
	}

	b.RecordSuccess("mpesa")
	if b.State("mpesa") != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State("mpesa"))
	}
	if !b.Allow("mpesa") {
		t.Fatal("closed circuit should allow requests")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("mpesa")
	time.Sleep(20 * time.Millisecond)

	if !b.Allow("mpesa") {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure("mpesa")

	if b.State("mpesa") != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State("mpesa"))
	}
}
