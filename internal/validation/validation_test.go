package validation

import "testing"

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		phone string
		valid bool
	}{
		{"+254712345678", true},
		{"254712345678", true},
		{"+255755123456", true},

		{"0712345678", false}, // leading zero, not E.164
		{"+254", false},       // too short
		{"not-a-phone", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidPhone(tt.phone); got != tt.valid {
			t.Errorf("IsValidPhone(%q) = %v, want %v", tt.phone, got, tt.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	for _, code := range []string{"KES", "TZS", "USD"} {
		if !IsValidCurrency(code) {
			t.Errorf("IsValidCurrency(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"kes", "KESH", "K1S", ""} {
		if IsValidCurrency(code) {
			t.Errorf("IsValidCurrency(%q) = true, want false", code)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyer_phone", ""),
		ValidPhone("seller_phone", "garbage"),
		ValidAmount("total_amount", "0.00"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidAmount(t *testing.T) {
	if err := ValidAmount("amount", "1000.50")(); err != nil {
		t.Errorf("valid amount rejected: %v", err)
	}
	for _, bad := range []string{"1.2.3", ".5", "5.", "1x", "0"} {
		if err := ValidAmount("amount", bad)(); err == nil {
			t.Errorf("ValidAmount(%q) accepted, want rejection", bad)
		}
	}
}
