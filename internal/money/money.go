// Package money provides fixed-point currency amounts.
//
// Amounts are stored as int64 minor units (1 KES = 100 units). All
// arithmetic is integer arithmetic; percentage splits distribute rounding
// remainders so the parts always sum back to the whole.
package money

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decimals is the number of minor-unit digits (cents).
const Decimals = 2

const minorPerMajor = 100

// Amount is a currency amount in minor units.
type Amount int64

// FromMajor converts whole currency units to an Amount (1000 -> "1000.00").
func FromMajor(major int64) Amount {
	return Amount(major * minorPerMajor)
}

// Parse converts a decimal string (e.g. "1500.50") to minor units.
//
// Rules:
//   - Negative amounts are rejected
//   - At most one decimal point, at most 2 fractional digits
//   - "1500", "1500.5" and "1500.50" all parse
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("money: negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" || len(frac) > Decimals {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var total int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("money: invalid amount %q", s)
		}
		digit := int64(c - '0')
		if total > (1<<63-1-digit)/10 {
			return 0, fmt.Errorf("money: amount %q overflows", s)
		}
		total = total*10 + digit
	}
	return Amount(total), nil
}

// MustParse is Parse for trusted literals; it panics on invalid input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders the amount as a decimal string with exactly 2 decimal
// places (e.g. "1500.50").
func (a Amount) Format() string {
	neg := a < 0
	abs := int64(a)
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/minorPerMajor, abs%minorPerMajor)
	if neg {
		return "-" + s
	}
	return s
}

// String implements fmt.Stringer.
func (a Amount) String() string { return a.Format() }

// MarshalJSON renders the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Format())
}

// UnmarshalJSON accepts a decimal string or a bare minor-unit integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := Parse(s)
		if perr != nil {
			return perr
		}
		*a = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("money: invalid JSON amount %s", data)
	}
	*a = Amount(n)
	return nil
}

// SplitPercentages divides total into len(percentages) parts. Percentages
// must be positive and sum to 100. Rounding remainders are distributed by
// largest remainder, so the parts always sum exactly to total.
func SplitPercentages(total Amount, percentages []int) ([]Amount, error) {
	if len(percentages) == 0 {
		return nil, fmt.Errorf("money: no percentages")
	}
	sum := 0
	for _, p := range percentages {
		if p <= 0 {
			return nil, fmt.Errorf("money: percentage must be positive, got %d", p)
		}
		sum += p
	}
	if sum != 100 {
		return nil, fmt.Errorf("money: percentages sum to %d, want 100", sum)
	}

	parts := make([]Amount, len(percentages))
	remainders := make([]int64, len(percentages))
	var allocated int64
	for i, p := range percentages {
		scaled := int64(total) * int64(p)
		parts[i] = Amount(scaled / 100)
		remainders[i] = scaled % 100
		allocated += scaled / 100
	}

	// Hand the leftover minor units to the largest remainders, first come
	// first served on ties.
	for leftover := int64(total) - allocated; leftover > 0; leftover-- {
		best := 0
		for i, r := range remainders {
			if r > remainders[best] {
				best = i
			}
		}
		parts[best]++
		remainders[best] = -1
	}
	return parts, nil
}
