package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
		ok   bool
	}{
		{"1500.50", 150050, true},
		{"1500.5", 150050, true},
		{"1500", 150000, true},
		{"0.01", 1, true},
		{"0", 0, true},
		{"-1", 0, false},
		{"1.234", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
		{"abc", 0, false},
		{".50", 0, false},
	}

	for _, tc := range tests {
		got, err := Parse(tc.in)
		if !tc.ok {
			assert.Error(t, err, "Parse(%q)", tc.in)
			continue
		}
		require.NoError(t, err, "Parse(%q)", tc.in)
		assert.Equal(t, tc.want, got, "Parse(%q)", tc.in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1500.50", Amount(150050).Format())
	assert.Equal(t, "0.01", Amount(1).Format())
	assert.Equal(t, "0.00", Amount(0).Format())
	assert.Equal(t, "1000.00", FromMajor(1000).Format())
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.01", "999.99", "123456.78"} {
		a, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.Format())
	}
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustParse("250.75"))
	require.NoError(t, err)
	assert.Equal(t, `"250.75"`, string(data))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"250.75"`), &a))
	assert.Equal(t, MustParse("250.75"), a)

	// Minor-unit integers are accepted too
	require.NoError(t, json.Unmarshal([]byte(`25075`), &a))
	assert.Equal(t, MustParse("250.75"), a)
}

func TestSplitPercentages(t *testing.T) {
	parts, err := SplitPercentages(MustParse("1000.00"), []int{60, 40})
	require.NoError(t, err)
	assert.Equal(t, MustParse("600.00"), parts[0])
	assert.Equal(t, MustParse("400.00"), parts[1])
}

func TestSplitPercentagesRemainder(t *testing.T) {
	// 100.01 split three ways cannot divide evenly; the parts must still
	// sum back to the whole.
	total := MustParse("100.01")
	parts, err := SplitPercentages(total, []int{33, 33, 34})
	require.NoError(t, err)

	var sum Amount
	for _, p := range parts {
		sum += p
	}
	assert.Equal(t, total, sum)
}

func TestSplitPercentagesValidation(t *testing.T) {
	_, err := SplitPercentages(FromMajor(100), []int{60, 30})
	assert.Error(t, err)

	_, err = SplitPercentages(FromMajor(100), []int{0, 100})
	assert.Error(t, err)

	_, err = SplitPercentages(FromMajor(100), nil)
	assert.Error(t, err)
}
