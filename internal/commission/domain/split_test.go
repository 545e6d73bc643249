package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSplitScenarios(t *testing.T) {
	cases := []struct {
		name       string
		gross      int64
		rate       string
		commission int64
		net        int64
	}{
		{"100.00 at 0.2", 10000, "0.2", 2000, 8000},
		{"9.99 at 0.25", 999, "0.25", 250, 749},
		{"4.99 tokens at 0.20", 499, "0.20", 100, 399},
		{"zero rate", 999, "0", 0, 999},
		{"full rate", 999, "1", 999, 0},
		{"half cent rounds up", 5, "0.1", 1, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split := ComputeSplit(tc.gross, decimal.RequireFromString(tc.rate))
			assert.Equal(t, tc.commission, split.Commission)
			assert.Equal(t, tc.net, split.Net)
		})
	}
}

func TestComputeSplitAlwaysBalances(t *testing.T) {
	rates := []string{"0", "0.01", "0.125", "0.15", "0.2", "0.333", "0.5", "0.999", "1"}
	for _, raw := range rates {
		rate := decimal.RequireFromString(raw)
		for gross := int64(0); gross <= 2000; gross += 7 {
			split := ComputeSplit(gross, rate)
			if split.Net+split.Commission != gross {
				t.Fatalf("gross %d rate %s: net %d + commission %d != gross", gross, raw, split.Net, split.Commission)
			}
			exact := decimal.NewFromInt(gross).Mul(rate)
			diff := exact.Sub(decimal.NewFromInt(split.Commission)).Abs()
			if diff.GreaterThan(decimal.RequireFromString("0.5")) {
				t.Fatalf("gross %d rate %s: commission %d drifts from %s", gross, raw, split.Commission, exact)
			}
			if split.Net < 0 || split.Commission < 0 {
				t.Fatalf("gross %d rate %s: negative split", gross, raw)
			}
		}
	}
}

func TestParseRate(t *testing.T) {
	rate, err := ParseRate("0.15")
	require.NoError(t, err)
	assert.Equal(t, "0.15", rate.String())

	for _, raw := range []string{"-0.1", "1.01", "abc", ""} {
		_, err := ParseRate(raw)
		assert.ErrorIs(t, err, ErrInvalidRate, raw)
	}
}
