package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "pembayaran semen", "pembayaran semen", 1.0},
		{"empty left", "", "anything", 0.0},
		{"both empty", "", "", 1.0},
		{"disjoint", "abc", "xyz", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Ratio(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRatioNearMiss(t *testing.T) {
	// One transposed word pair still scores high.
	r := Ratio("pt semen indonesia", "pt semen indonesla")
	assert.Greater(t, r, 0.9)
	assert.Less(t, r, 1.0)
}

func TestPartialRatioSubstring(t *testing.T) {
	r := PartialRatio("pt semen", "trf pt semen indonesia tbk")
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestTokenSortRatioIgnoresOrder(t *testing.T) {
	r := TokenSortRatio("INDONESIA PT SEMEN", "PT SEMEN INDONESIA")
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestTokenSetRatioSubset(t *testing.T) {
	// Shared core tokens dominate even with extra words on one side.
	r := TokenSetRatio("pembayaran material proyek", "pembayaran material proyek tahap dua final")
	assert.GreaterOrEqual(t, r, 0.85)
}

func TestNormalizeVendor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PT. Semen Indonesia Tbk", "semen indonesia"},
		{"CV BERKAH JAYA", "berkah jaya"},
		{"ACME Corp.", "acme"},
		{"plain vendor", "plain vendor"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeVendor(tt.in), tt.in)
	}
}

func TestVendorSimilarity(t *testing.T) {
	r := VendorSimilarity("PT. SEMEN INDONESIA", "TRF PT SEMEN INDONESIA TBK")
	assert.GreaterOrEqual(t, r, 0.9)

	low := VendorSimilarity("PT SEMEN INDONESIA", "CV BERKAH JAYA")
	assert.Less(t, low, 0.5)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float64{1}))
	assert.Equal(t, 0.0, Cosine([]float64{1, 2}, []float64{1}))
}

func TestLongestToken(t *testing.T) {
	assert.Equal(t, "indonesia", LongestToken("PT Semen Indonesia", 4))
	assert.Equal(t, "", LongestToken("a bb cc", 4))
}

func BenchmarkVendorSimilarity(b *testing.B) {
	for i := 0; i < b.N; i++ {
		VendorSimilarity("PT. SEMEN INDONESIA TBK", "TRF PT SEMEN INDONESIA INVOICE INV-2024-001234")
	}
}
