package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zenith/forensics/internal/core"
)

func TestConfidenceWeights(t *testing.T) {
	// Perfect amount and same-day landing with no references:
	// 0.40 + 0.20 = 0.60.
	score, tier := Confidence(Factors{AmountSimilarity: 1.0, TemporalDays: 0})
	assert.InDelta(t, 0.60, score, 1e-9)
	assert.Equal(t, core.Tier4Weak, tier)

	// Vendor and semantic ride on a 0..100 scale.
	score, _ = Confidence(Factors{
		AmountSimilarity:   1.0,
		TemporalDays:       0,
		VendorSimilarity:   100,
		SemanticSimilarity: 100,
	})
	assert.InDelta(t, 0.75, score, 1e-9)
}

func TestConfidenceTemporalTiers(t *testing.T) {
	tests := []struct {
		name string
		days int
		want float64
	}{
		{"same or next day", 1, 1.0},
		{"within three days", 3, 0.9},
		{"within a week", 7, 0.7},
		{"within two weeks", 14, 0.4},
		{"stale", 15, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _ := Confidence(Factors{TemporalDays: tt.days})
			assert.InDelta(t, 0.20*tt.want, score, 1e-9)
		})
	}
}

func TestConfidenceReferenceBonuses(t *testing.T) {
	base := Factors{AmountSimilarity: 1.0, TemporalDays: 0}
	baseScore, _ := Confidence(base)

	withInvoice := base
	withInvoice.InvoiceMatch = true
	score, _ := Confidence(withInvoice)
	assert.InDelta(t, baseScore+0.10, score, 1e-9)

	withBatch := base
	withBatch.BatchMatch = true
	score, _ = Confidence(withBatch)
	assert.InDelta(t, baseScore+0.15, score, 1e-9)

	withDirect := base
	withDirect.Direct = true
	score, _ = Confidence(withDirect)
	assert.InDelta(t, baseScore+0.05, score, 1e-9)

	// All three stack to 0.90, TIER_2.
	all := base
	all.InvoiceMatch, all.BatchMatch, all.Direct = true, true, true
	score, tier := Confidence(all)
	assert.InDelta(t, 0.90, score, 1e-9)
	assert.Equal(t, core.Tier2Strong, tier)
}

func TestConfidenceRiskPenaltyCapped(t *testing.T) {
	clean := Factors{AmountSimilarity: 1.0, TemporalDays: 0, BatchMatch: true}
	dirty := clean
	dirty.RiskScore = 1.0
	cleanScore, _ := Confidence(clean)
	dirtyScore, _ := Confidence(dirty)
	assert.InDelta(t, 0.10, cleanScore-dirtyScore, 1e-9)

	// A risk above 1.0 still costs at most 0.10.
	worse := clean
	worse.RiskScore = 5.0
	worseScore, _ := Confidence(worse)
	assert.InDelta(t, dirtyScore, worseScore, 1e-9)
}

func TestConfidenceClamped(t *testing.T) {
	// Nothing going for it plus maximum risk stays at zero.
	score, tier := Confidence(Factors{TemporalDays: 30, RiskScore: 1.0})
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Equal(t, core.Tier4Weak, tier)

	// Everything stacked tops out at 1.0.
	score, tier = Confidence(Factors{
		AmountSimilarity:   1.0,
		TemporalDays:       0,
		VendorSimilarity:   100,
		SemanticSimilarity: 100,
		InvoiceMatch:       true,
		BatchMatch:         true,
		Direct:             true,
	})
	assert.LessOrEqual(t, score, 1.0)
	assert.Equal(t, core.Tier1Perfect, tier)
}

func TestApplyPerfectAnchor(t *testing.T) {
	f := Factors{AmountSimilarity: 1.0, TemporalDays: 1, InvoiceMatch: true, Direct: true}
	score, _ := Confidence(f)
	assert.Less(t, score, 0.95, "weighted score alone stays below TIER_1")

	lifted, tier := applyPerfectAnchor(score, f, true)
	assert.InDelta(t, perfectAnchorConfidence, lifted, 1e-9)
	assert.Equal(t, core.Tier1Perfect, tier)

	// No lift without the exact amount.
	same, tier := applyPerfectAnchor(score, f, false)
	assert.InDelta(t, score, same, 1e-9)
	assert.Equal(t, core.Tier2Strong, tier)

	// No lift outside the one-day window.
	late := f
	late.TemporalDays = 2
	same, _ = applyPerfectAnchor(score, late, true)
	assert.InDelta(t, score, same, 1e-9)
}
