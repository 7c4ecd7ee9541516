package reconcile

import (
	"github.com/zenith/forensics/internal/core"
)

// Factors are the inputs to the multi-factor confidence score for one
// candidate pairing. Similarities follow their source scales: amount in
// [0,1], vendor and semantic in [0,100].
type Factors struct {
	AmountSimilarity   float64
	TemporalDays       int
	VendorSimilarity   float64
	SemanticSimilarity float64
	InvoiceMatch       bool
	BatchMatch         bool
	Direct             bool
	RiskScore          float64
}

func temporalScore(days int) float64 {
	switch {
	case days <= 1:
		return 1.0
	case days <= 3:
		return 0.9
	case days <= 7:
		return 0.7
	case days <= 14:
		return 0.4
	default:
		return 0.2
	}
}

// Confidence computes the weighted score and its tier. Weights: amount 40%,
// temporal 20%, vendor 10%, semantic 5%; reference bonuses invoice +0.10,
// batch +0.15, direct +0.05; a risk penalty of 0.10·risk capped at 0.10.
// The result is clamped to [0,1].
func Confidence(f Factors) (float64, core.Tier) {
	score := 0.40*f.AmountSimilarity +
		0.20*temporalScore(f.TemporalDays) +
		0.10*(f.VendorSimilarity/100) +
		0.05*(f.SemanticSimilarity/100)

	if f.InvoiceMatch {
		score += 0.10
	}
	if f.BatchMatch {
		score += 0.15
	}
	if f.Direct {
		score += 0.05
	}

	penalty := 0.10 * f.RiskScore
	if penalty > 0.10 {
		penalty = 0.10
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, core.TierFor(score)
}

// perfectAnchorConfidence is assigned when both sides carry the same
// invoice reference, the amounts agree to the cent, and the rows sit within
// one clearing day. Such a pairing identifies the payment on its own, so it
// lands in the perfect tier even without a batch reference.
const perfectAnchorConfidence = 0.96

// applyPerfectAnchor lifts a definitive pairing into TIER_1.
func applyPerfectAnchor(score float64, f Factors, exactAmount bool) (float64, core.Tier) {
	if f.InvoiceMatch && exactAmount && f.TemporalDays <= 1 && score < perfectAnchorConfidence {
		score = perfectAnchorConfidence
	}
	return score, core.TierFor(score)
}
