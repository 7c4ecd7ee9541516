// Package reconcile pairs ledger rows with bank statement lines. Four
// matchers run in order over a project: direct (amount + window + reference
// factors), aggregate ("Minimal Arus Uang": several vouchers summing to one
// bank entry), proportional (standard tax and fee ratios), and fuzzy-vector
// (embedding cosine). Confirmation is a separate, idempotent step.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/currency"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/textmatch"
)

// eligibleStatuses are the ledger states the matchers consider.
var eligibleStatuses = []core.TxStatus{core.TxPending, core.TxFlagged}

// fuzzyVectorThreshold is the minimum embedding cosine for a fuzzy match.
const fuzzyVectorThreshold = 0.85

// proportionalRatios are the standard overhead combinations between a
// ledger figure and the banked amount.
var proportionalRatios = []float64{
	1.0,  // perfect
	1.11, // VAT
	0.98, // PPh 23
	1.09, // VAT - PPh 23
	1.02, // markup 2%
}

const proportionalRelTol = 0.001

// Matcher generates candidate matches. It never mutates ledger or bank
// rows; persistence of its output is the service's job.
type Matcher struct {
	store  store.Store
	fx     *currency.Service
	sem    semantic.Service
	logger *log.Logger
}

// NewMatcher wires the matcher's collaborators.
func NewMatcher(s store.Store, fx *currency.Service, sem semantic.Service) *Matcher {
	return &Matcher{
		store:  s,
		fx:     fx,
		sem:    sem,
		logger: log.New(log.Writer(), "[Reconcile] ", log.LstdFlags),
	}
}

// Suggest runs all four matchers over the project and returns the new
// candidate matches. Pairs that already have a persisted match are skipped.
func (m *Matcher) Suggest(ctx context.Context, project *core.Project) ([]*core.ReconciliationMatch, error) {
	settings := project.EffectiveSettings()

	internal, err := m.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: project.ID,
		Statuses:  eligibleStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: ledger rows: %w", err)
	}
	banks, err := m.store.ListBankTransactions(ctx, store.BankFilter{ProjectID: project.ID})
	if err != nil {
		return nil, fmt.Errorf("reconcile: bank rows: %w", err)
	}
	existing, err := m.store.ListMatches(ctx, store.MatchFilter{ProjectID: project.ID})
	if err != nil {
		return nil, fmt.Errorf("reconcile: existing matches: %w", err)
	}

	seenPair := make(map[string]bool, len(existing))
	matchedLedger := make(map[string]bool, len(existing))
	for _, ex := range existing {
		seenPair[ex.InternalTxID+"|"+ex.BankTxID] = true
		matchedLedger[ex.InternalTxID] = true
	}

	var out []*core.ReconciliationMatch
	add := func(match *core.ReconciliationMatch) {
		key := match.InternalTxID + "|" + match.BankTxID
		if seenPair[key] {
			return
		}
		seenPair[key] = true
		matchedLedger[match.InternalTxID] = true
		match.ID = uuid.NewString()
		match.ProjectID = project.ID
		match.CreatedAt = time.Now().UTC()
		out = append(out, match)
	}

	for _, b := range banks {
		channel := DetectChannel(b.Description)
		windowDays := ChannelWindowDays(channel, settings.ClearingWindowDays)

		m.directPass(ctx, b, internal, channel, windowDays, settings, add)
		m.aggregatePass(b, internal, settings, add)
	}

	m.proportionalPass(internal, banks, matchedLedger, add)
	m.fuzzyVectorPass(internal, banks, matchedLedger, add)

	m.logger.Printf("📊 Project %s: %d candidate matches (%d ledger, %d bank rows)",
		project.Code, len(out), len(internal), len(banks))
	return out, nil
}

// directPass compares each eligible ledger row against one bank row under
// the channel's clearing window and scores the survivors.
func (m *Matcher) directPass(
	ctx context.Context,
	b *core.BankTransaction,
	internal []*core.Transaction,
	channel string,
	windowDays int,
	settings core.ReconciliationSettings,
	add func(*core.ReconciliationMatch),
) {
	tolerance := settings.AmountTolerancePercent / 100.0
	bankRefs := ExtractInvoiceRef(b.Description)

	for _, l := range internal {
		converted := b.Amount
		if !strings.EqualFold(currencyOf(l.Currency), currencyOf(b.Currency)) {
			var err error
			converted, err = m.fx.Convert(ctx, b.Amount, b.Currency, l.Currency, nil)
			if err != nil {
				m.logger.Printf("⚠️ FX %s→%s unavailable, skipping pair: %v", b.Currency, l.Currency, err)
				continue
			}
		}

		variance := l.ActualAmount.Sub(converted).Abs()
		varianceF := variance.InexactFloat64()
		actualF := l.ActualAmount.InexactFloat64()
		exactAmount := varianceF < 0.01
		amountOK := exactAmount || (actualF > 0 && varianceF/actualF < tolerance)
		if !amountOK {
			continue
		}

		diff := absDuration(l.EffectiveDate().Sub(b.EffectiveDate()))
		if diff > time.Duration(windowDays)*24*time.Hour {
			continue
		}
		days := int(diff.Hours() / 24)

		internalRef := ExtractInvoiceRef(l.Description)
		invoiceMatch := internalRef != "" && bankRefs != "" && internalRef == bankRefs
		batchMatch := l.BatchReference != "" && b.BatchReference != "" &&
			l.BatchReference == b.BatchReference

		vendorSim := 0.0
		if l.ReceiverName != "" && b.Description != "" {
			vendorSim = textmatch.VendorSimilarity(l.ReceiverName, b.Description) * 100
		}

		amountSim := 1.0
		if actualF > 0 {
			amountSim = 1.0 - math.Min(1.0, varianceF/actualF)
		} else if !exactAmount {
			amountSim = 0.0
		}

		semanticSim := 0.0
		if l.Description != "" && b.Description != "" {
			if s, err := m.sem.Similarity(ctx, l.Description, b.Description); err == nil {
				semanticSim = s * 100
			}
		}

		factors := Factors{
			AmountSimilarity:   amountSim,
			TemporalDays:       days,
			VendorSimilarity:   vendorSim,
			SemanticSimilarity: semanticSim,
			InvoiceMatch:       invoiceMatch,
			BatchMatch:         batchMatch,
			Direct:             true,
			RiskScore:          l.RiskScore,
		}
		confidence, _ := Confidence(factors)
		confidence, tier := applyPerfectAnchor(confidence, factors, exactAmount)
		gate := core.GateFor(tier, l.RiskScore)

		parts := []string{
			fmt.Sprintf("AmtΔ%.0f", varianceF),
			fmt.Sprintf("%dd (Window:%dd)", days, windowDays),
			"Channel:" + channel,
		}
		if invoiceMatch {
			parts = append(parts, "INV:"+internalRef)
		}
		if batchMatch {
			parts = append(parts, "BATCH:"+l.BatchReference)
		}
		if vendorSim > 80 {
			parts = append(parts, fmt.Sprintf("Vendor:%.0f%%", vendorSim))
		}
		if semanticSim > 80 {
			parts = append(parts, fmt.Sprintf("Semantic:%.0f%%", semanticSim))
		}
		parts = append(parts, string(tier), string(gate))

		add(&core.ReconciliationMatch{
			InternalTxID:    l.ID,
			BankTxID:        b.ID,
			ConfidenceScore: confidence,
			MatchType:       core.MatchDirect,
			AIReasoning:     strings.Join(parts, " | "),
		})
	}
}

// aggregatePass implements the "Minimal Arus Uang" logic: vendor, payroll,
// and fee vouchers near the bank date are accumulated largest-first until
// their sum lands on the banked amount.
func (m *Matcher) aggregatePass(
	b *core.BankTransaction,
	internal []*core.Transaction,
	settings core.ReconciliationSettings,
	add func(*core.ReconciliationMatch),
) {
	var vpf []*core.Transaction
	for _, t := range internal {
		switch t.Category {
		case core.CategoryVendor, core.CategoryPayroll, core.CategoryFee:
			vpf = append(vpf, t)
		}
	}
	sort.Slice(vpf, func(i, j int) bool {
		return vpf[i].ActualAmount.GreaterThan(vpf[j].ActualAmount)
	})

	window := time.Duration(settings.BatchWindowDays) * 24 * time.Hour
	cap := b.Amount.Add(decimal.NewFromFloat(0.01))
	tolerance := decimal.NewFromFloat(1.0)

	sum := decimal.Zero
	var group []*core.Transaction
	for _, t := range vpf {
		if absDuration(t.EffectiveDate().Sub(b.EffectiveDate())) > window {
			continue
		}
		if sum.Add(t.ActualAmount).LessThanOrEqual(cap) {
			sum = sum.Add(t.ActualAmount)
			group = append(group, t)
		}
		if sum.Sub(b.Amount).Abs().LessThan(tolerance) {
			for _, member := range group {
				add(&core.ReconciliationMatch{
					InternalTxID:    member.ID,
					BankTxID:        b.ID,
					ConfidenceScore: 0.9,
					MatchType:       core.MatchAggregate,
					AIReasoning: fmt.Sprintf(
						"Matched as part of aggregate flow sum (%d items) to bank entry %s",
						len(group), b.ID),
				})
			}
			return
		}
	}
}

// proportionalPass strips standard tax and fee overheads: a ledger figure
// that is a known ratio of a banked amount is still the same payment.
func (m *Matcher) proportionalPass(
	internal []*core.Transaction,
	banks []*core.BankTransaction,
	matchedLedger map[string]bool,
	add func(*core.ReconciliationMatch),
) {
	for _, l := range internal {
		if matchedLedger[l.ID] {
			continue
		}
		actual := l.ActualAmount.InexactFloat64()
	bankScan:
		for _, b := range banks {
			banked := b.Amount.InexactFloat64()
			for _, r := range proportionalRatios {
				if isClose(actual, banked*r, proportionalRelTol) {
					add(&core.ReconciliationMatch{
						InternalTxID:    l.ID,
						BankTxID:        b.ID,
						ConfidenceScore: 0.9,
						MatchType:       core.MatchProportional,
						AIReasoning:     fmt.Sprintf("Stripped overhead (ratio %g)", r),
					})
					break bankScan
				}
			}
		}
	}
}

// fuzzyVectorPass matches remaining ledger rows to their closest bank row
// by embedding cosine.
func (m *Matcher) fuzzyVectorPass(
	internal []*core.Transaction,
	banks []*core.BankTransaction,
	matchedLedger map[string]bool,
	add func(*core.ReconciliationMatch),
) {
	for _, l := range internal {
		if matchedLedger[l.ID] || len(l.Embedding) == 0 {
			continue
		}
		bestScore := 0.0
		var best *core.BankTransaction
		for _, b := range banks {
			if len(b.Embedding) == 0 {
				continue
			}
			if score := textmatch.Cosine(l.Embedding, b.Embedding); score > bestScore {
				bestScore = score
				best = b
			}
		}
		if best != nil && bestScore >= fuzzyVectorThreshold {
			add(&core.ReconciliationMatch{
				InternalTxID:    l.ID,
				BankTxID:        best.ID,
				ConfidenceScore: bestScore,
				MatchType:       core.MatchFuzzyVector,
				AIReasoning:     fmt.Sprintf("Semantic similarity: %.2f", bestScore),
			})
		}
	}
}

func currencyOf(code string) string {
	if code == "" {
		return core.DefaultCurrency
	}
	return code
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// isClose mirrors a relative-tolerance comparison: |a-b| within rel·max(|a|,|b|).
func isClose(a, b, rel float64) bool {
	return math.Abs(a-b) <= rel*math.Max(math.Abs(a), math.Abs(b))
}
