// Package triggers evaluates each ledger row against the forensic rule
// battery: inflation, evidence gaps, personal leakage, fabrication, fuzzy
// duplicates, velocity, cash-channel risk, structuring, geographic anomaly,
// and cross-project recidivism. Rules mutate the row's flags and status,
// accumulate mens-rea narrative, and assign the AML stage; a parallel
// heuristic computes the risk score. Rule failures degrade to a logged skip,
// never an error to the caller.
package triggers

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/textmatch"
)

// Trigger narratives, in the investigators' working language. The strings
// end up in mens_rea_description and in alert payloads, so they stay stable.
const (
	TriggerInflation   = "Penggelembungan"
	TriggerEvidenceGap = "Bukti Tidak Lengkap"
	TriggerPersonal    = "Kebocoran Dana Pribadi"
	TriggerFabrication = "Indikasi Transaksi Fiktif"
	TriggerDuplicate   = "Duplikasi Transaksi"
	TriggerVelocity    = "Velocity Penerima"
	TriggerLargeCash   = "Tunai Besar"
	TriggerStructuring = "Structuring di Bawah Ambang"
	TriggerGeographic  = "Anomali Geografis"
	TriggerRecidivist  = "Residivis Lintas Proyek"
)

// evidenceGapMarkers lock a row until proof arrives (case-insensitive
// substring match on the audit comment).
var evidenceGapMarkers = []string{"butuh bukti", "tidak ada kwitansi", "cek penggunaan"}

// personalKeywords mark leakage to family or private accounts.
var personalKeywords = []string{"keluarga", "pribadi", "lorlun", "saudara", "rek sendiri"}

// cashMarkers identify cash-channel descriptions.
var cashMarkers = []string{"cash", "tunai"}

// redactionMarkers indicate a physically altered ledger line.
var redactionMarkers = []string{"tipex", "ti-pex", "redacted"}

// personalMerchants are consumer platforms that have no business appearing
// in a project ledger.
var personalMerchants = []string{
	"tokopedia", "shopee", "lazada", "bukalapak", "grab", "gojek",
	"traveloka", "indomaret", "alfamart", "telkomsel",
}

// familyAliases are first names tied to the contractor's family circle.
var familyAliases = []string{"faldi", "sandi", "ema", "mama", "clivord"}

// Evaluation is the outcome of one rule-battery pass over a row. The row
// itself is mutated in place; Evaluation summarizes what changed so the
// caller can audit-log and alert.
type Evaluation struct {
	Triggers  []string
	RiskScore float64
	OldStatus core.TxStatus
	Status    core.TxStatus
	AMLStage  core.AMLStage
	Locked    bool
}

// Flagged reports whether the battery left the row flagged or locked.
func (e Evaluation) Flagged() bool {
	return e.Status == core.TxFlagged || e.Status == core.TxLocked
}

// Severity grades the evaluation for alerting.
func (e Evaluation) Severity() core.Severity {
	switch {
	case e.RiskScore >= 0.9:
		return core.SeverityCritical
	case e.RiskScore >= 0.7:
		return core.SeverityHigh
	case e.RiskScore >= 0.5:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

// Engine runs the battery. Same-session lookups (duplicates, velocity,
// recidivism) go through the store; everything else reads the row only.
type Engine struct {
	store  store.Store
	cfg    config.TriggerConfig
	logger *log.Logger
}

// NewEngine builds an engine with the given thresholds.
func NewEngine(s store.Store, cfg config.TriggerConfig) *Engine {
	return &Engine{
		store:  s,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Triggers] ", log.LstdFlags),
	}
}

// Evaluate runs every rule over the row, in precedence order, mutating it in
// place. The project supplies site coordinates for the geographic rule and
// may be nil.
func (e *Engine) Evaluate(ctx context.Context, tx *core.Transaction, project *core.Project) Evaluation {
	eval := Evaluation{OldStatus: tx.Status}

	e.ruleInflation(tx, &eval)
	e.ruleEvidenceGap(tx, &eval)
	e.rulePersonalLeakage(tx, &eval)
	e.ruleFabrication(tx, &eval)
	e.ruleFuzzyDuplicate(ctx, tx, &eval)
	e.ruleVelocity(ctx, tx, &eval)
	e.ruleChannelRisk(tx, &eval)
	e.ruleStructuring(tx, &eval)
	e.ruleGeographic(tx, project, &eval)
	e.ruleRecidivism(ctx, tx, &eval)

	eval.RiskScore = e.heuristicRisk(tx)
	tx.RiskScore = eval.RiskScore

	// Final status: the heuristic can flag on its own, but it never
	// downgrades a lock.
	if eval.RiskScore >= 0.5 && tx.Status != core.TxLocked && tx.Status != core.TxFlagged {
		tx.Status = core.TxFlagged
	}
	eval.Status = tx.Status
	eval.AMLStage = tx.AMLStage
	eval.Locked = tx.Status == core.TxLocked

	for _, trig := range eval.Triggers {
		tx.AppendMensRea(trig)
	}
	return eval
}

// raiseStage moves the row's AML stage only toward higher specificity:
// PLACEMENT < LAYERING < INTEGRATION. Earlier rules keep their assignment
// against equally specific later ones.
func raiseStage(tx *core.Transaction, stage core.AMLStage) {
	if stage.Rank() > tx.AMLStage.Rank() {
		tx.AMLStage = stage
	}
}

func flag(tx *core.Transaction) {
	if tx.Status != core.TxLocked {
		tx.Status = core.TxFlagged
	}
}

// Rule 1: proposed above actual means the budget was inflated.
func (e *Engine) ruleInflation(tx *core.Transaction, eval *Evaluation) {
	delta := tx.InflationDelta()
	tx.DeltaInflation = delta
	if delta.Sign() <= 0 {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStagePlacement)
	eval.Triggers = append(eval.Triggers,
		fmt.Sprintf("%s: selisih %s %s", TriggerInflation, tx.Currency, delta.StringFixed(2)))
}

// Rule 2: auditor comments demanding receipts lock the row.
func (e *Engine) ruleEvidenceGap(tx *core.Transaction, eval *Evaluation) {
	comment := strings.ToLower(tx.AuditComment)
	for _, marker := range evidenceGapMarkers {
		if strings.Contains(comment, marker) {
			tx.NeedsProof = true
			tx.Status = core.TxLocked
			raiseStage(tx, core.AMLStagePlacement)
			eval.Triggers = append(eval.Triggers, TriggerEvidenceGap)
			return
		}
	}
}

// Rule 3: personal-circle keywords reroute the category to XP and mark
// misappropriation.
func (e *Engine) rulePersonalLeakage(tx *core.Transaction, eval *Evaluation) {
	haystack := strings.ToLower(tx.Description + " " + tx.AuditComment)
	hit := tx.Category == core.CategoryPersonal
	for _, kw := range personalKeywords {
		if strings.Contains(haystack, kw) {
			hit = true
			break
		}
	}
	if !hit {
		return
	}
	tx.Category = core.CategoryPersonal
	tx.PotentialMisappropriation = true
	raiseStage(tx, core.AMLStagePlacement)
	eval.Triggers = append(eval.Triggers, TriggerPersonal)
}

// Rule 4: "NGARANG" in the comment is an admission of fabrication.
func (e *Engine) ruleFabrication(tx *core.Transaction, eval *Evaluation) {
	if !strings.Contains(strings.ToUpper(tx.AuditComment), "NGARANG") {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStageLayering)
	eval.Triggers = append(eval.Triggers, TriggerFabrication)
}

// Rule 5: near-identical description and amount within the duplicate window
// marks a circular re-booking.
func (e *Engine) ruleFuzzyDuplicate(ctx context.Context, tx *core.Transaction, eval *Evaluation) {
	window := time.Duration(e.cfg.DuplicateWindowHours) * time.Hour
	others, err := e.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: tx.ProjectID,
		From:      tx.EffectiveDate().Add(-window),
		To:        tx.EffectiveDate().Add(window),
	})
	if err != nil {
		e.logger.Printf("⚠️ duplicate scan skipped: %v", err)
		return
	}
	tol := tx.ActualAmount.Mul(decimal.NewFromFloat(e.cfg.DuplicateAmountTol)).Abs()
	for _, other := range others {
		if other.ID == tx.ID {
			continue
		}
		if textmatch.TokenSetRatio(tx.Description, other.Description) < e.cfg.DuplicateSimilarity {
			continue
		}
		if tx.ActualAmount.Sub(other.ActualAmount).Abs().Cmp(tol) >= 0 {
			continue
		}
		flag(tx)
		tx.IsCircular = true
		raiseStage(tx, core.AMLStageLayering)
		eval.Triggers = append(eval.Triggers, TriggerDuplicate)
		return
	}
}

// Rule 6: three or more other payments to the same receiver inside the
// velocity window.
func (e *Engine) ruleVelocity(ctx context.Context, tx *core.Transaction, eval *Evaluation) {
	if strings.TrimSpace(tx.ReceiverName) == "" {
		return
	}
	window := time.Duration(e.cfg.VelocityWindowHours) * time.Hour
	others, err := e.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID:    tx.ProjectID,
		ReceiverName: tx.ReceiverName,
		From:         tx.EffectiveDate().Add(-window),
		To:           tx.EffectiveDate().Add(window),
	})
	if err != nil {
		e.logger.Printf("⚠️ velocity scan skipped: %v", err)
		return
	}
	count := 0
	for _, other := range others {
		if other.ID != tx.ID {
			count++
		}
	}
	if count < e.cfg.VelocityCount {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStageLayering)
	eval.Triggers = append(eval.Triggers,
		fmt.Sprintf("%s: %d transaksi ke %s", TriggerVelocity, count, tx.ReceiverName))
}

// Rule 7: large cash movement.
func (e *Engine) ruleChannelRisk(tx *core.Transaction, eval *Evaluation) {
	desc := strings.ToLower(tx.Description)
	hit := false
	for _, marker := range cashMarkers {
		if strings.Contains(desc, marker) {
			hit = true
			break
		}
	}
	if !hit || tx.ActualAmount.Cmp(decimal.NewFromFloat(e.cfg.CashThreshold)) <= 0 {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStagePlacement)
	eval.Triggers = append(eval.Triggers, TriggerLargeCash)
}

// Rule 8: amounts parked just under the reporting threshold. The window is
// half-open: the low bound fires, the high bound does not. Annotation only,
// no forced status.
func (e *Engine) ruleStructuring(tx *core.Transaction, eval *Evaluation) {
	low := decimal.NewFromFloat(e.cfg.StructuringLow)
	high := decimal.NewFromFloat(e.cfg.StructuringHigh)
	if tx.ActualAmount.Cmp(low) >= 0 && tx.ActualAmount.Cmp(high) < 0 {
		eval.Triggers = append(eval.Triggers, TriggerStructuring)
	}
}

// Rule 9: spend far from the project site.
func (e *Engine) ruleGeographic(tx *core.Transaction, project *core.Project, eval *Evaluation) {
	if project == nil || !project.HasCoordinates() || !tx.HasCoordinates() {
		return
	}
	dist := core.HaversineKM(*project.SiteLatitude, *project.SiteLongitude, *tx.Latitude, *tx.Longitude)
	if dist < e.cfg.GeoRadiusKM {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStageIntegration)
	eval.Triggers = append(eval.Triggers,
		fmt.Sprintf("%s: %.1f km dari lokasi proyek", TriggerGeographic, dist))
}

// Rule 10: the receiver already carries risk in other engagements.
func (e *Engine) ruleRecidivism(ctx context.Context, tx *core.Transaction, eval *Evaluation) {
	if strings.TrimSpace(tx.ReceiverName) == "" {
		return
	}
	hits, err := e.store.ListRiskyEntitiesByName(ctx, tx.ReceiverName, e.cfg.RecidivistRisk, tx.ProjectID)
	if err != nil {
		e.logger.Printf("⚠️ recidivism lookup skipped: %v", err)
		return
	}
	if len(hits) == 0 {
		return
	}
	flag(tx)
	raiseStage(tx, core.AMLStageIntegration)
	eval.Triggers = append(eval.Triggers,
		fmt.Sprintf("%s: %d proyek lain", TriggerRecidivist, len(hits)))
}

// heuristicRisk is the additive fraud score running beside the rules:
// base 0.05, redaction +0.4, personal merchant +0.3, family alias +0.5,
// misclassification +0.2, clamped to 1.0.
func (e *Engine) heuristicRisk(tx *core.Transaction) float64 {
	score := 0.05
	haystack := strings.ToLower(tx.Description + " " + tx.AuditComment + " " + tx.ReceiverName)

	redacted := tx.IsRedacted
	for _, marker := range redactionMarkers {
		if strings.Contains(haystack, marker) {
			redacted = true
			break
		}
	}
	if redacted {
		tx.IsRedacted = true
		score += 0.4
	}

	personal := false
	for _, merchant := range personalMerchants {
		if strings.Contains(haystack, merchant) {
			personal = true
			break
		}
	}
	if personal {
		score += 0.3
	}

	for _, alias := range familyAliases {
		if containsWord(haystack, alias) {
			score += 0.5
			break
		}
	}

	// Personal signature filed under a non-personal category.
	if personal && tx.Category != core.CategoryPersonal {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// containsWord matches an alias as a whole token, so "ema" does not fire
// inside "cinema".
func containsWord(haystack, word string) bool {
	for _, t := range textmatch.Tokens(haystack) {
		if t == word {
			return true
		}
	}
	return false
}
