// Package core defines the domain model shared by every engine component:
// audit projects, resolved entities, ledger and bank rows, reconciliation
// matches, and the enums that classify them. Monetary values are decimals;
// scores and similarities are floats in [0,1].
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is assumed whenever a row arrives without a currency code.
const DefaultCurrency = "IDR"

// ============================================================================
// PROJECT
// ============================================================================

// ProjectStatus tracks the lifecycle of an audit engagement.
type ProjectStatus string

const (
	ProjectAuditMode ProjectStatus = "audit_mode" // under active forensic review
	ProjectActive    ProjectStatus = "active"
	ProjectStalled   ProjectStatus = "stalled"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is a single audit engagement: one contract, one ledger, one or
// more bank statements. The code is unique and immutable after creation.
type Project struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Code           string          `json:"code"` // e.g. "PRJ-SULSEL-2024"
	ContractValue  decimal.Decimal `json:"contract_value"`
	ContractorName string          `json:"contractor_name,omitempty"`
	Status         ProjectStatus   `json:"status"`
	StartDate      *time.Time      `json:"start_date,omitempty"`
	EndDate        *time.Time      `json:"end_date,omitempty"`

	// Site coordinates anchor the geographic anomaly checks. Both are nil
	// when the engagement has no physical site.
	SiteLatitude  *float64 `json:"site_latitude,omitempty"`
	SiteLongitude *float64 `json:"site_longitude,omitempty"`

	// Settings override the engine defaults for this engagement only.
	Settings *ReconciliationSettings `json:"settings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the project carries a usable site location.
func (p *Project) HasCoordinates() bool {
	return p.SiteLatitude != nil && p.SiteLongitude != nil
}

// ReconciliationSettings are the per-project matcher tolerances.
type ReconciliationSettings struct {
	ClearingWindowDays     int     `json:"clearing_window_days"`     // fallback when channel is unknown
	AmountTolerancePercent float64 `json:"amount_tolerance_percent"` // relative variance accepted as equal
	BatchWindowDays        int     `json:"batch_window_days"`        // aggregate matcher date span
	AutoConfirmThreshold   float64 `json:"auto_confirm_threshold"`
	BalanceGapThreshold    float64 `json:"balance_gap_threshold"` // currency units before a ghost row is inferred
}

// DefaultReconciliationSettings returns the engine-wide defaults applied when
// a project carries no overrides.
func DefaultReconciliationSettings() ReconciliationSettings {
	return ReconciliationSettings{
		ClearingWindowDays:     7,
		AmountTolerancePercent: 0.5,
		BatchWindowDays:        10,
		AutoConfirmThreshold:   0.98,
		BalanceGapThreshold:    1000,
	}
}

// EffectiveSettings resolves the project's settings against the defaults.
// Zero-valued overrides fall back field by field so a partial settings blob
// never disables a tolerance outright.
func (p *Project) EffectiveSettings() ReconciliationSettings {
	def := DefaultReconciliationSettings()
	if p == nil || p.Settings == nil {
		return def
	}
	s := *p.Settings
	if s.ClearingWindowDays <= 0 {
		s.ClearingWindowDays = def.ClearingWindowDays
	}
	if s.AmountTolerancePercent <= 0 {
		s.AmountTolerancePercent = def.AmountTolerancePercent
	}
	if s.BatchWindowDays <= 0 {
		s.BatchWindowDays = def.BatchWindowDays
	}
	if s.AutoConfirmThreshold <= 0 {
		s.AutoConfirmThreshold = def.AutoConfirmThreshold
	}
	if s.BalanceGapThreshold <= 0 {
		s.BalanceGapThreshold = def.BalanceGapThreshold
	}
	return s
}

// ============================================================================
// ENTITY
// ============================================================================

// EntityType classifies a resolved party.
type EntityType string

const (
	EntityPerson      EntityType = "person"
	EntityCompany     EntityType = "company"
	EntityBankAccount EntityType = "bank_account"
	EntityUnknown     EntityType = "unknown"
)

// Entity is a canonical party resolved from the free-text sender and
// receiver strings on ledger rows. Entities are created by the resolver,
// mutated only through resolver upserts and risk propagation, and never
// deleted.
type Entity struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id,omitempty"` // empty = global entity
	Name      string     `json:"name"`                 // canonical spelling, indexed
	Type      EntityType `json:"type"`
	RiskScore float64    `json:"risk_score"` // 0..1
	Watchlist bool       `json:"watchlist"`
	Metadata  Metadata   `json:"metadata"`
	Embedding []float64  `json:"embedding,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ============================================================================
// LEDGER TRANSACTIONS
// ============================================================================

// TxStatus is the review state of a ledger row.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFlagged   TxStatus = "flagged"
	TxMatched   TxStatus = "matched"
	TxLocked    TxStatus = "locked" // frozen until evidence arrives
)

// VerificationStatus records the human verdict on a row.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationExcluded   VerificationStatus = "EXCLUDED"
)

// AMLStage is the laundering phase inferred from triggers. The zero value
// means no stage has been assigned.
type AMLStage string

const (
	AMLStageNone        AMLStage = ""
	AMLStagePlacement   AMLStage = "PLACEMENT"
	AMLStageLayering    AMLStage = "LAYERING"
	AMLStageIntegration AMLStage = "INTEGRATION"
)

// Rank orders stages by specificity. A stage assignment only ever moves the
// row to a strictly higher rank.
func (s AMLStage) Rank() int {
	switch s {
	case AMLStagePlacement:
		return 1
	case AMLStageLayering:
		return 2
	case AMLStageIntegration:
		return 3
	default:
		return 0
	}
}

// Category is the bookkeeping class of a ledger row.
type Category string

const (
	CategoryPersonal Category = "XP"  // personal expenditure, leakage suspect
	CategoryVendor   Category = "V"   // vendor payment
	CategoryPayroll  Category = "P"   // payroll
	CategoryFee      Category = "F"   // fees and financing charges
	CategoryUnknown  Category = "U"   // unclassified or inferred
	CategoryMaterial Category = "MAT" // material procurement, kept apart from payroll
)

// Transaction is a single ledger row after ingestion. The engine mutates it
// in three places only: trigger evaluation, reconciliation confirmation, and
// the manual verification action.
type Transaction struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// Amounts. ProposedAmount is the budgeted figure; ActualAmount is what
	// the ledger says moved. DeltaInflation is maintained by the trigger
	// engine as max(0, proposed - actual).
	ProposedAmount decimal.Decimal `json:"proposed_amount"`
	ActualAmount   decimal.Decimal `json:"actual_amount"`
	DeltaInflation decimal.Decimal `json:"delta_inflation"`
	Currency       string          `json:"currency"`

	// Parties. Names are the raw strings from the source file; the entity
	// ids are filled in once the resolver has canonicalized them.
	SenderName       string `json:"sender_name"`
	ReceiverName     string `json:"receiver_name"`
	SenderEntityID   string `json:"sender_entity_id,omitempty"`
	ReceiverEntityID string `json:"receiver_entity_id,omitempty"`

	Description  string   `json:"description"`
	Category     Category `json:"category"`
	Account      string   `json:"account,omitempty"` // source account label
	AuditComment string   `json:"audit_comment,omitempty"`

	// Timestamp is when the row was booked; TransactionDate overrides it
	// when the source file carries a separate value date.
	Timestamp       time.Time  `json:"timestamp"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`

	RiskScore          float64            `json:"risk_score"`
	Status             TxStatus           `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	AMLStage           AMLStage           `json:"aml_stage,omitempty"`

	BatchReference string `json:"batch_reference,omitempty"`

	// EncryptedNote holds the investigator's sealed working note. Only the
	// security layer can open it; the engine treats it as opaque bytes.
	EncryptedNote []byte `json:"encrypted_note,omitempty"`

	// Trigger flags.
	IsRedacted                bool `json:"is_redacted"`
	PotentialMisappropriation bool `json:"potential_misappropriation"`
	IsCircular                bool `json:"is_circular"`
	NeedsProof                bool `json:"needs_proof"`
	IsInferred                bool `json:"is_inferred"` // synthesized from a balance gap

	// MensRea accumulates trigger descriptions, deduped, joined by "; ".
	MensRea string `json:"mens_rea_description,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Metadata  Metadata  `json:"metadata"`
	Embedding []float64 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveDate returns the value date when present, the booking timestamp
// otherwise. All matcher windows are computed against this.
func (t *Transaction) EffectiveDate() time.Time {
	if t.TransactionDate != nil && !t.TransactionDate.IsZero() {
		return *t.TransactionDate
	}
	return t.Timestamp
}

// HasCoordinates reports whether the row carries a usable location.
func (t *Transaction) HasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// InflationDelta computes max(0, proposed - actual) without touching the
// stored field.
func (t *Transaction) InflationDelta() decimal.Decimal {
	d := t.ProposedAmount.Sub(t.ActualAmount)
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}

// AppendMensRea adds a trigger description to the accumulated narrative,
// skipping exact duplicates. Returns true when the entry was new.
func (t *Transaction) AppendMensRea(reason string) bool {
	if reason == "" {
		return false
	}
	if t.MensRea == "" {
		t.MensRea = reason
		return true
	}
	for _, existing := range splitMensRea(t.MensRea) {
		if existing == reason {
			return false
		}
	}
	t.MensRea = t.MensRea + "; " + reason
	return true
}

func splitMensRea(s string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ';' && s[i+1] == ' ' {
			out = append(out, s[start:i])
			start = i + 2
			i++
		}
	}
	out = append(out, s[start:])
	return out
}

// ============================================================================
// BANK TRANSACTIONS
// ============================================================================

// BankDirection distinguishes statement debits from credits.
type BankDirection string

const (
	BankDebit  BankDirection = "DEBIT"
	BankCredit BankDirection = "CREDIT"
)

// BankTransaction is a statement line. Rows are immutable once ingested;
// only the reconciliation layer references them afterwards.
type BankTransaction struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Amount        decimal.Decimal `json:"amount"` // always positive, see Direction
	Currency      string          `json:"currency"`
	Direction     BankDirection   `json:"direction"`
	BankName      string          `json:"bank_name,omitempty"`
	AccountNumber string          `json:"account_number,omitempty"`
	Description   string          `json:"description"`

	// Balance is the running balance printed on the statement, used for
	// gap reconstruction. Absent on statements that omit the column.
	Balance *decimal.Decimal `json:"balance,omitempty"`

	Timestamp      time.Time  `json:"timestamp"`
	BookingDate    *time.Time `json:"booking_date,omitempty"`
	BatchReference string     `json:"batch_reference,omitempty"`
	Embedding      []float64  `json:"embedding,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// EffectiveDate returns the booking date when present, the statement
// timestamp otherwise.
func (b *BankTransaction) EffectiveDate() time.Time {
	if b.BookingDate != nil && !b.BookingDate.IsZero() {
		return *b.BookingDate
	}
	return b.Timestamp
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// MatchType identifies which matcher produced a pairing.
type MatchType string

const (
	MatchDirect       MatchType = "direct"
	MatchAggregate    MatchType = "aggregate"
	MatchFuzzyVector  MatchType = "fuzzy_vector"
	MatchProportional MatchType = "proportional"
	MatchSemantic     MatchType = "semantic"
)

// Tier buckets a confidence score for human triage.
type Tier string

const (
	Tier1Perfect  Tier = "TIER_1_PERFECT"  // >= 0.95
	Tier2Strong   Tier = "TIER_2_STRONG"   // >= 0.85
	Tier3Probable Tier = "TIER_3_PROBABLE" // >= 0.70
	Tier4Weak     Tier = "TIER_4_WEAK"
)

// TierFor maps a confidence score to its triage bucket.
func TierFor(confidence float64) Tier {
	switch {
	case confidence >= 0.95:
		return Tier1Perfect
	case confidence >= 0.85:
		return Tier2Strong
	case confidence >= 0.70:
		return Tier3Probable
	default:
		return Tier4Weak
	}
}

// AutoGate is the auto-confirmation decision attached to a match.
type AutoGate string

const (
	GateAutoOK      AutoGate = "AUTO_OK"
	GateReview      AutoGate = "REVIEW"
	GateInvestigate AutoGate = "INVESTIGATE"
)

// GateFor derives the gate from tier and the ledger row's risk score.
func GateFor(tier Tier, riskScore float64) AutoGate {
	switch {
	case tier == Tier1Perfect:
		return GateAutoOK
	case tier == Tier2Strong && riskScore < 0.3:
		return GateAutoOK
	case tier == Tier3Probable:
		return GateReview
	default:
		return GateInvestigate
	}
}

// ReconciliationMatch pairs one ledger row with one bank row. Matches start
// unconfirmed; confirmation is idempotent and flips the ledger row to
// matched.
type ReconciliationMatch struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	InternalTxID    string     `json:"internal_tx_id"`
	BankTxID        string     `json:"bank_tx_id"`
	ConfidenceScore float64    `json:"confidence_score"` // 0..1
	Confirmed       bool       `json:"confirmed"`
	MatchedAt       *time.Time `json:"matched_at,omitempty"`
	MatchType       MatchType  `json:"match_type"`

	// AIReasoning is the structured factor trail, e.g.
	// "AmtΔ0.00 | 1d (Window:1d) | Channel:RTGS | INV:REF001234 | Vendor:96% | TIER_1_PERFECT | AUTO_OK".
	AIReasoning string `json:"ai_reasoning"`

	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// OWNERSHIP GRAPH
// ============================================================================

// RelationshipType labels a corporate ownership edge.
type RelationshipType string

const (
	RelShareholder     RelationshipType = "SHAREHOLDER"
	RelDirector        RelationshipType = "DIRECTOR"
	RelBeneficialOwner RelationshipType = "BENEFICIAL_OWNER"
)

// Ownership is a directed edge parent -> child in the corporate graph.
// StakePercentage is 0..100; non-shareholder relationships may carry zero.
type Ownership struct {
	ID              string           `json:"id"`
	ParentEntityID  string           `json:"parent_entity_id"`
	ChildEntityID   string           `json:"child_entity_id"`
	Relationship    RelationshipType `json:"relationship_type"`
	StakePercentage float64          `json:"stake_percentage"`
	CreatedAt       time.Time        `json:"created_at"`
}
