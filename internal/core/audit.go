package core

import "time"

// ============================================================================
// AUDIT TRAIL
// ============================================================================

// AuditLog is one append-only change record. Entries chain per entity:
// HashSignature covers the record plus the previous entry's signature, so
// recomputing the chain detects any tampering.
type AuditLog struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityType string `json:"entity_type"` // e.g. "transaction", "case", "registry"
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"` // e.g. "FORENSIC_FLAG", "CONFIRM_MATCH"
	FieldName  string `json:"field_name,omitempty"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`

	PreviousHash  string `json:"previous_hash"`
	HashSignature string `json:"hash_signature"`

	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// FRAUD ALERTS
// ============================================================================

// Severity grades alerts. FraudAlert uses Low through Critical; the
// proactive monitor additionally emits Info and Warning notices.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// FraudAlert is a persisted alert derived from trigger evaluation.
type FraudAlert struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AlertType     string    `json:"alert_type"` // e.g. "INFLATION", "STRUCTURING"
	Severity      Severity  `json:"severity"`
	RiskScore     float64   `json:"risk_score"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// ============================================================================
// INTEGRITY REGISTRY
// ============================================================================

// RegistryEntityType classifies what a sealed hash covers.
type RegistryEntityType string

const (
	RegistryDossier        RegistryEntityType = "DOSSIER"
	RegistryExhibit        RegistryEntityType = "EXHIBIT"
	RegistryTransactionSet RegistryEntityType = "TRANSACTION_SET"
)

// RegistryEntry is one row of the sealed-artifact ledger. Entries chain per
// project through PreviousHash; AnchorID is set only when an external anchor
// accepted the hash.
type RegistryEntry struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"project_id"`
	EntityType RegistryEntityType `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	FileHash   string             `json:"file_hash"` // SHA-256, hex

	PreviousHash  string `json:"previous_hash"`
	HashSignature string `json:"hash_signature"`

	AnchorID string    `json:"anchor_id,omitempty"` // empty = registry-only
	SealedAt time.Time `json:"sealed_at"`
	SealedBy string    `json:"sealed_by"`
}

// ============================================================================
// INSIGHTS & TELEMETRY
// ============================================================================

// CopilotInsight is a persisted analytic finding (Benford deviation,
// smurfing burst, leakage forecast) surfaced to investigators.
type CopilotInsight struct {
	ID          string                 `json:"id"`
	ProjectID   string                 `json:"project_id"`
	InsightType string                 `json:"insight_type"` // e.g. "BENFORD_DEVIATION", "SMURFING"
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Confidence  float64                `json:"confidence"` // 0..1
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// UserQueryPattern records operator query telemetry for personalized
// suggestions. One row per (user, project, normalized query).
type UserQueryPattern struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProjectID  string    `json:"project_id"`
	QueryText  string    `json:"query_text"`
	Context    string    `json:"context,omitempty"`
	Frequency  int       `json:"frequency"`
	Successes  int       `json:"successes"`
	Failures   int       `json:"failures"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// SuccessRatio is successes over recorded outcomes, 1.0 when nothing has
// been recorded yet.
func (p *UserQueryPattern) SuccessRatio() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 1.0
	}
	return float64(p.Successes) / float64(total)
}
