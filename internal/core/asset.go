package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// ASSETS
// ============================================================================

// AssetType classifies a recoverable asset.
type AssetType string

const (
	AssetProperty  AssetType = "PROPERTY"
	AssetVehicle   AssetType = "VEHICLE"
	AssetAccount   AssetType = "ACCOUNT"
	AssetEquipment AssetType = "EQUIPMENT"
	AssetOther     AssetType = "OTHER"
)

// Asset is a holding attributed to an entity, tracked for recovery. The
// purchase date feeds the temporal-nexus correlation against suspect
// transactions.
type Asset struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id,omitempty"`
	OwnerEntityID  string          `json:"owner_entity_id"`
	Type           AssetType       `json:"type"`
	Description    string          `json:"description"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	Currency       string          `json:"currency"`
	IsFrozen       bool            `json:"is_frozen"`
	PurchaseDate   *time.Time      `json:"purchase_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ============================================================================
// PROJECT PLAN
// ============================================================================

// MilestonePhase orders construction phases for anachronism checks.
type MilestonePhase string

const (
	PhaseFoundation MilestonePhase = "FOUNDATION"
	PhaseStructure  MilestonePhase = "STRUCTURE"
	PhaseRoofing    MilestonePhase = "ROOFING"
	PhaseFinishing  MilestonePhase = "FINISHING"
)

// Milestone is one planned slice of the engagement's work.
type Milestone struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name"`
	Phase        MilestonePhase  `json:"phase"`
	PlannedStart time.Time       `json:"planned_start"`
	PlannedEnd   time.Time       `json:"planned_end"`
	BudgetAmount decimal.Decimal `json:"budget_amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BudgetLine allocates part of a milestone's budget to one category.
type BudgetLine struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	MilestoneID   string          `json:"milestone_id,omitempty"`
	Category      Category        `json:"category"`
	Description   string          `json:"description,omitempty"`
	PlannedAmount decimal.Decimal `json:"planned_amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ============================================================================
// INGESTION RECORDS
// ============================================================================

// IngestionStatus tracks one file's trip through the pipeline.
type IngestionStatus string

const (
	IngestionProcessing IngestionStatus = "processing"
	IngestionCompleted  IngestionStatus = "completed"
	IngestionFailed     IngestionStatus = "failed"
)

// IngestionKind distinguishes ledger uploads from bank statements.
type IngestionKind string

const (
	KindLedger    IngestionKind = "ledger"
	KindStatement IngestionKind = "statement"
)

// IngestionRecord is the bookkeeping row for one ingested file. Warnings
// keep the first entries only; QualityScore derives from the warning count
// at completion.
type IngestionRecord struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"project_id"`
	Source           string          `json:"source"` // file name or upload label
	Kind             IngestionKind   `json:"kind"`
	Status           IngestionStatus `json:"status"`
	RecordsProcessed int             `json:"records_processed"`
	RecordsSkipped   int             `json:"records_skipped"`
	WarningCount     int             `json:"warning_count"`
	QualityScore     float64         `json:"quality_score"` // 0..100
	Warnings         []string        `json:"warnings,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// QualityScoreFor derives a file's quality from its warning count:
// 100 minus two points per warning, floored at zero.
func QualityScoreFor(warnings int) float64 {
	score := 100 - 2*float64(warnings)
	if score < 0 {
		score = 0
	}
	return score
}
