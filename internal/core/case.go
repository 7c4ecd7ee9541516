package core

import "time"

// ============================================================================
// CASES & EXHIBITS
// ============================================================================

// CaseStatus tracks an investigation container. SEALED is terminal: the
// exhibit set and the final report hash freeze at sealing time.
type CaseStatus string

const (
	CaseNew           CaseStatus = "NEW"
	CaseInvestigating CaseStatus = "INVESTIGATING"
	CaseResolved      CaseStatus = "RESOLVED"
	CaseClosed        CaseStatus = "CLOSED"
	CaseSealed        CaseStatus = "SEALED"
)

// ExhibitKind is the resource class an exhibit points at.
type ExhibitKind string

const (
	ExhibitEntity      ExhibitKind = "ENTITY"
	ExhibitTransaction ExhibitKind = "TRANSACTION"
	ExhibitDocument    ExhibitKind = "DOCUMENT"
)

// ExhibitVerdict is the adjudication state of one piece of evidence.
type ExhibitVerdict string

const (
	VerdictPending  ExhibitVerdict = "PENDING"
	VerdictAdmitted ExhibitVerdict = "ADMITTED"
	VerdictRejected ExhibitVerdict = "REJECTED"
)

// Case groups exhibits under one investigation.
type Case struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      CaseStatus `json:"status"`
	CreatedBy   string     `json:"created_by"`

	// FinalReportHash is set when the dossier is sealed and registered.
	FinalReportHash string     `json:"final_report_hash,omitempty"`
	SealedAt        *time.Time `json:"sealed_at,omitempty"`
	SealedBy        string     `json:"sealed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSealed reports whether the case is frozen against further mutation.
func (c *Case) IsSealed() bool { return c.Status == CaseSealed }

// CaseExhibit is one admitted, rejected, or pending piece of evidence. The
// exhibit number is assigned at creation and never reused.
type CaseExhibit struct {
	ID            string      `json:"id"`
	CaseID        string      `json:"case_id"`
	ExhibitNumber string      `json:"exhibit_number"` // e.g. "EXE-1a2b3c4d"
	Kind          ExhibitKind `json:"kind"`
	ResourceID    string      `json:"resource_id"` // entity, transaction, or document id
	Title         string      `json:"title"`
	Notes         string      `json:"notes,omitempty"`

	Verdict ExhibitVerdict `json:"verdict"`

	// HashSignature is computed over the exhibit content at admission time
	// and anchors the exhibit into the integrity chain.
	HashSignature string `json:"hash_signature,omitempty"`

	AdjudicatedBy string     `json:"adjudicated_by,omitempty"`
	AdjudicatedAt *time.Time `json:"adjudicated_at,omitempty"`

	// AIContradictionNote records an automated objection raised during
	// adjudication, e.g. an exhibit contradicting a confirmed match.
	AIContradictionNote string `json:"ai_contradiction_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
