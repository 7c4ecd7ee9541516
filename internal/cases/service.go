// Package cases manages investigation containers: a case groups exhibits
// (entities, transactions, documents) through adjudication and ends with a
// sealed dossier. Admitting an entity exhibit propagates risk to the
// entity; sealing freezes the exhibit set and registers the final report
// in the integrity registry.
package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/store"
)

// admittedRiskStep is added to an entity's risk when one of its exhibits is
// admitted, capped at 1.0.
const admittedRiskStep = 0.2

// watchlistRisk is the score at which an entity goes on the watchlist.
const watchlistRisk = 0.8

// Service runs the case lifecycle.
type Service struct {
	store    store.Store
	bus      *events.Bus
	registry *integrity.Registry
	audit    *integrity.ChainLogger
	logger   *log.Logger
}

// New wires the case service.
func New(s store.Store, bus *events.Bus, registry *integrity.Registry, audit *integrity.ChainLogger) *Service {
	return &Service{
		store:    s,
		bus:      bus,
		registry: registry,
		audit:    audit,
		logger:   log.New(log.Writer(), "[Cases] ", log.LstdFlags),
	}
}

// Create opens a new case under a project.
func (s *Service) Create(ctx context.Context, projectID, title, description, createdBy string) (*core.Case, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("cases: empty title")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &core.Case{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      core.CaseNew,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	s.bus.Emit(ctx, events.CaseCreated, projectID, map[string]interface{}{
		"case_id": c.ID,
		"title":   c.Title,
	})
	s.logger.Printf("📁 case %s opened: %s", c.ID, c.Title)
	return c, nil
}

// AddExhibit attaches a piece of evidence to an open case. The referenced
// resource must exist; exhibit numbers are assigned once and never reused.
func (s *Service) AddExhibit(ctx context.Context, caseID string, kind core.ExhibitKind, resourceID, title, notes string) (*core.CaseExhibit, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.IsSealed() {
		return nil, store.ErrSealed
	}
	if err := s.resourceExists(ctx, kind, resourceID); err != nil {
		return nil, err
	}

	e := &core.CaseExhibit{
		ID:            uuid.NewString(),
		CaseID:        caseID,
		ExhibitNumber: newExhibitNumber(),
		Kind:          kind,
		ResourceID:    resourceID,
		Title:         title,
		Notes:         notes,
		Verdict:       core.VerdictPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.AddExhibit(ctx, e); err != nil {
		return nil, fmt.Errorf("add exhibit: %w", err)
	}

	if c.Status == core.CaseNew {
		c.Status = core.CaseInvestigating
		c.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateCase(ctx, c); err != nil {
			s.logger.Printf("⚠️ case %s not moved to investigating: %v", c.ID, err)
		}
	}

	s.bus.Emit(ctx, events.EvidenceAdded, c.ProjectID, map[string]interface{}{
		"case_id":        caseID,
		"exhibit_id":     e.ID,
		"exhibit_number": e.ExhibitNumber,
		"kind":           string(kind),
	})
	return e, nil
}

// Adjudicate records a verdict on an exhibit. Admission hashes the exhibit
// into the integrity chain; an admitted entity exhibit raises the entity's
// risk and watchlists it past the threshold.
func (s *Service) Adjudicate(ctx context.Context, exhibitID string, verdict core.ExhibitVerdict, actor string) (*core.CaseExhibit, error) {
	if verdict != core.VerdictAdmitted && verdict != core.VerdictRejected {
		return nil, fmt.Errorf("cases: verdict %q is not adjudicable", verdict)
	}
	e, err := s.store.GetExhibit(ctx, exhibitID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCase(ctx, e.CaseID)
	if err != nil {
		return nil, err
	}
	if c.IsSealed() {
		return nil, store.ErrSealed
	}
	if e.Verdict != core.VerdictPending {
		return nil, fmt.Errorf("cases: exhibit %s already adjudicated as %s", e.ExhibitNumber, e.Verdict)
	}

	now := time.Now().UTC()
	e.Verdict = verdict
	e.AdjudicatedBy = actor
	e.AdjudicatedAt = &now

	if verdict == core.VerdictAdmitted {
		sig, err := exhibitSignature(e)
		if err != nil {
			return nil, fmt.Errorf("exhibit hash: %w", err)
		}
		e.HashSignature = sig
		s.noteContradiction(ctx, e)
	}

	if err := s.store.UpdateExhibit(ctx, e); err != nil {
		return nil, fmt.Errorf("adjudicate: %w", err)
	}

	if err := s.audit.Append(ctx, &core.AuditLog{
		ProjectID:  c.ProjectID,
		EntityType: "exhibit",
		EntityID:   e.ID,
		Action:     "ADJUDICATE_EXHIBIT",
		FieldName:  "verdict",
		OldValue:   string(core.VerdictPending),
		NewValue:   string(verdict),
		ActorID:    actor,
	}); err != nil {
		return nil, fmt.Errorf("adjudicate audit: %w", err)
	}

	if verdict == core.VerdictAdmitted && e.Kind == core.ExhibitEntity {
		if err := s.propagateRisk(ctx, c.ProjectID, e.ResourceID, actor); err != nil {
			s.logger.Printf("⚠️ risk propagation for %s: %v", e.ResourceID, err)
		}
	}

	s.bus.Emit(ctx, events.EvidenceVerified, c.ProjectID, map[string]interface{}{
		"case_id":        c.ID,
		"exhibit_id":     e.ID,
		"exhibit_number": e.ExhibitNumber,
		"verdict":        string(verdict),
	})
	s.logger.Printf("⚖️ exhibit %s %s by %s", e.ExhibitNumber, verdict, actor)
	return e, nil
}

// Seal closes the case: the final report is hashed into the integrity
// registry as a DOSSIER entry and the exhibit set freezes at the store.
func (s *Service) Seal(ctx context.Context, caseID string, report []byte, sealedBy string) (*core.Case, *core.RegistryEntry, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}
	if c.IsSealed() {
		return nil, nil, store.ErrSealed
	}

	entry, err := s.registry.Seal(ctx, report, integrity.SealRequest{
		ProjectID:  c.ProjectID,
		EntityType: core.RegistryDossier,
		EntityID:   c.ID,
		SealedBy:   sealedBy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("seal dossier: %w", err)
	}

	now := time.Now().UTC()
	c.Status = core.CaseSealed
	c.FinalReportHash = entry.FileHash
	c.SealedAt = &now
	c.SealedBy = sealedBy
	c.UpdatedAt = now
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("seal case: %w", err)
	}

	s.bus.Emit(ctx, events.CaseClosed, c.ProjectID, map[string]interface{}{
		"case_id":           c.ID,
		"final_report_hash": c.FinalReportHash,
		"sealed_by":         sealedBy,
	})
	s.logger.Printf("🔒 case %s sealed, dossier %s", c.ID, c.FinalReportHash[:12])
	return c, entry, nil
}

// List returns a project's cases.
func (s *Service) List(ctx context.Context, projectID string) ([]*core.Case, error) {
	return s.store.ListCases(ctx, projectID)
}

// Exhibits returns a case's exhibits.
func (s *Service) Exhibits(ctx context.Context, caseID string) ([]*core.CaseExhibit, error) {
	return s.store.ListExhibits(ctx, caseID)
}

// propagateRisk adds the admission step to the entity's risk, caps it, and
// watchlists past the threshold, with an audit record of the change.
func (s *Service) propagateRisk(ctx context.Context, projectID, entityID, actor string) error {
	e, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	old := e.RiskScore
	e.RiskScore += admittedRiskStep
	if e.RiskScore > 1.0 {
		e.RiskScore = 1.0
	}
	if e.RiskScore >= watchlistRisk {
		e.Watchlist = true
	}
	e.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEntity(ctx, e); err != nil {
		return err
	}
	return s.audit.Append(ctx, &core.AuditLog{
		ProjectID:  projectID,
		EntityType: "entity",
		EntityID:   e.ID,
		Action:     "RISK_PROPAGATION",
		FieldName:  "risk_score",
		OldValue:   fmt.Sprintf("%.2f", old),
		NewValue:   fmt.Sprintf("%.2f", e.RiskScore),
		ActorID:    actor,
		Reason:     "exhibit admitted",
	})
}

// noteContradiction flags an admitted transaction exhibit whose ledger row
// is already reconciled: evidence against a row the matcher considers clean
// deserves an explicit objection on the record.
func (s *Service) noteContradiction(ctx context.Context, e *core.CaseExhibit) {
	if e.Kind != core.ExhibitTransaction {
		return
	}
	tx, err := s.store.GetTransaction(ctx, e.ResourceID)
	if err != nil {
		return
	}
	if tx.Status == core.TxMatched {
		e.AIContradictionNote = "transaction is reconciled against a confirmed bank counterpart"
	}
}

// resourceExists validates the exhibit target. Documents are external and
// carry no store-side referent.
func (s *Service) resourceExists(ctx context.Context, kind core.ExhibitKind, resourceID string) error {
	switch kind {
	case core.ExhibitEntity:
		_, err := s.store.GetEntity(ctx, resourceID)
		return err
	case core.ExhibitTransaction:
		_, err := s.store.GetTransaction(ctx, resourceID)
		return err
	case core.ExhibitDocument:
		if strings.TrimSpace(resourceID) == "" {
			return fmt.Errorf("cases: document exhibit needs a resource id")
		}
		return nil
	default:
		return fmt.Errorf("cases: unknown exhibit kind %q", kind)
	}
}

// newExhibitNumber mints an EXE-<8 hex> identifier.
func newExhibitNumber() string {
	return "EXE-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// exhibitSignature hashes the exhibit content at admission time.
func exhibitSignature(e *core.CaseExhibit) (string, error) {
	clone := *e
	clone.HashSignature = ""
	canon, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
