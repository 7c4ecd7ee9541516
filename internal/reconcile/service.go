package reconcile

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/triggers"
)

// investigateAlertThreshold: an auto-confirm run leaving more than this many
// pairs in the investigate bucket publishes a variance event.
const investigateAlertThreshold = 5

// Service drives reconciliation end to end: trigger sweep, candidate
// generation, persistence, and the two confirmation paths. All confirmation
// writes happen inside one store transaction.
type Service struct {
	store    store.Store
	matcher  *Matcher
	triggers *triggers.Engine
	audit    *integrity.ChainLogger
	bus      *events.Bus
	logger   *log.Logger
}

// NewService wires the reconciliation service.
func NewService(s store.Store, m *Matcher, t *triggers.Engine, audit *integrity.ChainLogger, bus *events.Bus) *Service {
	return &Service{
		store:    s,
		matcher:  m,
		triggers: t,
		audit:    audit,
		bus:      bus,
		logger:   log.New(log.Writer(), "[Reconcile] ", log.LstdFlags),
	}
}

// RunResult summarizes one reconciliation run.
type RunResult struct {
	Evaluated    int `json:"evaluated"`
	Suggested    int `json:"suggested"`
	SkippedPairs int `json:"skipped_pairs"`
}

// Run re-evaluates every pending ledger row against the trigger battery,
// then generates and persists candidate matches. Per-row and per-pair
// failures are counted and skipped; the run itself only fails on a store
// error listing its inputs.
func (s *Service) Run(ctx context.Context, projectID string) (*RunResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("reconcile run: %w", err)
	}

	pending, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: project.ID,
		Statuses:  []core.TxStatus{core.TxPending},
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile run: pending rows: %w", err)
	}

	result := &RunResult{}
	for _, tx := range pending {
		eval := s.triggers.Evaluate(ctx, tx, project)
		tx.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			s.logger.Printf("⚠️ row %s not persisted after evaluation: %v", tx.ID, err)
			result.SkippedPairs++
			continue
		}
		result.Evaluated++
		if eval.Status != eval.OldStatus {
			s.logAudit(ctx, tx, "FORENSIC_FLAG", "status", string(eval.OldStatus), string(eval.Status), strings.Join(eval.Triggers, "; "))
		}
	}

	matches, err := s.matcher.Suggest(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("reconcile run: %w", err)
	}
	for _, m := range matches {
		if err := s.store.CreateMatch(ctx, m); err != nil {
			s.logger.Printf("⚠️ match %s/%s not persisted: %v", m.InternalTxID, m.BankTxID, err)
			result.SkippedPairs++
			continue
		}
		result.Suggested++
	}

	s.logger.Printf("🔍 Project %s: %d rows evaluated, %d matches suggested, %d skipped",
		project.Code, result.Evaluated, result.Suggested, result.SkippedPairs)
	return result, nil
}

// Suggested returns the unconfirmed candidates for a project.
func (s *Service) Suggested(ctx context.Context, projectID string) ([]*core.ReconciliationMatch, error) {
	confirmed := false
	return s.store.ListMatches(ctx, store.MatchFilter{ProjectID: projectID, Confirmed: &confirmed})
}

// Confirm marks one match confirmed and flips its ledger row to matched.
// The call is idempotent: confirming an already-confirmed match is a no-op
// and writes no second audit entry.
func (s *Service) Confirm(ctx context.Context, matchID, actor string) error {
	return s.store.WithinTx(ctx, func(tx store.Store) error {
		return s.confirmLocked(ctx, tx, matchID, actor)
	})
}

func (s *Service) confirmLocked(ctx context.Context, tx store.Store, matchID, actor string) error {
	match, err := tx.GetMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if match.Confirmed {
		return nil
	}

	now := time.Now().UTC()
	match.Confirmed = true
	match.MatchedAt = &now
	if err := tx.UpdateMatch(ctx, match); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	row, err := tx.GetTransaction(ctx, match.InternalTxID)
	if err != nil {
		return fmt.Errorf("confirm: ledger row: %w", err)
	}
	oldStatus := row.Status
	row.Status = core.TxMatched
	row.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, row); err != nil {
		return fmt.Errorf("confirm: ledger row: %w", err)
	}

	audit := integrity.NewChainLogger(tx)
	if err := audit.Append(ctx, &core.AuditLog{
		ProjectID:  match.ProjectID,
		EntityType: "transaction",
		EntityID:   row.ID,
		Action:     "CONFIRM_MATCH",
		FieldName:  "status",
		OldValue:   string(oldStatus),
		NewValue:   string(core.TxMatched),
		ActorID:    actor,
		Reason:     fmt.Sprintf("match %s (%s, %.2f)", match.ID, match.MatchType, match.ConfidenceScore),
	}); err != nil {
		return fmt.Errorf("confirm: audit: %w", err)
	}

	s.bus.Emit(ctx, events.TransactionMatched, match.ProjectID, map[string]interface{}{
		"match_id":         match.ID,
		"internal_tx_id":   match.InternalTxID,
		"bank_tx_id":       match.BankTxID,
		"confidence_score": match.ConfidenceScore,
		"match_type":       string(match.MatchType),
	})
	return nil
}

// AutoConfirmResult buckets an auto-confirmation pass.
type AutoConfirmResult struct {
	Confirmed   int `json:"confirmed"`
	Review      int `json:"review"`
	Investigate int `json:"investigate"`
}

// AutoConfirm confirms every unconfirmed match whose reasoning carries the
// AUTO_OK gate, all inside one transaction, and buckets the rest for human
// triage. Idempotent: a second pass finds nothing left to confirm.
func (s *Service) AutoConfirm(ctx context.Context, projectID, actor string) (*AutoConfirmResult, error) {
	confirmed := false
	candidates, err := s.store.ListMatches(ctx, store.MatchFilter{ProjectID: projectID, Confirmed: &confirmed})
	if err != nil {
		return nil, fmt.Errorf("auto-confirm: %w", err)
	}

	result := &AutoConfirmResult{}
	var autoOK []*core.ReconciliationMatch
	for _, m := range candidates {
		switch gateOf(m.AIReasoning) {
		case core.GateAutoOK:
			autoOK = append(autoOK, m)
		case core.GateReview:
			result.Review++
		default:
			result.Investigate++
		}
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		for _, m := range autoOK {
			if err := s.confirmLocked(ctx, tx, m.ID, actor); err != nil {
				return err
			}
			result.Confirmed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, events.ReconciliationCompleted, projectID, map[string]interface{}{
		"confirmed":   result.Confirmed,
		"review":      result.Review,
		"investigate": result.Investigate,
	})
	if result.Investigate > investigateAlertThreshold {
		s.bus.Emit(ctx, events.VarianceDetected, projectID, map[string]interface{}{
			"investigate_count": result.Investigate,
			"reason":            "auto-confirm left an oversized investigate bucket",
		})
	}

	s.logger.Printf("✅ Project %s auto-confirm: %d confirmed, %d review, %d investigate",
		projectID, result.Confirmed, result.Review, result.Investigate)
	return result, nil
}

// gateOf pulls the auto-gate token out of a structured reasoning string.
// Matches without a recognizable gate land in the investigate bucket.
func gateOf(reasoning string) core.AutoGate {
	for _, part := range strings.Split(reasoning, " | ") {
		switch core.AutoGate(strings.TrimSpace(part)) {
		case core.GateAutoOK:
			return core.GateAutoOK
		case core.GateReview:
			return core.GateReview
		case core.GateInvestigate:
			return core.GateInvestigate
		}
	}
	return core.GateInvestigate
}

func (s *Service) logAudit(ctx context.Context, tx *core.Transaction, action, field, oldV, newV, reason string) {
	if err := s.audit.Append(ctx, &core.AuditLog{
		ProjectID:  tx.ProjectID,
		EntityType: "transaction",
		EntityID:   tx.ID,
		Action:     action,
		FieldName:  field,
		OldValue:   oldV,
		NewValue:   newV,
		ActorID:    "system",
		Reason:     reason,
	}); err != nil {
		s.logger.Printf("⚠️ audit entry for %s dropped: %v", tx.ID, err)
	}
}
