// Package analytics computes the engagement-level findings that sit above
// individual transactions: leakage forecasts extrapolated from observed
// inflation, cross-project audit statistics with geographic hotspots,
// milestone timeline validation, and cash-burn velocity.
package analytics

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// Forecast risk statuses.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskNormal   = "NORMAL"
)

// Leakage-rate cutoffs for the forecast status.
const (
	criticalLeakageRate = 0.15
	highLeakageRate     = 0.05
)

// anachronisms are finishing-stage purchases that cannot legitimately occur
// during foundation works. Indonesian and English surface forms.
var anachronisms = []string{"atap", "genteng", "cat ", "keramik", "roof", "tile", "paint"}

// LeakageForecast extrapolates observed inflation to the contract value.
type LeakageForecast struct {
	ProjectID             string          `json:"project_id"`
	ContractValue         decimal.Decimal `json:"contract_value"`
	RealizedSpend         decimal.Decimal `json:"realized_spend"`
	CurrentLeakage        decimal.Decimal `json:"current_leakage"`
	LeakageRate           float64         `json:"leakage_rate"` // 0..1
	PredictedTotalLeakage decimal.Decimal `json:"predicted_total_leakage"`
	RiskStatus            string          `json:"risk_status"`
}

// Hotspot is one project's leakage placed on the map.
type Hotspot struct {
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Leakage   decimal.Decimal `json:"leakage"`
	Severity  float64         `json:"severity"` // 0..1
}

// GlobalStats aggregates every engagement for the operations overview.
type GlobalStats struct {
	TotalLeakage         decimal.Decimal `json:"total_leakage"`
	ActiveInvestigations int             `json:"active_investigations"`
	ThreatAlerts         int             `json:"threat_alerts"`
	RecoveryPotential    decimal.Decimal `json:"recovery_potential"`
	Hotspots             []Hotspot       `json:"hotspots"`
}

// TimelineViolation is one expense that contradicts the construction phase
// active on its date.
type TimelineViolation struct {
	TransactionID string              `json:"transaction_id"`
	MilestoneID   string              `json:"milestone_id"`
	Phase         core.MilestonePhase `json:"phase"`
	Description   string              `json:"description"`
	Amount        decimal.Decimal     `json:"amount"`
	Reason        string              `json:"reason"`
}

// MilestoneBurn is the observed spend velocity inside one milestone window.
type MilestoneBurn struct {
	MilestoneID string          `json:"milestone_id"`
	Name        string          `json:"name"`
	Budget      decimal.Decimal `json:"budget"`
	Spend       decimal.Decimal `json:"spend"`
	Utilization float64         `json:"utilization"` // spend/budget, 0 when no budget
	PerDay      decimal.Decimal `json:"per_day"`
	Days        int             `json:"days"`
}

// Service computes the analytics over the store.
type Service struct {
	store  store.Store
	bus    *events.Bus
	logger *log.Logger
}

// New wires the analytics service.
func New(s store.Store, bus *events.Bus) *Service {
	return &Service{
		store:  s,
		bus:    bus,
		logger: log.New(log.Writer(), "[Analytics] ", log.LstdFlags),
	}
}

// ============================================================================
// LEAKAGE FORECAST
// ============================================================================

// Forecast extrapolates the project's observed inflation rate to the full
// contract value. A CRITICAL or HIGH result is persisted as an insight and
// announced on the bus.
func (s *Service) Forecast(ctx context.Context, projectID string) (*LeakageForecast, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("forecast transactions: %w", err)
	}

	realized := decimal.Zero
	leakage := decimal.Zero
	for _, tx := range rows {
		realized = realized.Add(tx.ActualAmount)
		if tx.DeltaInflation.IsPositive() {
			leakage = leakage.Add(tx.DeltaInflation)
		}
	}

	f := &LeakageForecast{
		ProjectID:      projectID,
		ContractValue:  project.ContractValue,
		RealizedSpend:  realized,
		CurrentLeakage: leakage,
		RiskStatus:     RiskNormal,
	}
	if realized.IsPositive() {
		f.LeakageRate = leakage.Div(realized).InexactFloat64()
	}
	f.PredictedTotalLeakage = project.ContractValue.Mul(decimal.NewFromFloat(f.LeakageRate))
	switch {
	case f.LeakageRate > criticalLeakageRate:
		f.RiskStatus = RiskCritical
	case f.LeakageRate > highLeakageRate:
		f.RiskStatus = RiskHigh
	}

	if f.RiskStatus != RiskNormal {
		insight := &core.CopilotInsight{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			InsightType: "LEAKAGE_FORECAST",
			Title:       fmt.Sprintf("Projected leakage %s at current rate", f.PredictedTotalLeakage.StringFixed(0)),
			Description: fmt.Sprintf("observed leakage rate %.1f%% extrapolates to %s over the %s contract",
				f.LeakageRate*100, f.PredictedTotalLeakage.StringFixed(0), project.ContractValue.StringFixed(0)),
			Confidence: 0.7,
			Data: map[string]interface{}{
				"leakage_rate": f.LeakageRate,
				"risk_status":  f.RiskStatus,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateInsight(ctx, insight); err != nil {
			s.logger.Printf("⚠️ forecast insight not persisted: %v", err)
		}
		s.bus.Emit(ctx, events.AIInsight, projectID, map[string]interface{}{
			"insight_type": "LEAKAGE_FORECAST",
			"risk_status":  f.RiskStatus,
			"leakage_rate": f.LeakageRate,
		})
	}
	return f, nil
}

// ============================================================================
// GLOBAL STATS
// ============================================================================

// Stats aggregates leakage, alerts, and asset recovery potential across all
// engagements, with per-site hotspot severities for the map.
func (s *Service) Stats(ctx context.Context) (*GlobalStats, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	out := &GlobalStats{ActiveInvestigations: len(projects)}
	for _, p := range projects {
		rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: p.ID})
		if err != nil {
			return nil, fmt.Errorf("stats transactions %s: %w", p.Code, err)
		}
		leakage := decimal.Zero
		for _, tx := range rows {
			if tx.DeltaInflation.IsPositive() {
				leakage = leakage.Add(tx.DeltaInflation)
			}
			if tx.Category == core.CategoryPersonal {
				leakage = leakage.Add(tx.ActualAmount)
			}
		}
		out.TotalLeakage = out.TotalLeakage.Add(leakage)

		alerts, err := s.store.ListAlerts(ctx, p.ID, "", 0)
		if err != nil {
			return nil, fmt.Errorf("stats alerts %s: %w", p.Code, err)
		}
		out.ThreatAlerts += len(alerts)

		assets, err := s.store.ListAssets(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("stats assets %s: %w", p.Code, err)
		}
		for _, a := range assets {
			out.RecoveryPotential = out.RecoveryPotential.Add(a.EstimatedValue)
		}

		if !p.HasCoordinates() || !leakage.IsPositive() {
			continue
		}
		// Severity saturates when leakage reaches 10% of the contract.
		severity := 0.0
		if p.ContractValue.IsPositive() {
			severity = leakage.Div(p.ContractValue.Mul(decimal.NewFromFloat(0.1))).InexactFloat64()
			if severity > 1 {
				severity = 1
			}
		}
		out.Hotspots = append(out.Hotspots, Hotspot{
			ProjectID: p.ID,
			Name:      p.Name,
			Latitude:  *p.SiteLatitude,
			Longitude: *p.SiteLongitude,
			Leakage:   leakage,
			Severity:  severity,
		})
	}
	return out, nil
}

// ============================================================================
// TIMELINE VALIDATION
// ============================================================================

// ValidateTimeline checks every dated expense against the milestone active
// on its date. Finishing-stage purchases during foundation works are
// anachronisms; each one marks the row as needing proof.
func (s *Service) ValidateTimeline(ctx context.Context, projectID string) ([]TimelineViolation, error) {
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(milestones) == 0 {
		return nil, nil
	}
	rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	var out []TimelineViolation
	for _, tx := range rows {
		if tx.TransactionDate == nil {
			continue
		}
		m := activeMilestone(milestones, *tx.TransactionDate)
		if m == nil || m.Phase != core.PhaseFoundation {
			continue
		}
		desc := strings.ToLower(tx.Description)
		hit := ""
		for _, kw := range anachronisms {
			if strings.Contains(desc, kw) {
				hit = strings.TrimSpace(kw)
				break
			}
		}
		if hit == "" {
			continue
		}
		out = append(out, TimelineViolation{
			TransactionID: tx.ID,
			MilestoneID:   m.ID,
			Phase:         m.Phase,
			Description:   tx.Description,
			Amount:        tx.ActualAmount,
			Reason:        fmt.Sprintf("%q purchased during foundation works", hit),
		})
		tx.NeedsProof = true
		tx.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			s.logger.Printf("⚠️ anachronism flag on %s: %v", tx.ID, err)
		}
	}

	if len(out) > 0 {
		s.bus.Emit(ctx, events.AnomalyDetected, projectID, map[string]interface{}{
			"anomaly_type": "TIMELINE_ANACHRONISM",
			"count":        len(out),
		})
	}
	return out, nil
}

// ============================================================================
// CASH BURN
// ============================================================================

// CashBurn reports spend velocity per milestone window.
func (s *Service) CashBurn(ctx context.Context, projectID string) ([]MilestoneBurn, error) {
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]MilestoneBurn, 0, len(milestones))
	for _, m := range milestones {
		rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{
			ProjectID: projectID,
			From:      m.PlannedStart,
			To:        m.PlannedEnd,
		})
		if err != nil {
			return nil, err
		}
		spend := decimal.Zero
		for _, tx := range rows {
			spend = spend.Add(tx.ActualAmount)
		}

		days := int(m.PlannedEnd.Sub(m.PlannedStart).Hours()/24) + 1
		if days < 1 {
			days = 1
		}
		burn := MilestoneBurn{
			MilestoneID: m.ID,
			Name:        m.Name,
			Budget:      m.BudgetAmount,
			Spend:       spend,
			PerDay:      spend.Div(decimal.NewFromInt(int64(days))),
			Days:        days,
		}
		if m.BudgetAmount.IsPositive() {
			burn.Utilization = spend.Div(m.BudgetAmount).InexactFloat64()
		}
		out = append(out, burn)
	}
	return out, nil
}

// activeMilestone returns the milestone whose planned window covers a date.
func activeMilestone(milestones []*core.Milestone, date time.Time) *core.Milestone {
	for _, m := range milestones {
		if !date.Before(m.PlannedStart) && !date.After(m.PlannedEnd) {
			return m
		}
	}
	return nil
}
