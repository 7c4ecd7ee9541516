package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// Alert type labels. One bucket per type and project, so the labels double
// as the debounce granularity.
const (
	AlertHighRisk          = "HIGH_RISK_VELOCITY"
	AlertGPSAnomaly        = "GPS_ANOMALY"
	AlertReconciliationGap = "RECONCILIATION_GAP"
	AlertPattern           = "SUSPICIOUS_PATTERN"
	AlertBatchFailure      = "BATCH_JOB_FAILURE"
	AlertSystemHealth      = "SYSTEM_HEALTH"
)

// ============================================================================
// PERIODIC CHECKS
// ============================================================================

// checkHighRisk summarizes transactions flagged above the risk threshold in
// the last hour into a single alert.
func (m *Monitor) checkHighRisk(ctx context.Context, p *core.Project) []*Alert {
	rows, err := m.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: p.ID,
		MinRisk:   m.cfg.HighRiskThreshold,
	})
	if err != nil {
		m.logger.Printf("⚠️ high-risk check %s: %v", p.Code, err)
		return nil
	}

	cutoff := m.now().Add(-time.Hour)
	count := 0
	total := decimal.Zero
	for _, tx := range rows {
		if tx.RiskScore <= m.cfg.HighRiskThreshold || tx.CreatedAt.Before(cutoff) {
			continue
		}
		count++
		total = total.Add(tx.ActualAmount)
	}
	if count == 0 {
		return nil
	}

	return []*Alert{{
		ProjectID: p.ID,
		AlertType: AlertHighRisk,
		Severity:  core.SeverityHigh,
		Title:     fmt.Sprintf("%d high-risk transactions in the last hour", count),
		Message: fmt.Sprintf("%d transactions above risk %.2f totaling %s in %s",
			count, m.cfg.HighRiskThreshold, formatIDR(total.InexactFloat64()), p.Code),
		Actions: []string{"open_risk_queue"},
		Data: map[string]interface{}{
			"count": count,
			"total": total.InexactFloat64(),
		},
	}}
}

// checkGPS flags transactions booked far from the project site. Distance
// beyond the warn radius is High, beyond the critical radius Critical.
func (m *Monitor) checkGPS(ctx context.Context, p *core.Project) []*Alert {
	if !p.HasCoordinates() {
		return nil
	}
	rows, err := m.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: p.ID})
	if err != nil {
		m.logger.Printf("⚠️ gps check %s: %v", p.Code, err)
		return nil
	}

	var out []*Alert
	for _, tx := range rows {
		if tx.Latitude == nil || tx.Longitude == nil {
			continue
		}
		dist := core.HaversineKM(*p.SiteLatitude, *p.SiteLongitude, *tx.Latitude, *tx.Longitude)
		if dist <= m.cfg.GPSWarnKM {
			continue
		}
		sev := core.SeverityHigh
		if dist > m.cfg.GPSCriticalKM {
			sev = core.SeverityCritical
		}
		out = append(out, &Alert{
			ProjectID:     p.ID,
			TransactionID: tx.ID,
			AlertType:     AlertGPSAnomaly,
			Severity:      sev,
			Title:         fmt.Sprintf("Transaction %.0f km from the project site", dist),
			Message: fmt.Sprintf("%s to %s booked %.0f km away from %s",
				formatIDR(tx.ActualAmount.InexactFloat64()), tx.ReceiverName, dist, p.Code),
			Actions: []string{"view_transaction", "view_map"},
			Data: map[string]interface{}{
				"distance_km": dist,
				"risk_score":  tx.RiskScore,
			},
		})
	}
	return out
}

// checkSystemHealth probes the host and publishes the reading; a strained
// host additionally raises an alert.
func (m *Monitor) checkSystemHealth(ctx context.Context) *Alert {
	snap := m.prober.Probe(ctx)
	m.bus.Emit(ctx, events.SystemHealthCheck, "", map[string]interface{}{
		"cpu_percent": snap.CPUPercent,
		"mem_free_gb": snap.MemFreeGB,
	})

	var sev core.Severity
	switch {
	case snap.CPUPercent > 95 || snap.MemFreeGB < 1:
		sev = core.SeverityCritical
	case snap.CPUPercent > 80 || snap.MemFreeGB < 2:
		sev = core.SeverityWarning
	default:
		return nil
	}
	return &Alert{
		AlertType: AlertSystemHealth,
		Severity:  sev,
		Title:     "Host under pressure",
		Message:   fmt.Sprintf("cpu %.0f%%, %.1f GB free", snap.CPUPercent, snap.MemFreeGB),
		Actions:   []string{"view_jobs"},
		Data: map[string]interface{}{
			"cpu_percent": snap.CPUPercent,
			"mem_free_gb": snap.MemFreeGB,
		},
	}
}

// ============================================================================
// REACTIVE CHECKS
// ============================================================================

// onReconciliationCompleted measures the unmatched share after a run.
func (m *Monitor) onReconciliationCompleted(ctx context.Context, e *events.Event) {
	if e.Project == "" {
		return
	}
	total, err := m.store.CountTransactions(ctx, e.Project)
	if err != nil || total == 0 {
		return
	}
	matched, err := m.store.CountConfirmedMatches(ctx, e.Project)
	if err != nil {
		return
	}
	pct := float64(total-matched) / float64(total) * 100
	if pct <= m.cfg.UnmatchedWarnPct {
		return
	}
	m.publish(ctx, &Alert{
		ProjectID: e.Project,
		AlertType: AlertReconciliationGap,
		Severity:  core.SeverityWarning,
		Title:     fmt.Sprintf("%.0f%% of ledger rows still unmatched", pct),
		Message:   fmt.Sprintf("%d of %d transactions have no confirmed bank counterpart", total-matched, total),
		Actions:   []string{"open_reconciliation"},
		Data: map[string]interface{}{
			"unmatched_pct": pct,
			"total":         total,
			"matched":       matched,
		},
	})
}

// onPatternIdentified escalates analytic findings by their risk level.
func (m *Monitor) onPatternIdentified(ctx context.Context, e *events.Event) {
	risk := floatField(e.Data, "risk_level")
	var sev core.Severity
	switch {
	case risk > 0.85:
		sev = core.SeverityCritical
	case risk > 0.7:
		sev = core.SeverityWarning
	default:
		return
	}
	pattern, _ := e.Data["pattern_type"].(string)
	if pattern == "" {
		pattern = "unclassified"
	}
	m.publish(ctx, &Alert{
		ProjectID: e.Project,
		AlertType: AlertPattern,
		Severity:  sev,
		Title:     fmt.Sprintf("%s pattern detected", pattern),
		Message:   fmt.Sprintf("analytics flagged a %s pattern at risk %.2f", pattern, risk),
		Actions:   []string{"open_patterns"},
		Data:      map[string]interface{}{"pattern_type": pattern, "risk_level": risk},
	})
}

// onBatchJobFailed surfaces a failed job with its recovery actions.
func (m *Monitor) onBatchJobFailed(ctx context.Context, e *events.Event) {
	jobID, _ := e.Data["job_id"].(string)
	reason, _ := e.Data["error"].(string)
	m.publish(ctx, &Alert{
		ProjectID: e.Project,
		AlertType: AlertBatchFailure,
		Severity:  core.SeverityWarning,
		Title:     "Batch job failed",
		Message:   fmt.Sprintf("job %s: %s", jobID, reason),
		Actions:   []string{"retry_job", "view_logs"},
		Data:      map[string]interface{}{"job_id": jobID, "error": reason},
	})
}

func floatField(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
