package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// captureSink records every alert it receives.
type captureSink struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (c *captureSink) Notify(_ context.Context, a *Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *captureSink) last() *Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.alerts) == 0 {
		return nil
	}
	return c.alerts[len(c.alerts)-1]
}

func newMonitor(t *testing.T, snap batch.Snapshot) (*Monitor, *store.Memory, *events.Bus, *captureSink, *core.Project) {
	t.Helper()
	mem := store.NewMemory()
	bus := events.NewBus()
	sink := &captureSink{}
	cfg := config.Default()
	m := New(mem, bus, cfg.Monitor, cfg.Batch, batch.StaticProber{Reading: snap}, sink)

	project := &core.Project{
		ID:   uuid.NewString(),
		Name: "Jalan Provinsi Paket 3",
		Code: "PRJ-SULSEL-2024",
	}
	require.NoError(t, mem.CreateProject(context.Background(), project))
	return m, mem, bus, sink, project
}

func idle() batch.Snapshot { return batch.Snapshot{CPUPercent: 40, MemFreeGB: 8} }

func riskyTx(projectID string, risk float64, createdAt time.Time) *core.Transaction {
	return &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ActualAmount: decimal.NewFromInt(75_000_000),
		ReceiverName: "CV Penampung",
		Timestamp:    createdAt,
		RiskScore:    risk,
		Status:       core.TxFlagged,
		CreatedAt:    createdAt,
	}
}

// ============================================================================
// PERIODIC SWEEP
// ============================================================================

func TestSweepHighRiskSummary(t *testing.T) {
	ctx := context.Background()
	m, mem, _, sink, project := newMonitor(t, idle())

	now := time.Now().UTC()
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.95, now)))
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.92, now)))
	// At the threshold, not above it.
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.90, now)))
	// Above the threshold but stale.
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.95, now.Add(-2*time.Hour))))

	accepted := m.Sweep(ctx, project.ID)
	require.Len(t, accepted, 1)
	a := accepted[0]
	assert.Equal(t, AlertHighRisk, a.AlertType)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, 2, a.Data["count"])
	assert.InDelta(t, 150_000_000, a.Data["total"].(float64), 1e-6)
	assert.Equal(t, 1, sink.count())
}

func TestSweepGPSAnomaly(t *testing.T) {
	ctx := context.Background()
	m, mem, _, _, project := newMonitor(t, idle())

	site := 0.0
	project.SiteLatitude = &site
	project.SiteLongitude = &site
	require.NoError(t, mem.UpdateProject(ctx, project))

	at := func(lat float64) *core.Transaction {
		tx := riskyTx(project.ID, 0.3, time.Now().UTC().Add(-3*time.Hour))
		lon := 0.0
		tx.Latitude = &lat
		tx.Longitude = &lon
		return tx
	}
	// ~67 km north: high. ~222 km north: critical. On site: clean.
	require.NoError(t, mem.CreateTransaction(ctx, at(0.6)))
	require.NoError(t, mem.CreateTransaction(ctx, at(2.0)))
	require.NoError(t, mem.CreateTransaction(ctx, at(0.0)))

	accepted := m.Sweep(ctx, project.ID)
	// Both anomalies share one (type, project) bucket: the second is
	// debounced away, but the first is persisted as a FraudAlert.
	require.Len(t, accepted, 1)
	assert.Equal(t, AlertGPSAnomaly, accepted[0].AlertType)
	assert.NotEmpty(t, accepted[0].TransactionID)

	persisted, err := mem.ListAlerts(ctx, project.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, AlertGPSAnomaly, persisted[0].AlertType)
}

func TestSweepDebounce(t *testing.T) {
	ctx := context.Background()
	m, mem, _, sink, project := newMonitor(t, idle())

	base := time.Now().UTC()
	m.now = func() time.Time { return base }
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.95, base)))

	require.Len(t, m.Sweep(ctx, project.ID), 1)
	require.Len(t, m.Sweep(ctx, project.ID), 0, "same finding inside the debounce window is suppressed")

	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	require.Len(t, m.Sweep(ctx, project.ID), 1, "past the window the finding surfaces again")
	assert.Equal(t, 2, sink.count())
}

func TestSweepSystemHealth(t *testing.T) {
	ctx := context.Background()

	m, _, bus, sink, _ := newMonitor(t, batch.Snapshot{CPUPercent: 97, MemFreeGB: 8})
	health := 0
	bus.Subscribe(events.SystemHealthCheck, func(context.Context, *events.Event) error {
		health++
		return nil
	})

	accepted := m.Sweep(ctx, "")
	require.Len(t, accepted, 1)
	assert.Equal(t, AlertSystemHealth, accepted[0].AlertType)
	assert.Equal(t, core.SeverityCritical, accepted[0].Severity)
	assert.Equal(t, 1, health)
	assert.Equal(t, 1, sink.count())

	// A healthy host still publishes the reading, without an alert.
	m2, _, bus2, sink2, _ := newMonitor(t, idle())
	health2 := 0
	bus2.Subscribe(events.SystemHealthCheck, func(context.Context, *events.Event) error {
		health2++
		return nil
	})
	assert.Empty(t, m2.Sweep(ctx, ""))
	assert.Equal(t, 1, health2)
	assert.Equal(t, 0, sink2.count())
}

func TestSweepArchivesOldJobs(t *testing.T) {
	ctx := context.Background()
	m, mem, _, _, project := newMonitor(t, idle())

	old := time.Now().UTC().AddDate(0, 0, -30)
	require.NoError(t, mem.CreateJob(ctx, &core.ProcessingJob{
		ID: "stale", ProjectID: project.ID, Status: core.JobCompleted,
		CreatedAt: old, CompletedAt: &old,
	}))

	m.Sweep(ctx, "")

	_, err := mem.GetJob(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ============================================================================
// REACTIVE CHECKS
// ============================================================================

func TestReconciliationGapWarning(t *testing.T) {
	ctx := context.Background()
	m, mem, _, sink, project := newMonitor(t, idle())

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.1, now)))
	}
	require.NoError(t, mem.CreateMatch(ctx, &core.ReconciliationMatch{
		ID: uuid.NewString(), ProjectID: project.ID,
		InternalTxID: "t1", BankTxID: "b1", Confirmed: true,
	}))

	evt := &events.Event{Type: events.ReconciliationCompleted, Project: project.ID}
	m.onReconciliationCompleted(ctx, evt)

	require.Equal(t, 1, sink.count(), "3 of 4 unmatched crosses the 15 percent line")
	a := sink.last()
	assert.Equal(t, AlertReconciliationGap, a.AlertType)
	assert.Equal(t, core.SeverityWarning, a.Severity)
	assert.InDelta(t, 75.0, a.Data["unmatched_pct"].(float64), 1e-9)
}

func TestReconciliationGapQuietWhenMatched(t *testing.T) {
	ctx := context.Background()
	m, mem, _, sink, project := newMonitor(t, idle())

	now := time.Now().UTC()
	require.NoError(t, mem.CreateTransaction(ctx, riskyTx(project.ID, 0.1, now)))
	require.NoError(t, mem.CreateMatch(ctx, &core.ReconciliationMatch{
		ID: uuid.NewString(), ProjectID: project.ID,
		InternalTxID: "t1", BankTxID: "b1", Confirmed: true,
	}))

	m.onReconciliationCompleted(ctx, &events.Event{Type: events.ReconciliationCompleted, Project: project.ID})
	assert.Equal(t, 0, sink.count())
}

func TestPatternSeverityLadder(t *testing.T) {
	ctx := context.Background()
	m, _, _, sink, _ := newMonitor(t, idle())

	m.onPatternIdentified(ctx, &events.Event{
		Type: events.PatternIdentified, Project: "proj-a",
		Data: map[string]interface{}{"pattern_type": "SMURFING", "risk_level": 0.9},
	})
	require.Equal(t, 1, sink.count())
	assert.Equal(t, core.SeverityCritical, sink.last().Severity)

	m.onPatternIdentified(ctx, &events.Event{
		Type: events.PatternIdentified, Project: "proj-b",
		Data: map[string]interface{}{"pattern_type": "CIRCULAR", "risk_level": 0.75},
	})
	require.Equal(t, 2, sink.count())
	assert.Equal(t, core.SeverityWarning, sink.last().Severity)

	// Below the floor nothing surfaces.
	m.onPatternIdentified(ctx, &events.Event{
		Type: events.PatternIdentified, Project: "proj-c",
		Data: map[string]interface{}{"pattern_type": "SMURFING", "risk_level": 0.5},
	})
	assert.Equal(t, 2, sink.count())
}

func TestBatchFailureAlert(t *testing.T) {
	ctx := context.Background()
	m, _, _, sink, project := newMonitor(t, idle())

	m.onBatchJobFailed(ctx, &events.Event{
		Type: events.BatchJobFailed, Project: project.ID,
		Data: map[string]interface{}{"job_id": "job-1", "error": "retries exhausted"},
	})

	require.Equal(t, 1, sink.count())
	a := sink.last()
	assert.Equal(t, AlertBatchFailure, a.AlertType)
	assert.Contains(t, a.Message, "job-1")
	assert.Contains(t, a.Actions, "retry_job")
}

func TestReactiveViaBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, _, bus, sink, project := newMonitor(t, idle())

	m.Start(ctx)
	defer m.Stop()

	bus.Emit(ctx, events.BatchJobFailed, project.ID, map[string]interface{}{
		"job_id": "job-9", "error": "boom",
	})

	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, 10*time.Millisecond, "reactive check runs on the monitor goroutine")
	assert.Equal(t, AlertBatchFailure, sink.last().AlertType)
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, _ := newMonitor(t, idle())

	base := time.Now().UTC()
	m.now = func() time.Time { return base }
	m.publish(ctx, &Alert{ProjectID: "p1", AlertType: "A", Severity: core.SeverityLow, Title: "first"})
	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	m.publish(ctx, &Alert{ProjectID: "p1", AlertType: "B", Severity: core.SeverityLow, Title: "second"})

	recent := m.Recent("p1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Title)
	assert.Empty(t, m.Recent("p2", 10))
}
