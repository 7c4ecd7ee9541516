// Package monitor is the proactive watchdog: a periodic sweep over every
// engagement plus reactive checks driven by bus events. Findings become
// alerts that are deduplicated, persisted when transaction-scoped, pushed
// to registered sinks, and published as proactive.alert events.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// ScopeGlobal marks alerts not tied to a particular operator.
const ScopeGlobal = "global"

// Alert is one monitor finding. TransactionID is set only for findings
// anchored to a specific ledger row; those are also persisted as FraudAlert.
type Alert struct {
	ID            string                 `json:"id"`
	Scope         string                 `json:"scope"`
	ProjectID     string                 `json:"project_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	AlertType     string                 `json:"alert_type"`
	Severity      core.Severity          `json:"severity"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Actions       []string               `json:"actions,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Sink receives accepted alerts. Delivery is best-effort on the monitor's
// goroutine; sinks must not block.
type Sink interface {
	Notify(ctx context.Context, a *Alert)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a *Alert)

func (f SinkFunc) Notify(ctx context.Context, a *Alert) { f(ctx, a) }

type bucketKey struct {
	scope     string
	alertType string
	projectID string
}

type bucket struct {
	lastEmit time.Time
	ring     []*Alert
}

// Monitor runs the checks. One periodic timer per node; reactive handlers
// enqueue onto the task channel so bus publishers are never blocked.
type Monitor struct {
	store  store.Store
	bus    *events.Bus
	cfg    config.MonitorConfig
	prober batch.Prober
	sinks  []Sink
	logger *log.Logger

	archiveAfterDays int

	now func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	tasks chan func(context.Context)
	stop  chan struct{}
	done  chan struct{}
	unsub []func()

	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires a monitor. Sinks are optional; the bus and store always receive
// accepted alerts.
func New(s store.Store, bus *events.Bus, cfg config.MonitorConfig, batchCfg config.BatchConfig, prober batch.Prober, sinks ...Sink) *Monitor {
	return &Monitor{
		store:            s,
		bus:              bus,
		cfg:              cfg,
		prober:           prober,
		sinks:            sinks,
		logger:           log.New(log.Writer(), "[Monitor] ", log.LstdFlags),
		archiveAfterDays: batchCfg.ArchiveAfterDays,
		now:              func() time.Time { return time.Now().UTC() },
		buckets:          make(map[bucketKey]*bucket),
		tasks:            make(chan func(context.Context), 64),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start registers the reactive subscriptions and launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.unsub = append(m.unsub,
			m.bus.Subscribe(events.ReconciliationCompleted, m.enqueueEvent(m.onReconciliationCompleted)),
			m.bus.Subscribe(events.PatternIdentified, m.enqueueEvent(m.onPatternIdentified)),
			m.bus.Subscribe(events.BatchJobFailed, m.enqueueEvent(m.onBatchJobFailed)),
		)
		go m.loop(ctx)
		m.logger.Printf("👁️ proactive monitor started, sweep every %dm", m.cfg.IntervalMinutes)
	})
}

// Stop unsubscribes and waits for the loop to drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		for _, u := range m.unsub {
			u()
		}
		close(m.stop)
		<-m.done
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	interval := time.Duration(m.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case task := <-m.tasks:
			task(ctx)
		case <-ticker.C:
			m.Sweep(ctx, "")
		}
	}
}

// enqueueEvent hands a bus event to the monitor goroutine. The bus handler
// returns immediately; a full queue drops the event rather than stall the
// publisher.
func (m *Monitor) enqueueEvent(fn func(ctx context.Context, e *events.Event)) events.Handler {
	return func(_ context.Context, e *events.Event) error {
		select {
		case m.tasks <- func(ctx context.Context) { fn(ctx, e) }:
		default:
			m.logger.Printf("⚠️ task queue full, dropping reactive check for %s", e.Type)
		}
		return nil
	}
}

// ============================================================================
// SWEEP
// ============================================================================

// Sweep runs the periodic checks: high-risk velocity and GPS anomalies per
// project, system health, and job archival. An empty projectID sweeps every
// engagement. Returns the alerts that survived deduplication.
func (m *Monitor) Sweep(ctx context.Context, projectID string) []*Alert {
	var projects []*core.Project
	if projectID != "" {
		p, err := m.store.GetProject(ctx, projectID)
		if err != nil {
			m.logger.Printf("⚠️ sweep: project %s: %v", projectID, err)
			return nil
		}
		projects = []*core.Project{p}
	} else {
		var err error
		projects, err = m.store.ListProjects(ctx)
		if err != nil {
			m.logger.Printf("⚠️ sweep: list projects: %v", err)
			return nil
		}
	}

	var accepted []*Alert
	for _, p := range projects {
		for _, a := range m.checkHighRisk(ctx, p) {
			if m.publish(ctx, a) {
				accepted = append(accepted, a)
			}
		}
		for _, a := range m.checkGPS(ctx, p) {
			if m.publish(ctx, a) {
				accepted = append(accepted, a)
			}
		}
	}

	if a := m.checkSystemHealth(ctx); a != nil && m.publish(ctx, a) {
		accepted = append(accepted, a)
	}
	m.archiveJobs(ctx)
	return accepted
}

// ============================================================================
// DEDUP & FAN-OUT
// ============================================================================

// publish runs an alert through the debounce bucket, then fans it out.
// Returns false when the bucket suppressed it.
func (m *Monitor) publish(ctx context.Context, a *Alert) bool {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Scope == "" {
		a.Scope = ScopeGlobal
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}

	if !m.admit(a) {
		return false
	}

	if a.TransactionID != "" {
		fa := &core.FraudAlert{
			ID:            a.ID,
			ProjectID:     a.ProjectID,
			TransactionID: a.TransactionID,
			AlertType:     a.AlertType,
			Severity:      a.Severity,
			Description:   a.Message,
			CreatedAt:     a.CreatedAt,
		}
		if risk, ok := a.Data["risk_score"].(float64); ok {
			fa.RiskScore = risk
		}
		if err := m.store.CreateAlert(ctx, fa); err != nil {
			m.logger.Printf("⚠️ alert %s not persisted: %v", a.AlertType, err)
		}
	}

	m.bus.Emit(ctx, events.ProactiveAlert, a.ProjectID, map[string]interface{}{
		"alert_id":   a.ID,
		"alert_type": a.AlertType,
		"severity":   string(a.Severity),
		"title":      a.Title,
		"message":    a.Message,
		"actions":    a.Actions,
		"data":       a.Data,
	})
	for _, s := range m.sinks {
		s.Notify(ctx, a)
	}
	m.logger.Printf("🚨 [%s] %s: %s", a.Severity, a.AlertType, a.Title)
	return true
}

// admit applies the (scope, alert_type, project) debounce and records the
// alert in the bucket ring.
func (m *Monitor) admit(a *Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey{scope: a.Scope, alertType: a.AlertType, projectID: a.ProjectID}
	b := m.buckets[key]
	if b == nil {
		b = &bucket{}
		m.buckets[key] = b
	}

	debounce := time.Duration(m.cfg.DebounceMinutes) * time.Minute
	if !b.lastEmit.IsZero() && a.CreatedAt.Sub(b.lastEmit) < debounce {
		return false
	}

	b.lastEmit = a.CreatedAt
	b.ring = append(b.ring, a)
	cap := m.cfg.BucketCap
	if cap <= 0 {
		cap = 50
	}
	if len(b.ring) > cap {
		b.ring = b.ring[len(b.ring)-cap:]
	}
	return true
}

// Recent returns accepted alerts for a project, newest first. Empty
// projectID returns everything.
func (m *Monitor) Recent(projectID string, limit int) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Alert
	for key, b := range m.buckets {
		if projectID != "" && key.projectID != projectID {
			continue
		}
		out = append(out, b.ring...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Monitor) archiveJobs(ctx context.Context) {
	if m.archiveAfterDays <= 0 {
		return
	}
	cutoff := m.now().AddDate(0, 0, -m.archiveAfterDays)
	n, err := m.store.ArchiveJobsBefore(ctx, cutoff)
	if err != nil {
		m.logger.Printf("⚠️ job archival: %v", err)
		return
	}
	if n > 0 {
		m.logger.Printf("🗄️ archived %d terminal jobs older than %d days", n, m.archiveAfterDays)
	}
}

func formatIDR(v float64) string {
	return fmt.Sprintf("Rp %.0f", v)
}
