// Package metrics exposes the engine's Prometheus instrumentation. One
// Metrics value is shared by the HTTP layer and the services; the /metrics
// route serves the registry it was built on.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorilla/mux"
)

// Metrics holds all Prometheus metrics for the audit engine.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	RowsIngested   *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	MatchesProposed   *prometheus.CounterVec
	MatchesConfirmed  *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec

	// Batch metrics
	BatchJobs     *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	BatchWorkers  prometheus.Gauge

	// Alert metrics
	AlertsEmitted *prometheus.CounterVec

	// Integrity metrics
	RegistrySeals      *prometheus.CounterVec
	ChainVerifications *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RowsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_rows_ingested_total",
				Help: "Rows accepted per project and data type",
			},
			[]string{"project_id", "data_type"},
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forensics_ingest_duration_seconds",
				Help:    "Duration of ingest requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"data_type"},
		),

		MatchesProposed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_matches_proposed_total",
				Help: "Reconciliation candidates produced per pass",
			},
			[]string{"project_id", "pass"}, // pass: direct, heuristic, fuzzy
		),

		MatchesConfirmed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_matches_confirmed_total",
				Help: "Matches confirmed per project and mode",
			},
			[]string{"project_id", "mode"}, // mode: manual, auto
		),

		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forensics_reconcile_duration_seconds",
				Help:    "Duration of full reconciliation runs",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"project_id"},
		),

		BatchJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_batch_jobs_total",
				Help: "Batch jobs finished per data type and outcome",
			},
			[]string{"data_type", "status"}, // status: completed, failed, cancelled
		),

		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forensics_batch_duration_seconds",
				Help:    "Wall time of batch jobs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"data_type"},
		),

		BatchWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forensics_batch_workers_active",
				Help: "Batch workers currently holding a global slot",
			},
		),

		AlertsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_alerts_emitted_total",
				Help: "Proactive alerts emitted per type and severity",
			},
			[]string{"alert_type", "severity"},
		),

		RegistrySeals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_registry_seals_total",
				Help: "Artifacts sealed into the integrity registry",
			},
			[]string{"entity_type"},
		),

		ChainVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_chain_verifications_total",
				Help: "Hash-chain verification runs per result",
			},
			[]string{"result"}, // result: ok, broken
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forensics_http_requests_total",
				Help: "HTTP requests per route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forensics_http_request_duration_seconds",
				Help:    "HTTP request latency per route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBatchJob records a finished batch job.
func (m *Metrics) RecordBatchJob(dataType, status string, duration time.Duration) {
	m.BatchJobs.WithLabelValues(dataType, status).Inc()
	m.BatchDuration.WithLabelValues(dataType).Observe(duration.Seconds())
}

// RecordAlert records an emitted alert.
func (m *Metrics) RecordAlert(alertType, severity string) {
	m.AlertsEmitted.WithLabelValues(alertType, severity).Inc()
}

// RecordChainVerification records a verification outcome.
func (m *Metrics) RecordChainVerification(ok bool) {
	result := "broken"
	if ok {
		result = "ok"
	}
	m.ChainVerifications.WithLabelValues(result).Inc()
}

// Middleware instruments every request with count and latency, labeled by
// the mux route template so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
