// Package api exposes the engine over REST/JSON. Handlers stay thin:
// decode, call the owning service, map the store error kinds onto HTTP
// statuses. Everything stateful lives behind the services in Deps.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/analytics"
	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/cases"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/graph"
	"github.com/zenith/forensics/internal/ingest"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/metrics"
	"github.com/zenith/forensics/internal/middleware"
	"github.com/zenith/forensics/internal/monitor"
	"github.com/zenith/forensics/internal/push"
	"github.com/zenith/forensics/internal/reconcile"
	"github.com/zenith/forensics/internal/security"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/webhooks"
)

// Deps collects everything the server serves. Optional fields (Hub,
// Metrics, Auth, Limiter, Monitor, Hooks, Notes) may be nil; the matching
// routes or middleware are then skipped.
type Deps struct {
	Store     store.Store
	Bus       *events.Bus
	Pipeline  *ingest.Pipeline
	Reconcile *reconcile.Service
	Jobs      *batch.Orchestrator
	Cases     *cases.Service
	Analytics *analytics.Service
	Graph     *graph.Service
	Monitor   *monitor.Monitor
	Registry  *integrity.Registry
	Hub       *push.Hub
	Hooks     *webhooks.Registry
	Notes     security.NoteSealer
	Auth      *middleware.TokenAuth
	Limiter   *middleware.RateLimiter
	Metrics   *metrics.Metrics
}

// Server is the engine's HTTP face.
type Server struct {
	deps   Deps
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles all routes. Health, metrics, and the websocket sit
// outside the authenticated subtree; everything under /api passes through
// auth, rate limiting, and request metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
	if s.deps.Hub != nil {
		r.HandleFunc("/ws", s.deps.Hub.HandleWebSocket)
	}

	api := r.PathPrefix("/api").Subrouter()
	if s.deps.Metrics != nil {
		api.Use(s.deps.Metrics.Middleware)
	}
	if s.deps.Auth != nil {
		api.Use(s.deps.Auth.Middleware)
	}
	if s.deps.Limiter != nil {
		api.Use(s.deps.Limiter.Middleware)
	}

	// Projects and their data.
	api.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	api.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	api.HandleFunc("/projects/{id}", s.handleGetProject).Methods("GET")
	api.HandleFunc("/projects/{id}", s.handleUpdateProject).Methods("PUT")
	api.HandleFunc("/projects/{id}/entities", s.handleListEntities).Methods("GET")
	api.HandleFunc("/projects/{id}/transactions", s.handleListTransactions).Methods("GET")
	api.HandleFunc("/projects/{id}/ingestions", s.handleListIngestions).Methods("GET")

	// Investigator notes (sealed at rest).
	api.HandleFunc("/transactions/{id}/note", s.handlePutNote).Methods("PUT")
	api.HandleFunc("/transactions/{id}/note", s.handleGetNote).Methods("GET")

	// Ingestion: rows go in as a batch job.
	api.HandleFunc("/ingest/{project}/{kind:ledger|bank}", s.handleIngest).Methods("POST")

	// Reconciliation.
	api.HandleFunc("/reconcile/{project}/run", s.handleReconcileRun).Methods("POST")
	api.HandleFunc("/reconcile/{project}/suggested", s.handleReconcileSuggested).Methods("GET")
	api.HandleFunc("/reconcile/{project}/auto-confirm", s.handleAutoConfirm).Methods("POST")
	api.HandleFunc("/reconcile/{project}/confirm/{match_id}", s.handleConfirm).Methods("POST")

	// Cases and exhibits.
	api.HandleFunc("/cases/{project}", s.handleCreateCase).Methods("POST")
	api.HandleFunc("/cases/{project}", s.handleListCases).Methods("GET")
	api.HandleFunc("/cases/{project}/{case}/exhibits", s.handleAddExhibit).Methods("POST")
	api.HandleFunc("/cases/{project}/{case}/exhibits", s.handleListExhibits).Methods("GET")
	api.HandleFunc("/cases/exhibits/{id}", s.handleAdjudicate).Methods("PATCH")
	api.HandleFunc("/cases/{case}/seal", s.handleSealCase).Methods("POST")

	// Batch jobs.
	api.HandleFunc("/batch-jobs/submit", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/batch-jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/batch-jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// Analytics.
	api.HandleFunc("/analytics/stats", s.handleGlobalStats).Methods("GET")
	api.HandleFunc("/analytics/{project}/forecast", s.handleForecast).Methods("GET")
	api.HandleFunc("/analytics/{project}/timeline", s.handleTimeline).Methods("GET")
	api.HandleFunc("/analytics/{project}/cash-burn", s.handleCashBurn).Methods("GET")

	// Graph analytics.
	api.HandleFunc("/graph/{project}/benford", s.handleBenford).Methods("GET")
	api.HandleFunc("/graph/{project}/cycles", s.handleCycles).Methods("GET")
	api.HandleFunc("/graph/{project}/bursts", s.handleBursts).Methods("GET")
	api.HandleFunc("/graph/{project}/nexus", s.handleNexus).Methods("GET")
	api.HandleFunc("/graph/entities/{id}/ubo", s.handleUBO).Methods("GET")

	// Alerts, insights, recent events.
	api.HandleFunc("/alerts/{project}", s.handleListAlerts).Methods("GET")
	api.HandleFunc("/insights/{project}", s.handleListInsights).Methods("GET")
	api.HandleFunc("/events/recent", s.handleRecentEvents).Methods("GET")

	// Operator query telemetry.
	api.HandleFunc("/telemetry/queries", s.handleRecordQuery).Methods("POST")
	api.HandleFunc("/telemetry/suggestions", s.handleQuerySuggestions).Methods("GET")

	// Webhook subscriptions.
	api.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	api.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	api.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Integrity.
	api.HandleFunc("/integrity/{project}/verify", s.handleVerifyChain).Methods("GET")
	api.HandleFunc("/integrity/artifacts/{hash}", s.handleVerifyArtifact).Methods("GET")
	api.HandleFunc("/audit/{entity_type}/{entity_id}", s.handleAuditTrail).Methods("GET")

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 Engine API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Printf("🔌 Draining connections")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Operator-ID, X-Project-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
