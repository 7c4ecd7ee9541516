package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/webhooks"
)

// ============================================================================
// ANALYTICS
// ============================================================================

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Analytics.Stats(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	forecast, err := s.deps.Analytics.Forecast(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	violations, err := s.deps.Analytics.ValidateTimeline(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"violations": violations})
}

func (s *Server) handleCashBurn(w http.ResponseWriter, r *http.Request) {
	burns, err := s.deps.Analytics.CashBurn(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"milestones": burns})
}

// ============================================================================
// GRAPH
// ============================================================================

func (s *Server) handleBenford(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Graph.Benford(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.deps.Graph.DetectCycles(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cycles": cycles})
}

func (s *Server) handleBursts(w http.ResponseWriter, r *http.Request) {
	bursts, err := s.deps.Graph.StructuringBursts(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bursts": bursts})
}

func (s *Server) handleNexus(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Graph.AssetTemporalNexus(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUBO(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.deps.Graph.ResolveUBO(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

// ============================================================================
// ALERTS, INSIGHTS, EVENTS
// ============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	limit := queryInt(r, "limit", 100)

	// live=true reads the monitor's in-memory ring instead of the store.
	if r.URL.Query().Get("live") == "true" && s.deps.Monitor != nil {
		writeJSON(w, http.StatusOK, s.deps.Monitor.Recent(projectID, limit))
		return
	}

	severity := core.Severity(r.URL.Query().Get("severity"))
	alerts, err := s.deps.Store.ListAlerts(r.Context(), projectID, severity, limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.deps.Store.ListInsights(r.Context(),
		mux.Vars(r)["project"], r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.RecentFilter{
		Project: r.URL.Query().Get("project"),
		User:    r.URL.Query().Get("user"),
	}
	for _, t := range splitParam(r, "type") {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Recent(filter, queryInt(r, "limit", 100)))
}

// ============================================================================
// QUERY TELEMETRY
// ============================================================================

func (s *Server) handleRecordQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		ProjectID string `json:"project_id"`
		Query     string `json:"query"`
		Context   string `json:"context"`
		Success   bool   `json:"success"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = actor(r)
	}

	pattern, err := s.deps.Analytics.RecordQuery(r.Context(),
		req.UserID, req.ProjectID, req.Query, req.Context, req.Success)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}

func (s *Server) handleQuerySuggestions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = actor(r)
	}
	patterns, err := s.deps.Analytics.QuerySuggestions(r.Context(),
		userID, r.URL.Query().Get("project"), queryInt(r, "limit", 10))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hooks == nil {
		writeError(w, http.StatusNotImplemented, "webhooks not configured")
		return
	}
	var req struct {
		URL       string   `json:"url"`
		Events    []string `json:"events"`
		Secret    string   `json:"secret"`
		ProjectID string   `json:"project_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub := &webhooks.Subscription{
		URL:       req.URL,
		Secret:    req.Secret,
		ProjectID: req.ProjectID,
	}
	for _, e := range req.Events {
		sub.Events = append(sub.Events, webhooks.EventType(e))
	}
	if err := s.deps.Hooks.Register(sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hooks == nil {
		writeError(w, http.StatusNotImplemented, "webhooks not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Hooks.ListAll())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hooks == nil {
		writeError(w, http.StatusNotImplemented, "webhooks not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Hooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

// ============================================================================
// INTEGRITY
// ============================================================================

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project"]
	ok, failedIndex, err := s.deps.Registry.VerifyChain(r.Context(), projectID)
	if err != nil {
		fail(w, err)
		return
	}
	resp := map[string]interface{}{"project_id": projectID, "intact": ok}
	if !ok {
		resp["failed_index"] = failedIndex
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyArtifact(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Registry.Verify(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	logs, err := s.deps.Store.ListAuditLogs(r.Context(), vars["entity_type"], vars["entity_id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
