package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/middleware"
)

// actor resolves the acting operator for audit entries.
func actor(r *http.Request) string {
	if op := middleware.OperatorFrom(r.Context()); op != "" {
		return op
	}
	return "anonymous"
}

func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Reconcile.Run(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReconcileSuggested(w http.ResponseWriter, r *http.Request) {
	matches, err := s.deps.Reconcile.Suggested(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleAutoConfirm(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Reconcile.AutoConfirm(r.Context(), mux.Vars(r)["project"], actor(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["match_id"]
	if err := s.deps.Reconcile.Confirm(r.Context(), matchID, actor(r)); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"match_id": matchID, "status": "confirmed"})
}
