package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/core"
)

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.deps.Cases.Create(r.Context(), mux.Vars(r)["project"], req.Title, req.Description, actor(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Cases.List(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddExhibit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind       string `json:"kind"`
		ResourceID string `json:"resource_id"`
		Title      string `json:"title"`
		Notes      string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	exhibit, err := s.deps.Cases.AddExhibit(r.Context(), mux.Vars(r)["case"],
		core.ExhibitKind(req.Kind), req.ResourceID, req.Title, req.Notes)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exhibit)
}

func (s *Server) handleListExhibits(w http.ResponseWriter, r *http.Request) {
	exhibits, err := s.deps.Cases.Exhibits(r.Context(), mux.Vars(r)["case"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exhibits)
}

func (s *Server) handleAdjudicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict string `json:"verdict"`
	}
	if err := decode(r, &req); err != nil || req.Verdict == "" {
		writeError(w, http.StatusBadRequest, "verdict is required")
		return
	}

	exhibit, err := s.deps.Cases.Adjudicate(r.Context(), mux.Vars(r)["id"],
		core.ExhibitVerdict(req.Verdict), actor(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exhibit)
}

func (s *Server) handleSealCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// ReportB64 is the final dossier artifact; its hash goes into the
		// evidence registry.
		ReportB64 string `json:"report_b64"`
	}
	if err := decode(r, &req); err != nil || req.ReportB64 == "" {
		writeError(w, http.StatusBadRequest, "report_b64 is required")
		return
	}
	report, err := base64.StdEncoding.DecodeString(req.ReportB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "report_b64 is not valid base64")
		return
	}

	sealed, entry, err := s.deps.Cases.Seal(r.Context(), mux.Vars(r)["case"], report, actor(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"case":           sealed,
		"registry_entry": entry,
	})
}
