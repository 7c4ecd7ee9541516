package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/core"
)

var admittedDataTypes = map[core.DataType]bool{
	core.DataTransaction:    true,
	core.DataEntity:         true,
	core.DataEmbedding:      true,
	core.DataReconciliation: true,
	core.DataDocument:       true,
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string        `json:"project_id"`
		DataType  core.DataType `json:"data_type"`
		Items     []any         `json:"items"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if !admittedDataTypes[req.DataType] {
		writeError(w, http.StatusBadRequest, "unknown data_type")
		return
	}

	jobID, err := s.deps.Jobs.Submit(r.Context(), req.ProjectID, req.DataType, req.Items)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":      jobID,
		"total_items": len(req.Items),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.deps.Jobs.Cancel(r.Context(), jobID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}
