package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/ingest"
)

// maxRowsPerFile caps one upload. Bigger datasets arrive as several files.
const maxRowsPerFile = 100_000

type ingestRequest struct {
	Source   string           `json:"source"`
	Mappings []ingest.Mapping `json:"mappings"`
	Rows     []ingest.Row     `json:"rows"`
}

// handleIngest admits an upload as a batch job: the rows are sized,
// batched, and walked by the ingestion pipeline under the orchestrator's
// supervision. The response carries the job id for progress polling.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["project"]

	var req ingestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "no rows supplied")
		return
	}
	if len(req.Rows) > maxRowsPerFile {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many rows: %d > %d", len(req.Rows), maxRowsPerFile))
		return
	}
	if len(req.Mappings) == 0 {
		writeError(w, http.StatusBadRequest, "column mappings are required")
		return
	}
	if _, err := s.deps.Store.GetProject(r.Context(), projectID); err != nil {
		fail(w, err)
		return
	}

	kind := core.KindLedger
	if vars["kind"] == "bank" {
		kind = core.KindStatement
	}
	if req.Source == "" {
		req.Source = "upload"
	}

	template := &ingest.Request{
		ProjectID: projectID,
		Source:    req.Source,
		Kind:      kind,
		Mappings:  req.Mappings,
	}
	items := make([]any, len(req.Rows))
	for i, row := range req.Rows {
		items[i] = ingestItem{template: template, row: row}
	}

	jobID, err := s.deps.Jobs.Submit(r.Context(), projectID, core.DataTransaction, items)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":      jobID,
		"total_items": len(items),
		"kind":        string(kind),
	})
}
