package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

type projectRequest struct {
	Name           string                       `json:"name"`
	Code           string                       `json:"code"`
	ContractValue  decimal.Decimal              `json:"contract_value"`
	ContractorName string                       `json:"contractor_name"`
	Status         string                       `json:"status"`
	StartDate      *time.Time                   `json:"start_date"`
	EndDate        *time.Time                   `json:"end_date"`
	SiteLatitude   *float64                     `json:"site_latitude"`
	SiteLongitude  *float64                     `json:"site_longitude"`
	Settings       *core.ReconciliationSettings `json:"settings"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "name and code are required")
		return
	}

	status := core.ProjectStatus(req.Status)
	if status == "" {
		status = core.ProjectAuditMode
	}

	now := time.Now().UTC()
	project := &core.Project{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Code:           req.Code,
		ContractValue:  req.ContractValue,
		ContractorName: req.ContractorName,
		Status:         status,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		SiteLatitude:   req.SiteLatitude,
		SiteLongitude:  req.SiteLongitude,
		Settings:       req.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Store.CreateProject(r.Context(), project); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Store.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Store.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}

	var req projectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name != "" {
		project.Name = req.Name
	}
	if req.ContractorName != "" {
		project.ContractorName = req.ContractorName
	}
	if !req.ContractValue.IsZero() {
		project.ContractValue = req.ContractValue
	}
	if req.Status != "" {
		project.Status = core.ProjectStatus(req.Status)
	}
	if req.StartDate != nil {
		project.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		project.EndDate = req.EndDate
	}
	if req.SiteLatitude != nil {
		project.SiteLatitude = req.SiteLatitude
	}
	if req.SiteLongitude != nil {
		project.SiteLongitude = req.SiteLongitude
	}
	if req.Settings != nil {
		project.Settings = req.Settings
	}

	if err := s.deps.Store.UpdateProject(r.Context(), project); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	entities, err := s.deps.Store.ListEntities(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	f := store.TransactionFilter{
		ProjectID:    mux.Vars(r)["id"],
		ReceiverName: r.URL.Query().Get("receiver"),
		SenderName:   r.URL.Query().Get("sender"),
		Limit:        queryInt(r, "limit", 500),
	}
	for _, raw := range splitParam(r, "status") {
		f.Statuses = append(f.Statuses, core.TxStatus(raw))
	}
	for _, raw := range splitParam(r, "category") {
		f.Categories = append(f.Categories, core.Category(strings.ToUpper(raw)))
	}
	if t, ok := queryTime(r, "from"); ok {
		f.From = t
	}
	if t, ok := queryTime(r, "to"); ok {
		f.To = t
	}
	if v := r.URL.Query().Get("min_risk"); v != "" {
		if risk, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinRisk = risk
		}
	}

	txs, err := s.deps.Store.ListTransactions(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListIngestions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ============================================================================
// INVESTIGATOR NOTES
// ============================================================================

func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusNotImplemented, "note sealing not configured")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := decode(r, &req); err != nil || req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}

	tx, err := s.deps.Store.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	sealed, err := s.deps.Notes.Seal([]byte(req.Note))
	if err != nil {
		fail(w, err)
		return
	}
	tx.EncryptedNote = sealed
	if err := s.deps.Store.UpdateTransaction(r.Context(), tx); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.ID,
		"sealed_bytes":   len(sealed),
	})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusNotImplemented, "note sealing not configured")
		return
	}
	tx, err := s.deps.Store.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	if len(tx.EncryptedNote) == 0 {
		writeError(w, http.StatusNotFound, "transaction has no note")
		return
	}
	plain, err := s.deps.Notes.Open(tx.EncryptedNote)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": tx.ID,
		"note":           string(plain),
	})
}

// ============================================================================
// QUERY HELPERS
// ============================================================================

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func splitParam(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
