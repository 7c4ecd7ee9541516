package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps the engine's error kinds onto HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, batch.ErrNoItems),
		errors.Is(err, batch.ErrTooManyItems):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrSealed),
		errors.Is(err, batch.ErrJobTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
