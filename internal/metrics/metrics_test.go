package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	m.RecordBatchJob("transaction", "completed", 3*time.Second)
	m.RecordBatchJob("transaction", "failed", time.Second)
	m.RecordAlert("GPS_ANOMALY", "CRITICAL")
	m.RecordChainVerification(true)
	m.RecordChainVerification(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchJobs.WithLabelValues("transaction", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchJobs.WithLabelValues("transaction", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsEmitted.WithLabelValues("GPS_ANOMALY", "CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainVerifications.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainVerifications.WithLabelValues("broken")))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := NewMetrics()

	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/projects/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/abc-123", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/projects/{id}", http.MethodGet, "404"))
	assert.Equal(t, 1.0, got, "label is the template, not the raw path")
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.RecordAlert("HIGH_RISK_VELOCITY", "HIGH")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forensics_alerts_emitted_total")
}
