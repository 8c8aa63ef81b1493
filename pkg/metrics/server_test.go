package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMuxCombinesMounts(t *testing.T) {
	mux := NewMux(Mount, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNopCollectorsAreIsolated(t *testing.T) {
	a, b := NewNop(), NewNop()
	a.EventsDropped.WithLabelValues("posts").Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.EventsDropped.WithLabelValues("posts")))
	assert.Zero(t, testutil.ToFloat64(b.EventsDropped.WithLabelValues("posts")))
}
