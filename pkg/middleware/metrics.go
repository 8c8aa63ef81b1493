// Package middleware holds the HTTP middleware shared by the ingestion API
// and the admin servers: request IDs, Prometheus instrumentation and
// request deadlines.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
)

// UnmatchedRoute labels requests for paths the API does not serve.
const UnmatchedRoute = "unmatched"

// Metrics counts and times every request by method, route and status.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			route := routeLabel(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.Status())).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Status is the code sent to the client, 200 if the handler wrote nothing.
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// routeLabel maps a request path onto the route template serving it so
// per-post URLs share one series. Unknown paths collapse to UnmatchedRoute.
func routeLabel(path string) string {
	switch path {
	case "/api/v1/posts", "/health/live", "/health/ready", "/metrics":
		return path
	}
	rest, ok := strings.CutPrefix(path, "/api/v1/posts/")
	if !ok {
		return UnmatchedRoute
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return UnmatchedRoute
	}
	switch action {
	case "like", "unlike":
		return "/api/v1/posts/{id}/" + action
	}
	return UnmatchedRoute
}
