// Package router wires the ingestion API routes and applies the middleware
// chain (RequestID → Metrics → Timeout → CORS → Actor → RateLimit).
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/middleware"
)

// Options carries the router's collaborators. Limiter and Metrics are
// optional.
type Options struct {
	Handler        *handler.Handler
	Health         *health.Checker
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
	// AllowedOrigins feeds CORS. Empty allows any origin.
	AllowedOrigins []string
}

// New builds the HTTP handler for the ingestion service.
//
// Route table:
//
//	POST   /api/v1/posts               → publish PostCreateRequested
//	POST   /api/v1/posts/{id}/like     → publish Like
//	POST   /api/v1/posts/{id}/unlike   → publish Unlike
//	GET    /health/live                → liveness
//	GET    /health/ready               → readiness (event log reachable)
func New(opts Options) http.Handler {
	mux := http.NewServeMux()

	opts.Health.Mount(mux)

	mux.HandleFunc("POST /api/v1/posts", opts.Handler.CreatePost)
	mux.HandleFunc("POST /api/v1/posts/{id}/like", opts.Handler.Like)
	mux.HandleFunc("POST /api/v1/posts/{id}/unlike", opts.Handler.Unlike)

	// Applied inside-out.
	var chain http.Handler = mux
	if opts.Limiter != nil {
		chain = middleware.RateLimit(opts.Limiter)(chain)
	}
	chain = middleware.Actor(chain)
	chain = middleware.CORS(opts.AllowedOrigins)(chain)
	if opts.RequestTimeout > 0 {
		chain = pkgmw.Timeout(opts.RequestTimeout)(chain)
	}
	if opts.Metrics != nil {
		chain = pkgmw.Metrics(opts.Metrics)(chain)
	}
	chain = pkgmw.RequestID(chain)

	return chain
}
