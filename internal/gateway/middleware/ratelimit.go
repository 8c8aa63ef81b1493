package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/ratelimit"
)

// RateLimit throttles each actor separately and must run after Actor.
// Requests that reach it without an actor are left for Actor to reject.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorID(r.Context())
			if exempt(r) || actor == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait := limiter.Allow(actor)
			if !ok {
				w.Header().Set("Retry-After", retryAfter(wait))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter renders wait in whole seconds, rounded up, and never below 1.
func retryAfter(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	return strconv.FormatInt(max(secs, 1), 10)
}
