// Package middleware identifies the acting user on ingestion API requests
// and applies CORS and per-actor rate limits.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
)

// ActorHeader carries the authenticated user ID. It is set by the
// authentication layer in front of this service.
const ActorHeader = "X-User-ID"

type contextKey string

const actorKey contextKey = "actor_id"

// Actor rejects API requests that carry no actor and stores the actor ID in
// the request context. Health endpoints are exempt.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			writeError(w, http.StatusUnauthorized, "user not authenticated")
			return
		}
		if len(actor) > events.MaxIDLength {
			writeError(w, http.StatusUnauthorized, "invalid user id")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// exempt reports whether r targets a probe endpoint, which carries no actor.
func exempt(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/health/")
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorID returns the actor stored by Actor, or "" when there is none.
func ActorID(ctx context.Context) string {
	id, _ := ctx.Value(actorKey).(string)
	return id
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
