// Package handler serves the ingestion HTTP API. Each request is validated,
// published to the event log, and acknowledged once the log has the event;
// nothing is written to the document store here.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Publisher is implemented by publisher.Publisher.
type Publisher interface {
	PublishPostCreate(ctx context.Context, authorID string, req *ingestion.CreatePostRequest) (*events.Envelope, error)
	PublishEngagement(ctx context.Context, postID, actorID string, action events.Action) (*events.Envelope, error)
}

type Handler struct {
	publisher Publisher
	logger    *slog.Logger
}

func New(pub Publisher) *Handler {
	return &Handler{
		publisher: pub,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
}

// CreatePost handles POST /api/v1/posts.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req ingestion.CreatePostRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	if err := validator.ValidateCreatePost(&req); err != nil {
		h.writeValidation(w, err)
		return
	}

	env, err := h.publisher.PublishPostCreate(ctx, actor, &req)
	if err != nil {
		h.publishFailed(w, log, err)
		return
	}
	log.Info("post creation requested", "event_id", env.ID, "author_id", actor)
	h.writeJSON(w, http.StatusCreated, ingestion.AcceptedResponse{
		Message: ingestion.MessagePostAccepted,
		EventID: env.ID,
	})
}

// Like handles POST /api/v1/posts/{id}/like.
func (h *Handler) Like(w http.ResponseWriter, r *http.Request) {
	h.engage(w, r, events.ActionLike, ingestion.MessageLikeAccepted)
}

// Unlike handles POST /api/v1/posts/{id}/unlike.
func (h *Handler) Unlike(w http.ResponseWriter, r *http.Request) {
	h.engage(w, r, events.ActionUnlike, ingestion.MessageUnlikeAccepted)
}

func (h *Handler) engage(w http.ResponseWriter, r *http.Request, action events.Action, message string) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	postID := r.PathValue("id")
	if err := validator.ValidatePostID(postID); err != nil {
		h.writeValidation(w, err)
		return
	}

	env, err := h.publisher.PublishEngagement(ctx, postID, actor, action)
	if err != nil {
		h.publishFailed(w, log, err)
		return
	}
	log.Debug("engagement event produced", "event_id", env.ID, "post_id", postID, "action", action)
	h.writeJSON(w, http.StatusOK, ingestion.AcceptedResponse{Message: message, EventID: env.ID})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := middleware.ActorID(r.Context())
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
		return "", false
	}
	return actor, true
}

// decodeBody reads one JSON object from the capped request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrPayloadTooLarge, tooLarge.Limit)
	default:
		return fmt.Errorf("%w: invalid JSON body", apperrors.ErrInvalidInput)
	}
}

func (h *Handler) publishFailed(w http.ResponseWriter, log *slog.Logger, err error) {
	status := apperrors.HTTPStatusCode(err)
	log.Error("publish failed", "error", err, "status_code", status)
	if apperrors.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
		h.writeError(w, status, "event log unavailable, try again later")
		return
	}
	h.writeError(w, status, "request could not be queued")
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
