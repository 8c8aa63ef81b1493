// Package events defines the envelope and payload schemas exchanged over the
// event log: post creation requests and like/unlike engagement events.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
)

// Limits enforced on payloads. The ingestion API checks the same values.
const (
	MaxContentLength = 10000
	MaxImageURLs     = 10
	MaxIDLength      = 128
)

// Action is the engagement verb carried by an EngagementEvent.
type Action string

const (
	ActionLike   Action = "like"
	ActionUnlike Action = "unlike"
)

// ParseAction normalises a wire value. "dislike" is the legacy spelling of
// unlike still emitted by older clients.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like":
		return ActionLike, nil
	case "unlike", "dislike":
		return ActionUnlike, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", apperrors.ErrInvalidEvent, s)
	}
}

// UnmarshalJSON accepts every spelling ParseAction does.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: action must be a string", apperrors.ErrInvalidEvent)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Envelope wraps every payload written to the log. Payload stays raw until
// the consumer knows which type to decode from the topic.
type Envelope struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	PublishedAt  time.Time       `json:"publishedAt"`
}

// PostCreateRequested asks the pipeline to persist a new post. Media has
// already been uploaded; only URLs travel on the log.
type PostCreateRequested struct {
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
	VideoURL  string   `json:"videoUrl,omitempty"`
	AuthorID  string   `json:"authorId"`
}

// UnmarshalJSON also reads the legacy field names createdBy and imageUrl,
// where imageUrl may be a list or a single string.
func (p *PostCreateRequested) UnmarshalJSON(data []byte) error {
	type fields PostCreateRequested
	var wire struct {
		fields
		CreatedBy string          `json:"createdBy"`
		ImageURL  json.RawMessage `json:"imageUrl"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = PostCreateRequested(wire.fields)
	if p.AuthorID == "" {
		p.AuthorID = wire.CreatedBy
	}
	if len(p.ImageURLs) == 0 && len(wire.ImageURL) > 0 {
		images, err := legacyImages(wire.ImageURL)
		if err != nil {
			return err
		}
		p.ImageURLs = images
	}
	return nil
}

func legacyImages(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: imageUrl must be a string or a list of strings", apperrors.ErrInvalidEvent)
	}
	if strings.TrimSpace(single) == "" {
		return nil, nil
	}
	return []string{single}, nil
}

// Validate checks the fields the store requires.
func (p PostCreateRequested) Validate() error {
	switch {
	case strings.TrimSpace(p.Content) == "":
		return fmt.Errorf("%w: content is required", apperrors.ErrInvalidEvent)
	case len(p.Content) > MaxContentLength:
		return fmt.Errorf("%w: content exceeds %d characters", apperrors.ErrInvalidEvent, MaxContentLength)
	case len(p.ImageURLs) > MaxImageURLs:
		return fmt.Errorf("%w: at most %d images", apperrors.ErrInvalidEvent, MaxImageURLs)
	}
	return validateID("authorId", p.AuthorID)
}

// EngagementEvent records that actor liked or unliked subject.
type EngagementEvent struct {
	SubjectID string    `json:"subjectId"`
	ActorID   string    `json:"actorId"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON also reads the legacy field names postId and userId.
func (e *EngagementEvent) UnmarshalJSON(data []byte) error {
	type fields EngagementEvent
	var wire struct {
		fields
		PostID string `json:"postId"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = EngagementEvent(wire.fields)
	if e.SubjectID == "" {
		e.SubjectID = wire.PostID
	}
	if e.ActorID == "" {
		e.ActorID = wire.UserID
	}
	return nil
}

// Validate checks identifiers and the action.
func (e EngagementEvent) Validate() error {
	if err := validateID("subjectId", e.SubjectID); err != nil {
		return err
	}
	if err := validateID("actorId", e.ActorID); err != nil {
		return err
	}
	if e.Action != ActionLike && e.Action != ActionUnlike {
		return fmt.Errorf("%w: unknown action %q", apperrors.ErrInvalidEvent, e.Action)
	}
	return nil
}

// DedupKey identifies the (subject, actor) pair; at most one pending action
// per key is kept in an open batch.
func (e EngagementEvent) DedupKey() string {
	return e.SubjectID + "\x00" + e.ActorID
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", apperrors.ErrInvalidEvent, field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d characters", apperrors.ErrInvalidEvent, field, MaxIDLength)
	}
	return nil
}

// Decoded is a validated payload together with its envelope metadata.
type Decoded[T any] struct {
	EventID     string
	PublishedAt time.Time
	Payload     T
}

// Decode parses a log message value into a validated payload. Values that
// are not wrapped in an Envelope are read as a bare payload, which is how
// the legacy service writes them: {content, imageUrl, videoUrl, createdBy}
// on the posts topic and {postId, userId, action, timestamp} on the
// engagement topic.
func Decode[T interface{ Validate() error }](value []byte) (Decoded[T], error) {
	var out Decoded[T]
	env, err := kafka.DecodeJSON[Envelope](value)
	if err != nil {
		return out, fmt.Errorf("%w: malformed envelope: %v", apperrors.ErrInvalidEvent, err)
	}
	raw := value
	if payload := bytes.TrimSpace(env.Payload); len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		raw = env.Payload
		out.EventID = env.ID
		out.PublishedAt = env.PublishedAt
	}
	payload, err := kafka.DecodeJSON[T](raw)
	if err != nil {
		return out, fmt.Errorf("%w: malformed payload: %v", apperrors.ErrInvalidEvent, err)
	}
	if err := payload.Validate(); err != nil {
		return out, err
	}
	out.Payload = payload
	return out, nil
}
