// Package validator provides input validation for ingestion requests and
// returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
)

const maxURLLength = 2048

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// ValidateCreatePost checks the request body against the limits the
// consumer enforces on PostCreateRequested, so a post accepted here is never
// dropped as invalid later.
func ValidateCreatePost(req *ingestion.CreatePostRequest) error {
	errs := make(map[string]string)

	content := strings.TrimSpace(req.Content)
	if content == "" {
		errs["content"] = "content is required"
	} else if len(req.Content) > events.MaxContentLength {
		errs["content"] = fmt.Sprintf("content must be at most %d characters", events.MaxContentLength)
	}
	if len(req.ImageURLs) > events.MaxImageURLs {
		errs["imageUrls"] = fmt.Sprintf("at most %d images are allowed", events.MaxImageURLs)
	}
	for _, u := range req.ImageURLs {
		if strings.TrimSpace(u) == "" || len(u) > maxURLLength {
			errs["imageUrls"] = fmt.Sprintf("image URLs must be non-empty and at most %d characters", maxURLLength)
			break
		}
	}
	if len(req.VideoURL) > maxURLLength {
		errs["videoUrl"] = fmt.Sprintf("videoUrl must be at most %d characters", maxURLLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidatePostID checks the {id} path segment of the engagement routes.
func ValidatePostID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &ValidationError{Fields: map[string]string{"id": "post id is required"}}
	case len(id) > events.MaxIDLength:
		return &ValidationError{Fields: map[string]string{"id": fmt.Sprintf("post id must be at most %d characters", events.MaxIDLength)}}
	}
	return nil
}
