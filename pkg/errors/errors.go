// Package errors holds the sentinel errors shared across the pipeline and
// maps them onto HTTP status codes for the ingestion API.
package errors

import (
	"errors"
	"net/http"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrTimeout          = errors.New("operation timed out")

	// ErrLogUnavailable marks a transient failure talking to the event log.
	ErrLogUnavailable = errors.New("event log unavailable")
	// ErrStoreUnavailable marks a transient failure talking to a store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrFlushFailed marks a batch whose effect was not fully persisted.
	ErrFlushFailed = errors.New("batch flush failed")
	// ErrFatal stops the consumer runtime; the process exits non-zero.
	ErrFatal = errors.New("fatal pipeline error")
)

// IsTransient reports whether err is an I/O failure a client may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLogUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// HTTPStatusCode picks the response status for err by the first matching
// sentinel in its chain.
func HTTPStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
