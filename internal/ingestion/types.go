// Package ingestion defines the request/response types of the post
// ingestion HTTP API. Accepted requests are turned into events and
// published to the log; storage happens later in the consumer.
package ingestion

// CreatePostRequest is the JSON body accepted by POST /api/v1/posts. Media
// has already been uploaded; only its URLs are carried.
type CreatePostRequest struct {
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
	VideoURL  string   `json:"videoUrl,omitempty"`
}

// AcceptedResponse is returned once an event has been acknowledged by the
// log.
type AcceptedResponse struct {
	Message string `json:"message"`
	EventID string `json:"eventId"`
}

const (
	MessagePostAccepted   = "Post creation request sent"
	MessageLikeAccepted   = "Like event produced successfully"
	MessageUnlikeAccepted = "Dislike event produced successfully"
)
