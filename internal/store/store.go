// Package store defines the document store the flush engine writes to and
// the post and user documents it touches.
package store

import (
	"context"
	"time"
)

// Post is a persisted post. LikedBy and Likes are only mutated through
// AddLike and RemoveLike, which keep Likes equal to len(LikedBy).
type Post struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	ImageURLs     []string  `json:"imageUrls,omitempty"`
	VideoURL      string    `json:"videoUrl,omitempty"`
	AuthorID      string    `json:"authorId"`
	Likes         int       `json:"likes"`
	LikedBy       []string  `json:"likedBy"`
	CommentsCount int       `json:"commentsCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewPost is the write model for a post creation.
type NewPost struct {
	Content   string
	ImageURLs []string
	VideoURL  string
	AuthorID  string
	CreatedAt time.Time
}

// User is the subset of the user document the pipeline reads.
type User struct {
	ID    string   `json:"id"`
	Posts []string `json:"posts"`
}

// Store is the document store contract consumed by the flush engine.
type Store interface {
	// InsertPosts persists all posts or none and returns their IDs in
	// input order.
	InsertPosts(ctx context.Context, posts []NewPost) ([]string, error)
	// AppendUserPosts adds postIDs to the user's post list, skipping IDs
	// already present. It returns ErrDocumentNotFound for an unknown user.
	AppendUserPosts(ctx context.Context, userID string, postIDs []string) error
	// AddLike adds actorID to the post's liked-by set and increments its
	// counter, only if actorID is not already a member.
	AddLike(ctx context.Context, postID, actorID string) (applied bool, err error)
	// RemoveLike removes actorID and decrements the counter, only if
	// actorID is a member and the counter is positive.
	RemoveLike(ctx context.Context, postID, actorID string) (applied bool, err error)
	FindPost(ctx context.Context, postID string) (*Post, error)
	FindUser(ctx context.Context, userID string) (*User, error)
	Ping(ctx context.Context) error
}
