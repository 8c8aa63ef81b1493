// Package memstore is an in-memory store.Store used by tests and local runs
// without MongoDB. It applies the same conditional update rules as the
// MongoDB adapter.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/google/uuid"
)

// Store holds posts and users in maps guarded by one mutex.
type Store struct {
	mu    sync.RWMutex
	posts map[string]*store.Post
	users map[string]*store.User

	// FailInsert, when set, is returned by InsertPosts.
	FailInsert error
	// FailUpdate, when set, is returned by like updates for the given post.
	FailUpdate map[string]error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		posts:      make(map[string]*store.Post),
		users:      make(map[string]*store.User),
		FailUpdate: make(map[string]error),
	}
}

// PutUser creates or resets a user document.
func (s *Store) PutUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &store.User{ID: id}
}

// PutPost stores a post as is, for seeding tests.
func (s *Store) PutPost(p store.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	cp.LikedBy = slices.Clone(p.LikedBy)
	s.posts[p.ID] = &cp
}

// PostCount returns the number of stored posts.
func (s *Store) PostCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

func (s *Store) InsertPosts(_ context.Context, posts []store.NewPost) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		return nil, s.FailInsert
	}
	ids := make([]string, len(posts))
	for i, np := range posts {
		id := uuid.NewString()
		s.posts[id] = &store.Post{
			ID:        id,
			Content:   np.Content,
			ImageURLs: slices.Clone(np.ImageURLs),
			VideoURL:  np.VideoURL,
			AuthorID:  np.AuthorID,
			LikedBy:   []string{},
			CreatedAt: np.CreatedAt,
			UpdatedAt: np.CreatedAt,
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *Store) AppendUserPosts(_ context.Context, userID string, postIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, apperrors.ErrDocumentNotFound)
	}
	for _, id := range postIDs {
		if !slices.Contains(u.Posts, id) {
			u.Posts = append(u.Posts, id)
		}
	}
	return nil
}

func (s *Store) AddLike(_ context.Context, postID, actorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailUpdate[postID]; err != nil {
		return false, err
	}
	p, ok := s.posts[postID]
	if !ok || slices.Contains(p.LikedBy, actorID) {
		return false, nil
	}
	p.LikedBy = append(p.LikedBy, actorID)
	p.Likes++
	return true, nil
}

func (s *Store) RemoveLike(_ context.Context, postID, actorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailUpdate[postID]; err != nil {
		return false, err
	}
	p, ok := s.posts[postID]
	if !ok || p.Likes <= 0 {
		return false, nil
	}
	i := slices.Index(p.LikedBy, actorID)
	if i < 0 {
		return false, nil
	}
	p.LikedBy = slices.Delete(p.LikedBy, i, i+1)
	p.Likes--
	return true, nil
}

func (s *Store) FindPost(_ context.Context, postID string) (*store.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", postID, apperrors.ErrDocumentNotFound)
	}
	cp := *p
	cp.LikedBy = slices.Clone(p.LikedBy)
	cp.ImageURLs = slices.Clone(p.ImageURLs)
	return &cp, nil
}

func (s *Store) FindUser(_ context.Context, userID string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, apperrors.ErrDocumentNotFound)
	}
	return &store.User{ID: u.ID, Posts: slices.Clone(u.Posts)}, nil
}

func (s *Store) Ping(context.Context) error { return nil }
