// Package mongostore implements store.Store on MongoDB. Like counters are
// changed only by single-document conditional updates, so the counter and
// the liked-by set cannot diverge even when flushes overlap or events are
// redelivered.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type postDoc struct {
	ID            primitive.ObjectID `bson:"_id"`
	Content       string             `bson:"content"`
	ImageURL      []string           `bson:"imageUrl"`
	VideoURL      string             `bson:"videoUrl,omitempty"`
	CreatedBy     any                `bson:"createdBy"`
	Likes         int                `bson:"likes"`
	LikedBy       []any              `bson:"likedBy"`
	CommentsCount int                `bson:"commentsCount"`
	Comments      []any              `bson:"comments"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
}

type userDoc struct {
	ID    any   `bson:"_id"`
	Posts []any `bson:"posts"`
}

// Store writes posts and users through the official MongoDB driver.
type Store struct {
	client *mongodb.Client
	posts  *mongo.Collection
	users  *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// New returns a Store over the client's configured collections.
func New(client *mongodb.Client) *Store {
	return &Store{client: client, posts: client.Posts(), users: client.Users()}
}

// InsertPosts assigns ObjectIDs client-side so the returned IDs are known
// even if the server reports a partial failure. On failure every document
// from this call that did make it in is deleted again.
func (s *Store) InsertPosts(ctx context.Context, posts []store.NewPost) ([]string, error) {
	if len(posts) == 0 {
		return nil, nil
	}
	docs := make([]any, len(posts))
	oids := make([]primitive.ObjectID, len(posts))
	ids := make([]string, len(posts))
	for i, np := range posts {
		oid := primitive.NewObjectID()
		imageURLs := np.ImageURLs
		if imageURLs == nil {
			imageURLs = []string{}
		}
		docs[i] = postDoc{
			ID:        oid,
			Content:   np.Content,
			ImageURL:  imageURLs,
			VideoURL:  np.VideoURL,
			CreatedBy: docID(np.AuthorID),
			LikedBy:   []any{},
			Comments:  []any{},
			CreatedAt: np.CreatedAt,
			UpdatedAt: np.CreatedAt,
		}
		oids[i] = oid
		ids[i] = oid.Hex()
	}

	if _, err := s.posts.InsertMany(ctx, docs); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, delErr := s.posts.DeleteMany(cleanupCtx, bson.M{"_id": bson.M{"$in": oids}}); delErr != nil {
			return nil, fmt.Errorf("inserting %d posts: %w (cleanup failed: %v)", len(posts), wrapErr(err), delErr)
		}
		return nil, fmt.Errorf("inserting %d posts: %w", len(posts), wrapErr(err))
	}
	return ids, nil
}

func (s *Store) AppendUserPosts(ctx context.Context, userID string, postIDs []string) error {
	if len(postIDs) == 0 {
		return nil
	}
	refs := make([]any, len(postIDs))
	for i, id := range postIDs {
		refs[i] = docID(id)
	}
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": docID(userID)},
		bson.M{"$addToSet": bson.M{"posts": bson.M{"$each": refs}}},
	)
	if err != nil {
		return fmt.Errorf("appending posts to user %s: %w", userID, wrapErr(err))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %s: %w", userID, apperrors.ErrDocumentNotFound)
	}
	return nil
}

func (s *Store) AddLike(ctx context.Context, postID, actorID string) (bool, error) {
	actor := docID(actorID)
	res, err := s.posts.UpdateOne(ctx,
		bson.M{"_id": docID(postID), "likedBy": bson.M{"$ne": actor}},
		bson.M{
			"$addToSet": bson.M{"likedBy": actor},
			"$inc":      bson.M{"likes": 1},
			"$set":      bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("liking post %s: %w", postID, wrapErr(err))
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) RemoveLike(ctx context.Context, postID, actorID string) (bool, error) {
	actor := docID(actorID)
	res, err := s.posts.UpdateOne(ctx,
		bson.M{"_id": docID(postID), "likedBy": actor, "likes": bson.M{"$gt": 0}},
		bson.M{
			"$pull": bson.M{"likedBy": actor},
			"$inc":  bson.M{"likes": -1},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("unliking post %s: %w", postID, wrapErr(err))
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) FindPost(ctx context.Context, postID string) (*store.Post, error) {
	var doc postDoc
	err := s.posts.FindOne(ctx, bson.M{"_id": docID(postID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("post %s: %w", postID, apperrors.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding post %s: %w", postID, wrapErr(err))
	}
	likedBy := make([]string, len(doc.LikedBy))
	for i, v := range doc.LikedBy {
		likedBy[i] = idString(v)
	}
	return &store.Post{
		ID:            doc.ID.Hex(),
		Content:       doc.Content,
		ImageURLs:     doc.ImageURL,
		VideoURL:      doc.VideoURL,
		AuthorID:      idString(doc.CreatedBy),
		Likes:         doc.Likes,
		LikedBy:       likedBy,
		CommentsCount: doc.CommentsCount,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func (s *Store) FindUser(ctx context.Context, userID string) (*store.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": docID(userID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("user %s: %w", userID, apperrors.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding user %s: %w", userID, wrapErr(err))
	}
	posts := make([]string, len(doc.Posts))
	for i, v := range doc.Posts {
		posts[i] = idString(v)
	}
	return &store.User{ID: idString(doc.ID), Posts: posts}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// docID stores hex IDs as ObjectIDs, matching documents created by the API,
// and anything else as a plain string.
func docID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// wrapErr marks connectivity failures as ErrStoreUnavailable.
func wrapErr(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return err
}
