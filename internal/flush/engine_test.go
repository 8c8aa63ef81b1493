package flush

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store/memstore"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postBatch(posts ...PendingPost) *batch.Batch[PendingPost] {
	acc := batch.New[PendingPost](KindPosts, len(posts)+1, nil)
	for _, p := range posts {
		acc.Add(p)
	}
	return acc.SwapAndDrain()
}

func engagementBatch(evs ...events.EngagementEvent) *batch.Batch[events.EngagementEvent] {
	acc := batch.New(KindEngagement, len(evs)+1, events.EngagementEvent.DedupKey)
	for _, ev := range evs {
		acc.Add(ev)
	}
	return acc.SwapAndDrain()
}

func post(eventID, author, content string) PendingPost {
	return PendingPost{EventID: eventID, Request: events.PostCreateRequested{Content: content, AuthorID: author}}
}

func TestFlushPostsGroupsByAuthor(t *testing.T) {
	st := memstore.New()
	st.PutUser("U1")
	st.PutUser("U2")
	eng := NewEngine(st, nil, metrics.NewNop(), Config{Concurrency: 2})

	res, err := eng.FlushPosts(context.Background(), postBatch(
		post("e1", "U1", "a"),
		post("e2", "U2", "b"),
		post("e3", "U1", "c"),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Authors)
	assert.Zero(t, res.BackrefFailed)

	u1, err := st.FindUser(context.Background(), "U1")
	require.NoError(t, err)
	require.Len(t, u1.Posts, 2)
	first, err := st.FindPost(context.Background(), u1.Posts[0])
	require.NoError(t, err)
	assert.Equal(t, "a", first.Content, "author list follows batch order")
}

func TestFlushPostsInsertFailureSkipsBackrefs(t *testing.T) {
	st := memstore.New()
	st.PutUser("U1")
	st.FailInsert = apperrors.ErrStoreUnavailable
	eng := NewEngine(st, nil, metrics.NewNop(), Config{})

	_, err := eng.FlushPosts(context.Background(), postBatch(post("e1", "U1", "a")))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrFlushFailed)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	u1, err := st.FindUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, u1.Posts)
	assert.Zero(t, st.PostCount())
}

func TestFlushPostsMissingAuthorIsNotFatal(t *testing.T) {
	st := memstore.New()
	eng := NewEngine(st, nil, metrics.NewNop(), Config{})

	res, err := eng.FlushPosts(context.Background(), postBatch(post("e1", "ghost", "a")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.BackrefFailed)
}

func TestFlushPostsSkipsRedeliveredEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	st := memstore.New()
	st.PutUser("U1")
	m := metrics.NewNop()
	eng := NewEngine(st, dedup.NewRedis(client, "", 0), m, Config{})
	ctx := context.Background()

	res, err := eng.FlushPosts(ctx, postBatch(post("e1", "U1", "a"), post("e1", "U1", "a")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)

	// Redelivery after a restart arrives in a later batch.
	res, err = eng.FlushPosts(ctx, postBatch(post("e1", "U1", "a"), post("e2", "U1", "b")))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, st.PostCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDeduplicated.WithLabelValues(KindPosts, "already_flushed")))
}

func TestFlushPostsKeepsFirstCopyOfEventID(t *testing.T) {
	st := memstore.New()
	st.PutUser("U1")
	eng := NewEngine(st, nil, metrics.NewNop(), Config{})

	res, err := eng.FlushPosts(context.Background(), postBatch(
		post("e1", "U1", "first"),
		post("e2", "U1", "b"),
		post("e1", "U1", "second"),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Skipped)

	u1, err := st.FindUser(context.Background(), "U1")
	require.NoError(t, err)
	require.Len(t, u1.Posts, 2)
	var contents []string
	for _, id := range u1.Posts {
		p, err := st.FindPost(context.Background(), id)
		require.NoError(t, err)
		contents = append(contents, p.Content)
	}
	assert.Equal(t, []string{"first", "b"}, contents)
}

func TestFlushPostsWithoutEventID(t *testing.T) {
	st := memstore.New()
	st.PutUser("U1")
	eng := NewEngine(st, nil, nil, Config{})

	res, err := eng.FlushPosts(context.Background(), postBatch(post("", "U1", "x"), post("", "U1", "x")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted, "legacy events without an ID are never deduplicated")
}

func TestFlushReceiptOnlyBatch(t *testing.T) {
	acc := batch.New[PendingPost](KindPosts, 2, nil)
	acc.Attach(kafka.Message{Offset: 4})
	b := acc.SwapAndDrain()
	require.NotNil(t, b)

	res, err := NewEngine(memstore.New(), nil, nil, Config{}).FlushPosts(context.Background(), b)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
}

func TestFlushEngagementCollapsesLikeThenUnlike(t *testing.T) {
	st := memstore.New()
	st.PutPost(store.Post{ID: "P1"})
	eng := NewEngine(st, nil, metrics.NewNop(), Config{})

	res, err := eng.FlushEngagement(context.Background(), engagementBatch(
		events.EngagementEvent{SubjectID: "P1", ActorID: "A", Action: events.ActionLike},
		events.EngagementEvent{SubjectID: "P1", ActorID: "A", Action: events.ActionUnlike},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, 1, res.Noop)

	p, err := st.FindPost(context.Background(), "P1")
	require.NoError(t, err)
	assert.Zero(t, p.Likes)
	assert.Empty(t, p.LikedBy)
}

func TestFlushEngagementIdempotentReplay(t *testing.T) {
	st := memstore.New()
	st.PutPost(store.Post{ID: "P1"})
	eng := NewEngine(st, nil, metrics.NewNop(), Config{})
	like := events.EngagementEvent{SubjectID: "P1", ActorID: "U2", Action: events.ActionLike}

	for i := 0; i < 2; i++ {
		_, err := eng.FlushEngagement(context.Background(), engagementBatch(like))
		require.NoError(t, err)
	}
	p, err := st.FindPost(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Likes)
	assert.Equal(t, []string{"U2"}, p.LikedBy)
}

func TestFlushEngagementPartialFailure(t *testing.T) {
	st := memstore.New()
	st.PutPost(store.Post{ID: "P1"})
	st.PutPost(store.Post{ID: "P2"})
	st.FailUpdate["P2"] = errors.New("write conflict")
	m := metrics.NewNop()
	eng := NewEngine(st, nil, m, Config{})

	res, err := eng.FlushEngagement(context.Background(), engagementBatch(
		events.EngagementEvent{SubjectID: "P1", ActorID: "U1", Action: events.ActionLike},
		events.EngagementEvent{SubjectID: "P2", ActorID: "U1", Action: events.ActionLike},
		events.EngagementEvent{SubjectID: "P1", ActorID: "U9", Action: events.ActionUnlike},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrFlushFailed)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Noop)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "P2", res.Failed[0].SubjectID)

	p1, err := st.FindPost(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Likes, "other updates still apply")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EngagementUpdates.WithLabelValues("like", "failed")))
}

func TestLikeCountMatchesLikedBy(t *testing.T) {
	st := memstore.New()
	st.PutPost(store.Post{ID: "P1"})
	eng := NewEngine(st, nil, metrics.NewNop(), Config{Concurrency: 4})
	actors := []string{"A", "B", "C", "D"}
	rounds := [][]events.Action{
		{events.ActionLike, events.ActionLike, events.ActionUnlike, events.ActionLike},
		{events.ActionUnlike, events.ActionLike, events.ActionUnlike, events.ActionUnlike},
		{events.ActionUnlike, events.ActionUnlike, events.ActionLike, events.ActionLike},
	}
	for _, round := range rounds {
		var evs []events.EngagementEvent
		for i, a := range round {
			evs = append(evs, events.EngagementEvent{SubjectID: "P1", ActorID: actors[i], Action: a})
		}
		_, err := eng.FlushEngagement(context.Background(), engagementBatch(evs...))
		require.NoError(t, err)

		p, err := st.FindPost(context.Background(), "P1")
		require.NoError(t, err)
		assert.Equal(t, len(p.LikedBy), p.Likes)
		assert.GreaterOrEqual(t, p.Likes, 0)
	}
}
