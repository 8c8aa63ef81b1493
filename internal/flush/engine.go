// Package flush turns swapped-out batches into document store writes.
//
// A post batch is inserted as one unit; only after the insert succeeds are
// the new IDs appended to their authors' post lists, one update per author.
// An engagement batch becomes one conditional update per (post, actor)
// entry; those updates are independent and a failure of one does not stop
// the others.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Batch kinds.
const (
	KindPosts      = "posts"
	KindEngagement = "engagement"
)

// PendingPost is a post-create event waiting in a batch.
type PendingPost struct {
	EventID     string                     `json:"eventId,omitempty"`
	Request     events.PostCreateRequested `json:"request"`
	PublishedAt time.Time                  `json:"publishedAt"`
}

// Result summarises one flush.
type Result struct {
	BatchID string
	Kind    string
	Entries int

	// Post batches.
	Inserted      int
	Skipped       int
	Authors       int
	BackrefFailed int

	// Engagement batches.
	Applied int
	Noop    int
	Failed  []events.EngagementEvent

	Duration time.Duration
}

// Config tunes an Engine.
type Config struct {
	// Concurrency bounds the number of per-author and per-post updates in
	// flight during one flush.
	Concurrency int
}

// Engine flushes batches to a store.Store.
type Engine struct {
	store       store.Store
	dedup       dedup.Deduper
	metrics     *metrics.Metrics
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates an Engine. A nil deduper disables cross-batch
// de-duplication of post-create events.
func NewEngine(st store.Store, d dedup.Deduper, m *metrics.Metrics, cfg Config) *Engine {
	if d == nil {
		d = dedup.Nop{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Engine{
		store:       st,
		dedup:       d,
		metrics:     m,
		concurrency: cfg.Concurrency,
		logger:      slog.Default().With("component", "flush-engine"),
	}
}

// FlushPosts inserts every post in b that has not been flushed before and
// then appends the new IDs to their authors. If the insert fails nothing is
// persisted and the error wraps ErrFlushFailed. Back-reference failures are
// logged and counted but do not fail the flush, since the posts are already
// durable.
func (e *Engine) FlushPosts(ctx context.Context, b *batch.Batch[PendingPost]) (Result, error) {
	start := time.Now()
	res := Result{BatchID: b.ID(), Kind: KindPosts, Entries: b.Len()}
	if b.Len() == 0 {
		return res, nil
	}
	ctx, span := tracing.StartSpan(ctx, "flush.posts", b.ID())
	defer func() {
		span.End()
		span.Log(e.logger)
	}()
	span.SetAttr("batch_size", b.Len())

	pending := e.skipFlushed(ctx, b.Items(), &res)
	if len(pending) == 0 {
		e.observe(KindPosts, res.Entries, start, &res)
		return res, nil
	}

	docs := make([]store.NewPost, len(pending))
	for i, p := range pending {
		createdAt := p.PublishedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		docs[i] = store.NewPost{
			Content:   p.Request.Content,
			ImageURLs: p.Request.ImageURLs,
			VideoURL:  p.Request.VideoURL,
			AuthorID:  p.Request.AuthorID,
			CreatedAt: createdAt,
		}
	}

	insertCtx, insertSpan := tracing.StartChildSpan(ctx, "store.insert_posts")
	ids, err := e.store.InsertPosts(insertCtx, docs)
	insertSpan.Fail(err)
	insertSpan.End()
	if err != nil {
		e.observe(KindPosts, res.Entries, start, &res)
		return res, fmt.Errorf("%w: batch %s: %w", apperrors.ErrFlushFailed, b.ID(), err)
	}
	res.Inserted = len(ids)

	e.markFlushed(ctx, pending)

	byAuthor, order := groupByAuthor(pending, ids)
	res.Authors = len(order)
	res.BackrefFailed = e.appendBackrefs(ctx, byAuthor, order)

	e.observe(KindPosts, res.Entries, start, &res)
	e.logger.Info("post batch flushed",
		"batch_id", b.ID(),
		"inserted", res.Inserted,
		"skipped", res.Skipped,
		"authors", res.Authors,
		"backref_failed", res.BackrefFailed,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// FlushEngagement applies the final pending action for every (post, actor)
// entry in b. Each update is conditional, so redelivered likes and unlikes
// without a matching like are no-ops. When some updates fail the error
// wraps ErrFlushFailed and Result.Failed lists the affected entries.
func (e *Engine) FlushEngagement(ctx context.Context, b *batch.Batch[events.EngagementEvent]) (Result, error) {
	start := time.Now()
	res := Result{BatchID: b.ID(), Kind: KindEngagement, Entries: b.Len()}
	if b.Len() == 0 {
		return res, nil
	}
	ctx, span := tracing.StartSpan(ctx, "flush.engagement", b.ID())
	defer func() {
		span.End()
		span.Log(e.logger)
	}()
	span.SetAttr("batch_size", b.Len())
	span.SetAttr("concurrency", e.concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, ev := range b.Items() {
		g.Go(func() error {
			applied, err := e.applyEngagement(gctx, ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed = append(res.Failed, ev)
				e.metrics.EngagementUpdates.WithLabelValues(string(ev.Action), "failed").Inc()
				e.logger.Error("engagement update failed",
					"post_id", ev.SubjectID,
					"actor_id", ev.ActorID,
					"action", ev.Action,
					"error", err,
				)
			case applied:
				res.Applied++
				e.metrics.EngagementUpdates.WithLabelValues(string(ev.Action), "applied").Inc()
			default:
				res.Noop++
				e.metrics.EngagementUpdates.WithLabelValues(string(ev.Action), "noop").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	e.observe(KindEngagement, res.Entries, start, &res)
	e.logger.Info("engagement batch flushed",
		"batch_id", b.ID(),
		"applied", res.Applied,
		"noop", res.Noop,
		"failed", len(res.Failed),
		"duration_ms", res.Duration.Milliseconds(),
	)
	if len(res.Failed) > 0 {
		err := fmt.Errorf("%w: batch %s: %d of %d engagement updates failed",
			apperrors.ErrFlushFailed, b.ID(), len(res.Failed), res.Entries)
		span.Fail(err)
		return res, err
	}
	return res, nil
}

func (e *Engine) applyEngagement(ctx context.Context, ev events.EngagementEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch ev.Action {
	case events.ActionLike:
		return e.store.AddLike(ctx, ev.SubjectID, ev.ActorID)
	case events.ActionUnlike:
		return e.store.RemoveLike(ctx, ev.SubjectID, ev.ActorID)
	default:
		return false, fmt.Errorf("%w: unknown action %q", apperrors.ErrInvalidEvent, ev.Action)
	}
}

// skipFlushed drops entries whose event ID repeats within the batch, keeping
// the first copy, or was recorded by an earlier flush. A deduper failure is logged and every entry
// is kept.
func (e *Engine) skipFlushed(ctx context.Context, items []PendingPost, res *Result) []PendingPost {
	inBatch := make(map[string]struct{}, len(items))
	unique := items[:0:0]
	var ids []string
	for _, p := range items {
		if p.EventID == "" {
			unique = append(unique, p)
			continue
		}
		if _, dup := inBatch[p.EventID]; dup {
			res.Skipped++
			e.metrics.EventsDeduplicated.WithLabelValues(KindPosts, "redelivered").Inc()
			continue
		}
		inBatch[p.EventID] = struct{}{}
		unique = append(unique, p)
		ids = append(ids, p.EventID)
	}
	if len(ids) == 0 {
		return unique
	}

	seen, err := e.dedup.Seen(ctx, ids)
	if err != nil {
		e.logger.Warn("dedup lookup failed, flushing without it", "error", err)
		return unique
	}
	flushed := make(map[string]struct{})
	for i, id := range ids {
		if seen[i] {
			flushed[id] = struct{}{}
		}
	}
	if len(flushed) == 0 {
		return unique
	}
	out := unique[:0:0]
	for _, p := range unique {
		if _, ok := flushed[p.EventID]; ok {
			res.Skipped++
			e.metrics.EventsDeduplicated.WithLabelValues(KindPosts, "already_flushed").Inc()
			continue
		}
		out = append(out, p)
	}
	return out
}

func (e *Engine) markFlushed(ctx context.Context, posts []PendingPost) {
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		if p.EventID != "" {
			ids = append(ids, p.EventID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.dedup.Mark(ctx, ids); err != nil {
		e.logger.Warn("recording flushed events failed", "count", len(ids), "error", err)
	}
}

// groupByAuthor maps each author to their new post IDs in batch order and
// returns the authors in order of first appearance.
func groupByAuthor(posts []PendingPost, ids []string) (map[string][]string, []string) {
	byAuthor := make(map[string][]string)
	var order []string
	for i, p := range posts {
		author := p.Request.AuthorID
		if _, ok := byAuthor[author]; !ok {
			order = append(order, author)
		}
		byAuthor[author] = append(byAuthor[author], ids[i])
	}
	return byAuthor, order
}

func (e *Engine) appendBackrefs(ctx context.Context, byAuthor map[string][]string, order []string) int {
	ctx, span := tracing.StartChildSpan(ctx, "store.append_user_posts")
	defer span.End()
	span.SetAttr("authors", len(order))

	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, author := range order {
		postIDs := byAuthor[author]
		g.Go(func() error {
			err := e.store.AppendUserPosts(gctx, author, postIDs)
			if err == nil {
				return nil
			}
			mu.Lock()
			failed++
			mu.Unlock()
			level := slog.LevelError
			if errors.Is(err, apperrors.ErrDocumentNotFound) {
				level = slog.LevelWarn
			}
			e.logger.Log(gctx, level, "appending posts to author failed",
				"author_id", author,
				"post_count", len(postIDs),
				"error", err,
			)
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttr("failed", failed)
	return failed
}

func (e *Engine) observe(kind string, size int, start time.Time, res *Result) {
	res.Duration = time.Since(start)
	e.metrics.BatchSize.WithLabelValues(kind).Observe(float64(size))
	e.metrics.FlushDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())
}
