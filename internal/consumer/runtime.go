// Package consumer runs the batching consumer: one poll loop per topic that
// feeds the matching accumulator, and one timer that flushes every kind on
// a fixed interval. A batch reaching its hard cap is flushed inline by the
// poll loop that filled it.
//
// Two commit modes are supported. In drop mode offsets are committed as
// soon as a message is batched and a failed flush drops the batch into the
// dead-letter recorder. In redeliver mode offsets are committed only after
// the batch holding the message has been flushed; a failed flush stops the
// runtime with an ErrFatal error so the process exits and the log
// redelivers everything after the last committed offset.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/flush"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Flush triggers, used as metric labels.
const (
	TriggerSize     = "size"
	TriggerTimer    = "timer"
	TriggerShutdown = "shutdown"
)

// Lifecycle states reported by State.
const (
	StateDisconnected = "disconnected"
	StateRunning      = "running"
	StateStopped      = "stopped"
)

// Subscription is one group member consuming one topic.
type Subscription interface {
	Start(ctx context.Context) error
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Topic() string
}

// SubscribeFunc creates a subscription delivering topic to handler. With
// manualCommit set, offsets are committed only through Commit.
type SubscribeFunc func(topic string, handler kafka.MessageHandler, manualCommit bool) Subscription

// KafkaSubscriber subscribes through kafka-go readers in cfg's consumer
// group.
func KafkaSubscriber(cfg config.KafkaConfig) SubscribeFunc {
	return func(topic string, handler kafka.MessageHandler, manualCommit bool) Subscription {
		var opts []kafka.ConsumerOption
		if manualCommit {
			opts = append(opts, kafka.WithManualCommit())
		}
		return kafka.NewConsumer(cfg, topic, handler, opts...)
	}
}

// Config holds the runtime's topics, thresholds, and commit mode.
type Config struct {
	PostsTopic           string
	EngagementTopic      string
	PostBatchSize        int
	EngagementBatchSize  int
	FlushInterval        time.Duration
	ShutdownFlushTimeout time.Duration
	CommitMode           string
}

// ConfigFrom extracts the runtime settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PostsTopic:           cfg.Kafka.Topics.CreatePosts,
		EngagementTopic:      cfg.Kafka.Topics.Engagement,
		PostBatchSize:        cfg.Pipeline.PostBatchSize,
		EngagementBatchSize:  cfg.Pipeline.EngagementBatchSize,
		FlushInterval:        cfg.Pipeline.FlushInterval,
		ShutdownFlushTimeout: cfg.Pipeline.ShutdownFlushTimeout,
		CommitMode:           cfg.Pipeline.CommitMode,
	}
}

// Runtime owns the accumulators and drives flushes.
type Runtime struct {
	cfg         Config
	engine      *flush.Engine
	deadLetters deadletter.Recorder
	metrics     *metrics.Metrics
	subscribe   SubscribeFunc
	logger      *slog.Logger

	posts      *batch.Accumulator[flush.PendingPost]
	engagement *batch.Accumulator[events.EngagementEvent]

	subs    map[string]Subscription
	ready   atomic.Bool
	started atomic.Bool
	state   atomic.Value

	mu     sync.Mutex
	fatal  error
	cancel context.CancelCauseFunc
}

// New creates a Runtime. A nil recorder discards dropped batches after
// logging them.
func New(cfg Config, engine *flush.Engine, subscribe SubscribeFunc, dl deadletter.Recorder, m *metrics.Metrics) *Runtime {
	if cfg.CommitMode == "" {
		cfg.CommitMode = config.CommitModeDrop
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = 5 * time.Second
	}
	if dl == nil {
		dl = deadletter.Discard{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	r := &Runtime{
		cfg:         cfg,
		engine:      engine,
		deadLetters: dl,
		metrics:     m,
		subscribe:   subscribe,
		logger:      slog.Default().With("component", "consumer-runtime"),
		posts:       batch.New[flush.PendingPost](flush.KindPosts, cfg.PostBatchSize, nil),
		engagement:  batch.New(flush.KindEngagement, cfg.EngagementBatchSize, events.EngagementEvent.DedupKey),
		subs:        make(map[string]Subscription),
	}
	r.state.Store(StateDisconnected)
	return r
}

// State returns the lifecycle state: disconnected before Run, running
// while polling, and stopped once Run has returned.
func (r *Runtime) State() string {
	return r.state.Load().(string)
}

// Ready reports whether the poll loops are running.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// Pending returns the number of entries in each open batch, by kind.
func (r *Runtime) Pending() map[string]int {
	return map[string]int{
		flush.KindPosts:      r.posts.Len(),
		flush.KindEngagement: r.engagement.Len(),
	}
}

// Run subscribes to both topics and blocks until ctx is cancelled or the
// runtime fails. On the way out it flushes every non-empty batch once,
// bounded by the shutdown flush timeout. It returns nil after a clean
// shutdown and an error wrapping ErrFatal otherwise. A Runtime can only be
// run once.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: runtime already started", apperrors.ErrFatal)
	}
	manual := r.redeliver()
	r.subs[r.cfg.PostsTopic] = r.subscribe(r.cfg.PostsTopic, r.handlePost, manual)
	r.subs[r.cfg.EngagementTopic] = r.subscribe(r.cfg.EngagementTopic, r.handleEngagement, manual)
	defer r.closeSubscriptions()

	runCtx, cancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel(nil)

	g, gctx := errgroup.WithContext(runCtx)
	for topic, sub := range r.subs {
		g.Go(func() error {
			if err := sub.Start(gctx); err != nil {
				return r.fail(fmt.Errorf("consuming %s: %w", topic, err))
			}
			return nil
		})
	}
	g.Go(func() error {
		r.timerLoop(gctx)
		return nil
	})

	r.state.Store(StateRunning)
	r.ready.Store(true)
	r.logger.Info("consumer runtime started",
		"posts_topic", r.cfg.PostsTopic,
		"engagement_topic", r.cfg.EngagementTopic,
		"flush_interval", r.cfg.FlushInterval,
		"commit_mode", r.cfg.CommitMode,
	)

	_ = g.Wait()
	r.ready.Store(false)
	defer r.state.Store(StateStopped)

	fatal := r.fatalErr()
	if fatal != nil && r.redeliver() && errors.Is(fatal, apperrors.ErrFlushFailed) {
		r.logger.Warn("skipping final flush, pending events will be redelivered",
			"pending", r.Pending())
		return fatal
	}

	err := resilience.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownFlushTimeout, "final flush",
		func(ctx context.Context) error {
			return r.FlushAll(ctx, TriggerShutdown)
		})
	if err != nil {
		r.logger.Error("final flush incomplete", "error", err)
	}
	r.logger.Info("consumer runtime stopped")
	return r.fatalErr()
}

// FlushAll swaps out and flushes every non-empty batch.
func (r *Runtime) FlushAll(ctx context.Context, trigger string) error {
	var errs []error
	if b := r.posts.SwapAndDrain(); b != nil {
		r.metrics.PendingEvents.WithLabelValues(flush.KindPosts).Set(0)
		errs = append(errs, r.flushPosts(ctx, b, trigger))
	}
	if b := r.engagement.SwapAndDrain(); b != nil {
		r.metrics.PendingEvents.WithLabelValues(flush.KindEngagement).Set(0)
		errs = append(errs, r.flushEngagement(ctx, b, trigger))
	}
	return errors.Join(errs...)
}

func (r *Runtime) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.FlushAll(context.WithoutCancel(ctx), TriggerTimer); err != nil {
				r.logger.Debug("timer flush finished with errors", "error", err)
			}
		}
	}
}

func (r *Runtime) handlePost(ctx context.Context, msg kafka.Message) error {
	decoded, err := events.Decode[events.PostCreateRequested](msg.Value)
	if err != nil {
		r.skip(r.posts.Attach, msg, err)
		return nil
	}
	full, _ := r.posts.Add(flush.PendingPost{
		EventID:     decoded.EventID,
		Request:     decoded.Payload,
		PublishedAt: decoded.PublishedAt,
	}, r.receipts(msg)...)
	r.metrics.EventsConsumed.WithLabelValues(msg.Topic, "batched").Inc()
	if full == nil {
		r.metrics.PendingEvents.WithLabelValues(flush.KindPosts).Set(float64(r.posts.Len()))
		return nil
	}
	r.metrics.PendingEvents.WithLabelValues(flush.KindPosts).Set(0)
	return r.flushPosts(context.WithoutCancel(ctx), full, TriggerSize)
}

func (r *Runtime) handleEngagement(ctx context.Context, msg kafka.Message) error {
	decoded, err := events.Decode[events.EngagementEvent](msg.Value)
	if err != nil {
		r.skip(r.engagement.Attach, msg, err)
		return nil
	}
	ev := decoded.Payload
	if ev.Timestamp.IsZero() {
		ev.Timestamp = decoded.PublishedAt
	}
	full, replaced := r.engagement.Add(ev, r.receipts(msg)...)
	r.metrics.EventsConsumed.WithLabelValues(msg.Topic, "batched").Inc()
	if replaced {
		r.metrics.EventsDeduplicated.WithLabelValues(flush.KindEngagement, "replaced").Inc()
	}
	if full == nil {
		r.metrics.PendingEvents.WithLabelValues(flush.KindEngagement).Set(float64(r.engagement.Len()))
		return nil
	}
	r.metrics.PendingEvents.WithLabelValues(flush.KindEngagement).Set(0)
	return r.flushEngagement(context.WithoutCancel(ctx), full, TriggerSize)
}

// skip logs a message that failed validation. In redeliver mode its offset
// rides along with the open batch so commits stay in log order.
func (r *Runtime) skip(attach func(...kafka.Message), msg kafka.Message, err error) {
	r.metrics.EventsConsumed.WithLabelValues(msg.Topic, "invalid").Inc()
	r.logger.Warn("skipping invalid event",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"event_id", kafka.HeaderValue(msg, kafka.HeaderEventID),
		"error", err,
	)
	attach(r.receipts(msg)...)
}

func (r *Runtime) receipts(msg kafka.Message) []kafka.Message {
	if !r.redeliver() {
		return nil
	}
	return []kafka.Message{msg}
}

func (r *Runtime) flushPosts(ctx context.Context, b *batch.Batch[flush.PendingPost], trigger string) error {
	return r.posts.Flush(ctx, b, func(ctx context.Context, b *batch.Batch[flush.PendingPost]) error {
		_, err := r.engine.FlushPosts(ctx, b)
		return r.settle(ctx, b.Kind(), trigger, r.cfg.PostsTopic, b.ID(), b.Receipts(), err, func() deadletter.Entry {
			return deadletter.Entry{Events: b.Items(), Count: b.Len()}
		})
	})
}

func (r *Runtime) flushEngagement(ctx context.Context, b *batch.Batch[events.EngagementEvent], trigger string) error {
	return r.engagement.Flush(ctx, b, func(ctx context.Context, b *batch.Batch[events.EngagementEvent]) error {
		res, err := r.engine.FlushEngagement(ctx, b)
		return r.settle(ctx, b.Kind(), trigger, r.cfg.EngagementTopic, b.ID(), b.Receipts(), err, func() deadletter.Entry {
			return deadletter.Entry{Events: res.Failed, Count: len(res.Failed)}
		})
	})
}

// settle commits a flushed batch's receipts, or applies the failure policy
// of the commit mode. A dropped batch is handled, so only a redeliver-mode
// failure returns an error.
func (r *Runtime) settle(ctx context.Context, kind, trigger, topic, batchID string, receipts []kafka.Message, flushErr error, dropped func() deadletter.Entry) error {
	if flushErr == nil {
		r.metrics.FlushesTotal.WithLabelValues(kind, trigger, "ok").Inc()
		if len(receipts) > 0 {
			if err := r.subs[topic].Commit(ctx, receipts...); err != nil {
				r.logger.Error("committing flushed batch failed, events may be redelivered",
					"batch_id", batchID,
					"kind", kind,
					"error", err,
				)
			}
		}
		return nil
	}

	r.metrics.FlushesTotal.WithLabelValues(kind, trigger, "error").Inc()
	if r.redeliver() {
		r.logger.Error("flush failed, stopping for redelivery",
			"batch_id", batchID,
			"kind", kind,
			"trigger", trigger,
			"error", flushErr,
		)
		return r.fail(flushErr)
	}

	entry := dropped()
	entry.BatchID = batchID
	entry.Kind = kind
	entry.Reason = flushErr.Error()
	entry.DroppedAt = time.Now().UTC()
	r.metrics.EventsDropped.WithLabelValues(kind).Add(float64(entry.Count))
	r.logger.Error("flush failed, dropping batch",
		"batch_id", batchID,
		"kind", kind,
		"trigger", trigger,
		"dropped", entry.Count,
		"error", flushErr,
	)
	if err := r.deadLetters.Record(ctx, entry); err != nil {
		r.logger.Error("recording dropped batch failed", "batch_id", batchID, "error", err)
	}
	return nil
}

// fail records the first fatal error and stops the runtime.
func (r *Runtime) fail(err error) error {
	if !errors.Is(err, apperrors.ErrFatal) {
		err = fmt.Errorf("%w: %w", apperrors.ErrFatal, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
		if r.cancel != nil {
			r.cancel(err)
		}
	}
	return err
}

func (r *Runtime) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *Runtime) redeliver() bool {
	return r.cfg.CommitMode == config.CommitModeRedeliver
}

func (r *Runtime) closeSubscriptions() {
	for topic, sub := range r.subs {
		if err := sub.Close(); err != nil {
			r.logger.Warn("closing subscription", "topic", topic, "error", err)
		}
	}
}
