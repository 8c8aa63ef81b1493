// Package publisher turns accepted API requests into events and writes them
// to the event log. Each publish ensures its topic exists, then writes the
// envelope synchronously behind a circuit breaker with a short retry.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/resilience"
	"github.com/google/uuid"
)

// EventLog is the part of the log client the publisher needs. Both
// kafka.Producer and memlog.Log satisfy it.
type EventLog interface {
	EnsureTopic(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, event kafka.Event) error
}

// Config names the topics and tunes the failure handling around publish.
type Config struct {
	PostsTopic      string
	EngagementTopic string
	// Attempts is the total number of publish attempts per event.
	Attempts       int
	RetryDelay     time.Duration
	BreakerTripAt  int
	BreakerCooloff time.Duration
}

// ConfigFrom extracts the publisher settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PostsTopic:      cfg.Kafka.Topics.CreatePosts,
		EngagementTopic: cfg.Kafka.Topics.Engagement,
		Attempts:        cfg.Pipeline.PublishAttempts,
		RetryDelay:      cfg.Pipeline.PublishRetryDelay,
		BreakerTripAt:   cfg.Pipeline.BreakerFailureThreshold,
		BreakerCooloff:  cfg.Pipeline.BreakerResetTimeout,
	}
}

// Publisher coordinates topic creation and event production.
type Publisher struct {
	log     EventLog
	cfg     Config
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Publisher writing to log. A nil m disables metrics.
func New(log EventLog, cfg Config, m *metrics.Metrics) *Publisher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if m == nil {
		m = metrics.NewNop()
	}
	p := &Publisher{
		log:     log,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "publisher"),
	}
	p.breaker = resilience.NewCircuitBreaker("event-log", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerTripAt,
		ResetTimeout:     cfg.BreakerCooloff,
		OnStateChange: func(name string, state resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
		},
	})
	return p
}

// EnsureAndPublish wraps payload in a fresh envelope and writes it to topic,
// creating the topic first if needed. The returned envelope carries the
// event ID the consumer uses for deduplication. Failures wrap
// apperrors.ErrLogUnavailable.
func (p *Publisher) EnsureAndPublish(ctx context.Context, topic, key string, payload any) (*events.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	env := &events.Envelope{
		ID:           uuid.NewString(),
		Topic:        topic,
		PartitionKey: key,
		Payload:      raw,
		PublishedAt:  time.Now().UTC(),
	}

	if err := p.log.EnsureTopic(ctx, topic); err != nil {
		p.metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		return nil, unavailable("ensuring topic "+topic, err)
	}

	err = resilience.Retry(ctx, "publish "+topic, resilience.RetryConfig{
		MaxAttempts: p.cfg.Attempts,
		Backoff:     resilience.Backoff{Initial: p.cfg.RetryDelay, Multiplier: 2, Jitter: 0.2},
		Retryable: func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen)
		},
	}, func() error {
		return p.breaker.Execute(func() error {
			return p.log.Publish(ctx, topic, kafka.Event{
				Key:   key,
				Value: env,
				Headers: map[string]string{
					kafka.HeaderEventID:     env.ID,
					kafka.HeaderContentType: "application/json",
				},
			})
		})
	})
	if err != nil {
		p.metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		p.logger.Error("failed to publish event",
			"topic", topic,
			"event_id", env.ID,
			"error", err,
		)
		return nil, unavailable("publishing to "+topic, err)
	}

	p.metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	p.logger.Debug("event published", "topic", topic, "event_id", env.ID, "key", key)
	return env, nil
}

// PublishPostCreate emits a PostCreateRequested keyed by author so one
// author's posts stay ordered within a partition.
func (p *Publisher) PublishPostCreate(ctx context.Context, authorID string, req *ingestion.CreatePostRequest) (*events.Envelope, error) {
	return p.EnsureAndPublish(ctx, p.cfg.PostsTopic, authorID, events.PostCreateRequested{
		Content:   req.Content,
		ImageURLs: req.ImageURLs,
		VideoURL:  req.VideoURL,
		AuthorID:  authorID,
	})
}

// PublishEngagement emits a like or unlike keyed by the post.
func (p *Publisher) PublishEngagement(ctx context.Context, postID, actorID string, action events.Action) (*events.Envelope, error) {
	return p.EnsureAndPublish(ctx, p.cfg.EngagementTopic, postID, events.EngagementEvent{
		SubjectID: postID,
		ActorID:   actorID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	})
}

func unavailable(op string, err error) error {
	if errors.Is(err, apperrors.ErrLogUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrLogUnavailable, op, err)
}
