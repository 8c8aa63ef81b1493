// Package kafka provides Kafka producer, admin, and consumer clients backed
// by segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer hands raw messages to a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Message is a record fetched from a topic partition.
type Message = kafka.Message

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, msg Message) error

// messageReader is the subset of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithManualCommit disables committing after the handler returns. The owner
// must call Commit once the message's effect is durable.
func WithManualCommit() ConsumerOption {
	return func(c *Consumer) { c.autoCommit = false }
}

// Consumer reads messages from a Kafka topic as a member of a consumer
// group and dispatches them to a MessageHandler.
type Consumer struct {
	reader           messageReader
	topic            string
	logger           *slog.Logger
	handler          MessageHandler
	autoCommit       bool
	maxFetchFailures int
	retryDelay       time.Duration
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	startOffset := kafka.LastOffset
	if cfg.FromBeginning {
		startOffset = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: startOffset,
		Dialer:      &kafka.Dialer{ClientID: cfg.ClientID, Timeout: 10 * time.Second, DualStack: true},
	})
	return newConsumer(r, topic, handler, cfg.MaxFetchFailures, opts...)
}

func newConsumer(r messageReader, topic string, handler MessageHandler, maxFetchFailures int, opts ...ConsumerOption) *Consumer {
	if maxFetchFailures <= 0 {
		maxFetchFailures = 10
	}
	c := &Consumer{
		reader:           r,
		topic:            topic,
		logger:           slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:          handler,
		autoCommit:       true,
		maxFetchFailures: maxFetchFailures,
		retryDelay:       time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topic returns the topic this consumer reads.
func (c *Consumer) Topic() string {
	return c.topic
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. Handler errors are logged and never stop the loop. It
// returns an ErrLogUnavailable error after maxFetchFailures consecutive
// fetch failures. The reader stays open; call Close when done committing.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "auto_commit", c.autoCommit)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return nil
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.logger.Error("failed to fetch message",
				"error", err,
				"consecutive_failures", failures,
			)
			if failures >= c.maxFetchFailures {
				return fmt.Errorf("%w: %d consecutive fetch failures on %s: %w",
					apperrors.ErrLogUnavailable, failures, c.topic, err)
			}
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		failures = 0
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if !c.autoCommit {
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Commit commits the offsets of msgs for this consumer's group.
func (c *Consumer) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("committing %d messages on %s: %w", len(msgs), c.topic, err)
	}
	return nil
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
