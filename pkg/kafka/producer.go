package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Event is one record to publish. Key picks the partition, Value is
// encoded as JSON and Headers travel as Kafka record headers.
type Event struct {
	Key     string
	Value   any
	Headers map[string]string
}

// Header names set on every published event.
const (
	HeaderEventID     = "event-id"
	HeaderContentType = "content-type"
)

type Header = kafka.Header

// RecordHeaders returns e.Headers as record headers sorted by key.
func (e Event) RecordHeaders() []Header {
	if len(e.Headers) == 0 {
		return nil
	}
	out := make([]Header, 0, len(e.Headers))
	for _, k := range slices.Sorted(maps.Keys(e.Headers)) {
		out = append(out, Header{Key: k, Value: []byte(e.Headers[k])})
	}
	return out
}

// HeaderValue returns the last value of header key on msg, or "".
func HeaderValue(msg Message, key string) string {
	for i := len(msg.Headers) - 1; i >= 0; i-- {
		if msg.Headers[i].Key == key {
			return string(msg.Headers[i].Value)
		}
	}
	return ""
}

// Producer publishes JSON-encoded events to any topic. Topics are created on
// demand through the embedded Admin.
type Producer struct {
	writer *kafka.Writer
	admin  *Admin
	logger *slog.Logger
}

// NewProducer creates a Producer writing to the configured brokers. The
// writer has no fixed topic; each Publish names its own.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: false,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
	return &Producer{
		writer: w,
		admin:  NewAdmin(cfg),
		logger: slog.Default().With("component", "kafka-producer"),
	}
}

// EnsureTopic creates topic if it does not exist yet.
func (p *Producer) EnsureTopic(ctx context.Context, topic string) error {
	return p.admin.EnsureTopic(ctx, topic)
}

// Publish serialises a single event and writes it to topic synchronously.
// It returns once the brokers acknowledged the write.
func (p *Producer) Publish(ctx context.Context, topic string, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.Key),
		Value: value,
	}
	msg.Headers = event.RecordHeaders()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish message",
			"topic", topic,
			"key", event.Key,
			"error", err,
		)
		return fmt.Errorf("%w: writing to %s: %w", apperrors.ErrLogUnavailable, topic, err)
	}
	p.logger.Debug("message published", "topic", topic, "key", event.Key, "bytes", len(value))
	return nil
}

// Ping verifies that at least one broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.admin.Ping(ctx)
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
