// Package memlog is an in-memory event log with topics, consumer-group
// offsets, and redelivery from the last committed offset. It stands in for
// Kafka in tests and single-process runs.
package memlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
)

// Log holds every topic as a single append-only partition.
type Log struct {
	mu        sync.Mutex
	topics    map[string][]kafka.Message
	committed map[string]map[string]int64 // group -> topic -> next offset
	notify    chan struct{}
	down      error
}

// New returns an empty log.
func New() *Log {
	return &Log{
		topics:    make(map[string][]kafka.Message),
		committed: make(map[string]map[string]int64),
		notify:    make(chan struct{}),
	}
}

// SetDown makes EnsureTopic and Publish fail with err until called with nil.
func (l *Log) SetDown(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = err
}

func (l *Log) EnsureTopic(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrLogUnavailable, l.down)
	}
	if _, ok := l.topics[topic]; !ok {
		l.topics[topic] = nil
	}
	return nil
}

// Publish appends event to topic as JSON.
func (l *Log) Publish(_ context.Context, topic string, event kafka.Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	return l.append(topic, []byte(event.Key), value, event.RecordHeaders())
}

// Append writes a raw message to topic.
func (l *Log) Append(topic string, key, value []byte) error {
	return l.append(topic, key, value, nil)
}

func (l *Log) append(topic string, key, value []byte, headers []kafka.Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrLogUnavailable, l.down)
	}
	msgs := l.topics[topic]
	l.topics[topic] = append(msgs, kafka.Message{
		Topic:   topic,
		Offset:  int64(len(msgs)),
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

func (l *Log) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

// Len returns the number of messages ever appended to topic.
func (l *Log) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topics[topic])
}

// Committed returns the next offset group will read from topic.
func (l *Log) Committed(group, topic string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[group][topic]
}

// ResetGroup rewinds group's offset on topic to the start of the log, as an
// operator reset or a lost commit would.
func (l *Log) ResetGroup(group, topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.committed[group], topic)
}

// Subscribe creates a group member for topic. Delivery starts at the
// group's committed offset when Start is called.
func (l *Log) Subscribe(topic, group string, handler kafka.MessageHandler, manualCommit bool) *Subscription {
	return &Subscription{
		log:        l,
		topic:      topic,
		group:      group,
		handler:    handler,
		autoCommit: !manualCommit,
		logger:     slog.Default().With("component", "memlog-subscription", "topic", topic),
	}
}

// next blocks until a message at offset exists or ctx is done.
func (l *Log) next(ctx context.Context, topic string, offset int64) (kafka.Message, bool) {
	for {
		l.mu.Lock()
		msgs := l.topics[topic]
		wait := l.notify
		if offset < int64(len(msgs)) {
			msg := msgs[offset]
			l.mu.Unlock()
			return msg, true
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return kafka.Message{}, false
		}
	}
}

func (l *Log) commit(group string, msgs []kafka.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offsets, ok := l.committed[group]
	if !ok {
		offsets = make(map[string]int64)
		l.committed[group] = offsets
	}
	for _, m := range msgs {
		if m.Offset+1 > offsets[m.Topic] {
			offsets[m.Topic] = m.Offset + 1
		}
	}
}

// Subscription delivers one topic to a handler in offset order.
type Subscription struct {
	log        *Log
	topic      string
	group      string
	handler    kafka.MessageHandler
	autoCommit bool
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *Subscription) Topic() string { return s.topic }

// Start delivers messages until ctx is done. Handler errors are logged and
// the message is skipped without committing it.
func (s *Subscription) Start(ctx context.Context) error {
	offset := s.log.Committed(s.group, s.topic)
	for {
		msg, ok := s.log.next(ctx, s.topic, offset)
		if !ok {
			return nil
		}
		offset++
		if err := s.handler(ctx, msg); err != nil {
			s.logger.Error("failed to process message", "offset", msg.Offset, "error", err)
			continue
		}
		if s.autoCommit {
			s.log.commit(s.group, []kafka.Message{msg})
		}
	}
}

func (s *Subscription) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("committing on closed subscription to %s", s.topic)
	}
	s.log.commit(s.group, msgs)
	return nil
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
