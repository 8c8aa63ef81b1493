package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader replays a fixed sequence of fetch results and records
// committed offsets.
type scriptedReader struct {
	mu        sync.Mutex
	results   []fetchResult
	committed []int64
	closed    bool
}

type fetchResult struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.results) == 0 {
		r.mu.Unlock()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	next := r.results[0]
	r.results = r.results[1:]
	r.mu.Unlock()
	return next.msg, next.err
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *scriptedReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func msgAt(offset int64) fetchResult {
	return fetchResult{msg: kafka.Message{Topic: "t", Offset: offset, Value: []byte(`{}`)}}
}

func TestConsumerCommitsAfterSuccessfulHandler(t *testing.T) {
	reader := &scriptedReader{results: []fetchResult{msgAt(0), msgAt(1), msgAt(2)}}
	var handled []int64
	handler := func(_ context.Context, msg Message) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 1 {
			return errors.New("handler failed")
		}
		return nil
	}
	c := newConsumer(reader, "t", handler, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2}, handled)
	assert.Equal(t, []int64{0, 2}, reader.commits(), "failed message must not be committed")
	assert.False(t, reader.closed, "Start leaves the reader open for late commits")
}

func TestConsumerManualCommit(t *testing.T) {
	reader := &scriptedReader{results: []fetchResult{msgAt(7)}}
	got := make(chan Message, 1)
	c := newConsumer(reader, "t", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}, 3, WithManualCommit())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	msg := <-got
	assert.Empty(t, reader.commits())
	require.NoError(t, c.Commit(context.Background(), msg))
	assert.Equal(t, []int64{7}, reader.commits())
	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestConsumerGivesUpAfterConsecutiveFetchFailures(t *testing.T) {
	boom := errors.New("connection refused")
	reader := &scriptedReader{results: []fetchResult{{err: boom}, {err: boom}, {err: boom}}}
	c := newConsumer(reader, "t", func(context.Context, Message) error { return nil }, 3)
	c.retryDelay = time.Millisecond

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLogUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	v, err := DecodeJSON[payload]([]byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", v.Name)

	_, err = DecodeJSON[payload]([]byte(`{`))
	assert.Error(t, err)
}
