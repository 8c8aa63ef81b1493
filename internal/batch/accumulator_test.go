package batch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vote struct {
	subject, actor, action string
}

func voteKey(v vote) string { return v.subject + "/" + v.actor }

func TestAddReplacesByKey(t *testing.T) {
	acc := New("engagement", 10, voteKey)

	full, replaced := acc.Add(vote{"P1", "A", "like"}, kafka.Message{Offset: 1})
	assert.Nil(t, full)
	assert.False(t, replaced)

	_, replaced = acc.Add(vote{"P1", "A", "unlike"}, kafka.Message{Offset: 2})
	assert.True(t, replaced)
	acc.Add(vote{"P2", "A", "like"}, kafka.Message{Offset: 3})

	b := acc.SwapAndDrain()
	require.NotNil(t, b)
	assert.Equal(t, []vote{{"P1", "A", "unlike"}, {"P2", "A", "like"}}, b.Items())
	assert.Len(t, b.Receipts(), 3, "replaced entries keep their receipts")
	assert.Equal(t, 0, acc.Len())
}

func TestAddWithoutKeyKeepsEverything(t *testing.T) {
	acc := New[int]("posts", 10, nil)
	acc.Add(1)
	acc.Add(1)
	assert.Equal(t, 2, acc.Len())
}

func TestAddSwapsAtHardCap(t *testing.T) {
	acc := New[int]("posts", 3, nil)
	for i := 0; i < 2; i++ {
		full, _ := acc.Add(i)
		require.Nil(t, full)
	}
	full, _ := acc.Add(2)
	require.NotNil(t, full)
	assert.Equal(t, []int{0, 1, 2}, full.Items())

	// Entries arriving after the swap land in a fresh batch.
	next, _ := acc.Add(3)
	assert.Nil(t, next)
	assert.Equal(t, 1, acc.Len())
	assert.NotEqual(t, full.ID(), acc.SwapAndDrain().ID())
}

func TestSwapAndDrainEmpty(t *testing.T) {
	acc := New[int]("posts", 3, nil)
	assert.Nil(t, acc.SwapAndDrain())
	assert.Equal(t, StateEmpty, acc.State())
}

func TestAttachKeepsReceiptOnlyBatch(t *testing.T) {
	acc := New[int]("posts", 3, nil)
	acc.Attach(kafka.Message{Offset: 9})
	assert.Equal(t, StateFilling, acc.State())

	b := acc.SwapAndDrain()
	require.NotNil(t, b)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Empty())
	assert.Equal(t, int64(9), b.Receipts()[0].Offset)
}

func TestStateTransitions(t *testing.T) {
	acc := New[int]("posts", 10, nil)
	assert.Equal(t, StateEmpty, acc.State())
	acc.Add(1)
	assert.Equal(t, StateFilling, acc.State())

	b := acc.SwapAndDrain()
	var during State
	err := acc.Flush(context.Background(), b, func(context.Context, *Batch[int]) error {
		during = acc.State()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateFlushing, during)
	assert.Equal(t, StateEmpty, acc.State())
}

func TestFlushFollowsSwapOrder(t *testing.T) {
	acc := New[int]("posts", 1, nil)
	first, _ := acc.Add(1)
	second, _ := acc.Add(2)
	require.NotNil(t, first)
	require.NotNil(t, second)

	var mu sync.Mutex
	var order []int
	record := func(_ context.Context, b *Batch[int]) error {
		mu.Lock()
		order = append(order, b.Items()[0])
		mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = acc.Flush(context.Background(), second, record)
	}()
	// second must wait for first.
	select {
	case <-done:
		t.Fatal("later batch flushed before earlier batch")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, acc.Flush(context.Background(), first, record))
	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestFlushGivesUpTurnWhenContextEnds(t *testing.T) {
	acc := New[int]("posts", 1, nil)
	first, _ := acc.Add(1)
	second, _ := acc.Add(2)
	third, _ := acc.Add(3)

	var mu sync.Mutex
	var order []int
	record := func(_ context.Context, b *Batch[int]) error {
		mu.Lock()
		order = append(order, b.Items()[0])
		mu.Unlock()
		return nil
	}

	release := make(chan struct{})
	running := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- acc.Flush(context.Background(), first, func(ctx context.Context, b *Batch[int]) error {
			close(running)
			<-release
			return record(ctx, b)
		})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := acc.Flush(ctx, second, record)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	thirdDone := make(chan error, 1)
	go func() { thirdDone <- acc.Flush(context.Background(), third, record) }()
	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-thirdDone)

	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, StateEmpty, acc.State())
}

func TestConcurrentAddDuringFlush(t *testing.T) {
	const producers, perProducer = 8, 500
	acc := New[string]("posts", 1000, nil)

	var mu sync.Mutex
	flushed := 0
	flush := func(_ context.Context, b *Batch[string]) error {
		mu.Lock()
		flushed += b.Len()
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if full, _ := acc.Add(strconv.Itoa(p) + "-" + strconv.Itoa(i)); full != nil {
					_ = acc.Flush(context.Background(), full, flush)
				}
			}
		}(p)
	}
	stop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if b := acc.SwapAndDrain(); b != nil {
				_ = acc.Flush(context.Background(), b, flush)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	close(stop)
	<-tickerDone
	if b := acc.SwapAndDrain(); b != nil {
		require.NoError(t, acc.Flush(context.Background(), b, flush))
	}
	assert.Equal(t, producers*perProducer, flushed)
}
