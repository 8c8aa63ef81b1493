// Package batch provides the in-memory accumulator that collects consumed
// events of one kind until a size or time trigger hands them to a flush.
//
// An Accumulator owns exactly one open Batch at a time. Add inserts into it
// (replacing an entry with the same dedup key, if a key function is set) and
// swaps it out as soon as it reaches the hard cap. SwapAndDrain swaps it out
// on demand for the timer and shutdown paths. A swapped-out batch is never
// touched by Add again, so a flush can read it without holding the lock.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/google/uuid"
)

// State is the lifecycle position of an accumulator.
type State int32

const (
	StateEmpty State = iota
	StateFilling
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Batch is a swapped-out, immutable collection of pending entries together
// with the log messages whose offsets it covers.
type Batch[T any] struct {
	id       string
	kind     string
	seq      uint64
	openedAt time.Time
	items    []T
	index    map[string]int
	receipts []kafka.Message
}

func newBatch[T any](kind string, capacity int) *Batch[T] {
	return &Batch[T]{
		id:       uuid.NewString(),
		kind:     kind,
		openedAt: time.Now(),
		items:    make([]T, 0, capacity),
		index:    make(map[string]int),
	}
}

// ID identifies the batch in logs and dead-letter records.
func (b *Batch[T]) ID() string { return b.id }

// Kind is the event kind of the owning accumulator.
func (b *Batch[T]) Kind() string { return b.kind }

// OpenedAt is when the first entry or receipt arrived.
func (b *Batch[T]) OpenedAt() time.Time { return b.openedAt }

// Age is the time since the batch was opened.
func (b *Batch[T]) Age() time.Duration { return time.Since(b.openedAt) }

// Len is the number of distinct entries.
func (b *Batch[T]) Len() int { return len(b.items) }

// Empty reports whether the batch has neither entries nor receipts.
func (b *Batch[T]) Empty() bool { return len(b.items) == 0 && len(b.receipts) == 0 }

// Items returns a copy of the entries in first-insertion order.
func (b *Batch[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Receipts returns the log messages covered by this batch, including those
// whose entry was later replaced or that failed validation.
func (b *Batch[T]) Receipts() []kafka.Message {
	out := make([]kafka.Message, len(b.receipts))
	copy(out, b.receipts)
	return out
}

// Accumulator buffers entries of one kind behind a mutex.
type Accumulator[T any] struct {
	kind    string
	maxSize int
	keyFn   func(T) string

	mu      sync.Mutex
	current *Batch[T]
	nextSeq uint64

	turnMu   sync.Mutex
	turn     uint64
	turnCh   chan struct{} // closed when turn advances
	skipped  map[uint64]struct{}
	flushing atomic.Int32
}

// New creates an accumulator that swaps its batch out at maxSize distinct
// entries. keyFn may be nil, in which case every entry is kept.
func New[T any](kind string, maxSize int, keyFn func(T) string) *Accumulator[T] {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Accumulator[T]{
		kind:    kind,
		maxSize: maxSize,
		keyFn:   keyFn,
		turnCh:  make(chan struct{}),
		skipped: make(map[uint64]struct{}),
	}
}

// Kind returns the event kind this accumulator holds.
func (a *Accumulator[T]) Kind() string { return a.kind }

// MaxSize returns the hard cap.
func (a *Accumulator[T]) MaxSize() int { return a.maxSize }

// Add inserts item, replacing any pending entry with the same key, and
// records receipts against the open batch. When the batch reaches the hard
// cap it is swapped out and returned as full; the caller must flush it.
func (a *Accumulator[T]) Add(item T, receipts ...kafka.Message) (full *Batch[T], replaced bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.openLocked()
	if a.keyFn != nil {
		key := a.keyFn(item)
		if i, ok := b.index[key]; ok {
			b.items[i] = item
			replaced = true
		} else {
			b.index[key] = len(b.items)
			b.items = append(b.items, item)
		}
	} else {
		b.items = append(b.items, item)
	}
	b.receipts = append(b.receipts, receipts...)

	if len(b.items) >= a.maxSize {
		full = a.swapLocked()
	}
	return full, replaced
}

// Attach records receipts against the open batch without adding an entry,
// so their offsets are committed together with the entries around them.
func (a *Accumulator[T]) Attach(receipts ...kafka.Message) {
	if len(receipts) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.openLocked()
	b.receipts = append(b.receipts, receipts...)
}

// SwapAndDrain swaps the open batch for none and returns it, or nil when
// there is nothing pending.
func (a *Accumulator[T]) SwapAndDrain() *Batch[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.Empty() {
		return nil
	}
	return a.swapLocked()
}

// Flush runs fn on b once every batch swapped out before it has been
// flushed, so flushes of one kind never overlap and follow swap order.
// If ctx ends while b is still waiting for its turn, Flush gives the turn
// up, returns the context's cause without running fn, and later batches
// proceed without it. A flush that is already running is not interrupted.
func (a *Accumulator[T]) Flush(ctx context.Context, b *Batch[T], fn func(context.Context, *Batch[T]) error) error {
	if err := a.awaitTurn(ctx, b.seq); err != nil {
		return fmt.Errorf("%s batch %s abandoned before flushing: %w", a.kind, b.id, err)
	}

	a.flushing.Add(1)
	defer func() {
		a.flushing.Add(-1)
		a.turnMu.Lock()
		a.advanceLocked()
		a.turnMu.Unlock()
	}()
	return fn(ctx, b)
}

func (a *Accumulator[T]) awaitTurn(ctx context.Context, seq uint64) error {
	for {
		a.turnMu.Lock()
		if a.turn == seq {
			a.turnMu.Unlock()
			return nil
		}
		wait := a.turnCh
		a.turnMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			a.turnMu.Lock()
			defer a.turnMu.Unlock()
			if a.turn == seq {
				a.advanceLocked()
			} else {
				a.skipped[seq] = struct{}{}
			}
			return context.Cause(ctx)
		}
	}
}

// advanceLocked passes the turn to the next batch that still wants it.
// turnMu must be held.
func (a *Accumulator[T]) advanceLocked() {
	a.turn++
	for {
		if _, ok := a.skipped[a.turn]; !ok {
			break
		}
		delete(a.skipped, a.turn)
		a.turn++
	}
	close(a.turnCh)
	a.turnCh = make(chan struct{})
}

// Len returns the number of entries in the open batch.
func (a *Accumulator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return 0
	}
	return len(a.current.items)
}

// State reports whether a flush is running, or else whether entries are
// pending.
func (a *Accumulator[T]) State() State {
	if a.flushing.Load() > 0 {
		return StateFlushing
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.Empty() {
		return StateEmpty
	}
	return StateFilling
}

func (a *Accumulator[T]) openLocked() *Batch[T] {
	if a.current == nil {
		a.current = newBatch[T](a.kind, min(a.maxSize, 1024))
	}
	return a.current
}

func (a *Accumulator[T]) swapLocked() *Batch[T] {
	b := a.current
	a.current = nil
	b.seq = a.nextSeq
	a.nextSeq++
	return b
}
