// Package tracing records in-process span trees for flush cycles. A root
// span is keyed by the batch ID, store calls hang off it as children, and
// the finished tree is written to slog: at debug level normally, at warn
// level when any span in it failed.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type spanKey struct{}

// Span is one timed operation. Its methods are safe for concurrent use.
type Span struct {
	name    string
	traceID string
	start   time.Time

	mu       sync.Mutex
	end      time.Time
	attrs    []slog.Attr
	err      error
	children []*Span
}

// StartSpan begins a root span. An empty traceID gets a random one.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	return context.WithValue(ctx, spanKey{}, s), s
}

// StartChildSpan begins a span under the one carried by ctx, or a new root
// when ctx carries none.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := FromContext(ctx)
	if parent == nil {
		return StartSpan(ctx, name, "")
	}
	s := &Span{name: name, traceID: parent.traceID, start: time.Now()}
	parent.mu.Lock()
	parent.children = append(parent.children, s)
	parent.mu.Unlock()
	return context.WithValue(ctx, spanKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

func (s *Span) Name() string    { return s.name }
func (s *Span) TraceID() string { return s.traceID }

// End stops the clock. Later calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	if s.end.IsZero() {
		s.end = time.Now()
	}
	s.mu.Unlock()
}

// Duration is the elapsed time so far for an open span.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end.IsZero() {
		return time.Since(s.start)
	}
	return s.end.Sub(s.start)
}

// SetAttr sets key, replacing an earlier value.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attrs {
		if s.attrs[i].Key == key {
			s.attrs[i].Value = slog.AnyValue(value)
			return
		}
	}
	s.attrs = append(s.attrs, slog.Any(key, value))
}

// Fail marks the span as failed with err. A nil err is ignored.
func (s *Span) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Span) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

func (s *Span) failed() bool {
	if s.Err() != nil {
		return true
	}
	for _, c := range s.Children() {
		if c.failed() {
			return true
		}
	}
	return false
}

// Log writes the tree rooted at s, one record per span in depth-first order.
func (s *Span) Log(logger *slog.Logger) {
	level := slog.LevelDebug
	if s.failed() {
		level = slog.LevelWarn
	}
	if !logger.Enabled(context.Background(), level) {
		return
	}
	s.log(logger, level, 0)
}

func (s *Span) log(logger *slog.Logger, level slog.Level, depth int) {
	s.mu.Lock()
	attrs := make([]slog.Attr, 0, len(s.attrs)+5)
	attrs = append(attrs,
		slog.String("trace_id", s.traceID),
		slog.String("span", s.name),
		slog.Int("depth", depth),
	)
	attrs = append(attrs, s.attrs...)
	if s.err != nil {
		attrs = append(attrs, slog.String("error", s.err.Error()))
	}
	s.mu.Unlock()
	attrs = append(attrs, slog.Int64("duration_ms", s.Duration().Milliseconds()))

	logger.LogAttrs(context.Background(), level, "span", attrs...)
	for _, c := range s.Children() {
		c.log(logger, level, depth+1)
	}
}
