package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential delay schedule with symmetric jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay randomized in either direction.
	Jitter float64
}

// DefaultBackoff starts at 100ms and doubles up to 10s with 10% jitter.
var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(min(max(d, float64(b.Initial)/2), float64(b.Max)))
}

type RetryConfig struct {
	// MaxAttempts counts the first call. Default 3.
	MaxAttempts int
	Backoff     Backoff
	// Retryable rejects errors that should be returned immediately. Nil
	// retries everything.
	Retryable func(error) bool
}

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last attempt's error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls fn until it succeeds or returns an error Retryable rejects,
// the attempts run out, or ctx is done while backing off.
func Retry(ctx context.Context, op string, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	var (
		err   error
		timer *time.Timer
	)
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				slog.Info("succeeded after retry", "operation", op, "attempt", attempt)
			}
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}

		delay := cfg.Backoff.Delay(attempt)
		slog.Warn("attempt failed, backing off",
			"operation", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if timer == nil {
			timer = time.NewTimer(delay)
			defer timer.Stop()
		} else {
			timer.Reset(delay)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("%s: backoff interrupted after attempt %d: %w (last error: %v)", op, attempt, ctx.Err(), err)
		}
	}
}
