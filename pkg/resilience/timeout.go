package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
)

// WithTimeout gives fn at most timeout to finish. On expiry it returns an
// error wrapping both apperrors.ErrTimeout and context.DeadlineExceeded
// without waiting for fn, which keeps running until it observes its context.
// A non-positive timeout calls fn directly.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, apperrors.ErrTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != apperrors.ErrTimeout {
			return fmt.Errorf("%s: %w", op, cause)
		}
		return fmt.Errorf("%s: %w after %v: %w", op, apperrors.ErrTimeout, timeout, context.DeadlineExceeded)
	}
}
