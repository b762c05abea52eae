package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn and stops waiting for it after limit. An abandoned fn
// keeps running with a cancelled context, so it must guard any state it
// shares with the caller. The returned error wraps
// context.DeadlineExceeded when the limit was hit, or the parent's error
// when ctx ended first. A non-positive limit runs fn inline.
func WithTimeout(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn(bounded) }()

	select {
	case err := <-result:
		return err
	case <-bounded.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: gave up after %v: %w", op, limit, context.DeadlineExceeded)
	}
}
