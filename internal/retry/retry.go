package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy describes how an operation is retried. The wait before attempt
// n (n >= 2) is BaseDelay * Multiplier^(n-2).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// ConnectionPolicy returns the retry policy for connection-level
// failures: up to 5 attempts with exponential backoff.
func ConnectionPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2.0}
}

// QueryPolicy returns the retry policy for query-level failures: up to
// 3 attempts with exponential backoff.
func QueryPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0}
}

// BatchPolicy returns the retry policy for batch inserts: 3 attempts
// waiting 1s then 2s.
func BatchPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0}
}

// Delay returns the wait applied before the given attempt (1-based).
// Attempt 1 runs immediately.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}

// Do runs fn until it succeeds or the policy's attempts are exhausted.
// Each failed attempt is logged with the operation label and attempt
// count. Waits respect ctx cancellation. Returns the last error with
// the attempt count wrapped in, and the number of attempts made.
func Do(ctx context.Context, logger *zap.Logger, label string, p Policy, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if wait := p.Delay(attempt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		logger.Warn("operation failed",
			zap.String("operation", label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(lastErr),
		)

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}

	return p.MaxAttempts, fmt.Errorf("%s failed after %d attempts: %w", label, p.MaxAttempts, lastErr)
}
