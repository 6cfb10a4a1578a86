package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/portfolio-ledger/internal/metrics"
)

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries twice after the first attempt, waiting 10ms then 20ms.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}

// RetryOnConflict calls fn until it succeeds, fails with something other than
// ErrConflict, or the policy is exhausted. The delay doubles after each
// conflict and waiting respects ctx.
func RetryOnConflict(ctx context.Context, op string, p RetryPolicy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts-1 {
			metrics.TxRetries.WithLabelValues(op).Inc()
			slog.Warn("transaction conflict, retrying", "op", op, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}
