package circuit

import (
	"context"
	"math/rand"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// RetryPolicy retries idempotent operations on transient errors with
// exponential backoff plus jitter, bounded by the caller's deadline.
type RetryPolicy struct {
	MaxAttempts    int           // total attempts including the first
	Base           time.Duration // delay is Base * 2^n + jitter in [0, Base)
	MinUpstreamLat time.Duration // abandon retry when too close to the deadline

	rand func() float64 // test seam for jitter
}

// NewRetryPolicy builds a policy with sane floors.
func NewRetryPolicy(maxAttempts int, base, minUpstreamLat time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &RetryPolicy{
		MaxAttempts:    maxAttempts,
		Base:           base,
		MinUpstreamLat: minUpstreamLat,
		rand:           rand.Float64,
	}
}

// Do runs fn up to MaxAttempts times. Only transient errors are retried;
// permanent errors and cancellation surface immediately. A retry whose
// earliest start would land after deadline - MinUpstreamLat is abandoned
// and the previous error is surfaced. Retries are bounded iteration, never
// recursion, and every wait observes ctx.
func (p *RetryPolicy) Do(ctx context.Context, idempotent bool, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt - 1)

			if deadline, ok := ctx.Deadline(); ok {
				earliestStart := time.Now().Add(delay)
				if earliestStart.After(deadline.Add(-p.MinUpstreamLat)) {
					return lastErr
				}
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !idempotent || !core.IsTransient(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			// Cancelled mid-call: never retry a cancelled upstream call.
			return lastErr
		}
	}
	return lastErr
}

// backoff computes Base * 2^n plus jitter in [0, Base).
func (p *RetryPolicy) backoff(n int) time.Duration {
	d := p.Base << uint(n)
	jitter := time.Duration(p.rand() * float64(p.Base))
	return d + jitter
}
