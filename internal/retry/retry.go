// Package retry provides the single reusable backoff policy applied to every
// poller in the control plane (exchange mids, clearinghouse state). Callers
// classify errors: transient transport failures retry, HTTP error responses
// fail immediately.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added as random jitter, 0..1

	// Classify reports whether an error is worth retrying. A nil Classify
	// retries every error.
	Classify func(error) bool
}

// DefaultPoll is the heartbeat data-poll policy: 200 ms initial delay,
// doubling, capped at 5 s.
func DefaultPoll(classify func(error) bool) Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
		Classify:    classify,
	}
}

// Do runs fn until it succeeds, the error is classified non-retryable, the
// attempt limit is reached, or ctx is cancelled. The last error is
// returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Classify != nil && !p.Classify(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.delayFor(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

// delayFor computes the backoff delay for a 1-based attempt number.
func (p Policy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}
