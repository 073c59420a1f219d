package pool

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff. The
// classifier decides which failures are worth retrying; the sleep function is
// injectable so backoff behavior can be asserted without wall-clock waits.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Classify   func(error) ErrorClass
	Sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy with the default classifier and a
// context-aware timer sleep.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Classify:   Classify,
		Sleep:      sleepCtx,
	}
}

// Delay returns the backoff before retry attempt (1-based), doubling per
// attempt and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn up to MaxRetries+1 times. Non-retryable failures surface
// immediately wrapped in a QueryError; transient failures are retried until
// the budget is exhausted. Context cancellation aborts the backoff wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = Classify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		class := classify(lastErr)
		if class == ClassNonRetryable {
			return &QueryError{Class: ClassNonRetryable, Attempts: attempts, Err: lastErr}
		}
		if attempt == p.MaxRetries {
			break
		}
		if err := sleep(ctx, p.Delay(attempt+1)); err != nil {
			return &QueryError{Class: ClassTransient, Attempts: attempts, Err: lastErr}
		}
	}
	return &QueryError{Class: ClassTransient, Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
