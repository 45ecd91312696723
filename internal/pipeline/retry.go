package pipeline

import "time"

// RetryPolicy bounds task retries. It is applied by the dispatcher and the
// sweeper alike, never by individual tasks.
type RetryPolicy struct {
	// MaxAttempts is the retry_count at which an entry becomes terminally failed.
	MaxAttempts int
	// Backoff returns the wait before re-claiming an entry that has failed
	// retryCount times.
	Backoff func(retryCount int) time.Duration
	// Requeue re-claims a reverted entry within the same run after Backoff.
	// Without it the entry waits for the next selection.
	Requeue bool
}

// DefaultRetryPolicy is 3 attempts, 5s doubling backoff, requeue within a run.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(5*time.Second, 5*time.Minute),
		Requeue:     true,
	}
}

// ExponentialBackoff returns base * 2^(retryCount-1), capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			retryCount = 1
		}
		delay := base
		for i := 1; i < retryCount; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
		if max > 0 && delay > max {
			return max
		}
		return delay
	}
}

// Exhausted reports whether retryCount has reached the attempt limit.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return retryCount >= p.MaxAttempts
}

// Delay returns the backoff for retryCount, zero when no Backoff is set.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(retryCount)
}
