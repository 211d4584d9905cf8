package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryController implements exponential backoff with jitter for callers
// that choose to retry failed queries.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
}

// NewRetryController creates a new retry controller with default settings.
// Default: initial delay 10ms, max delay 1s, max retries 5
func NewRetryController() *RetryController {
	return &RetryController{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     1 * time.Second,
		maxRetries:   5,
	}
}

// WithLimits returns a copy of rc with the given limits.
func (rc *RetryController) WithLimits(initialDelay, maxDelay time.Duration, maxRetries int) *RetryController {
	return &RetryController{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		maxRetries:   maxRetries,
	}
}

// Retry executes fn until it succeeds, returns an error the classifier
// deems not retryable, runs out of attempts, or ctx is done.
func (rc *RetryController) Retry(ctx context.Context, fn func() error, classifier *Classifier) error {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		category := classifier.Classify(err)

		if !classifier.ShouldRetry(category) {
			return err
		}

		if attempt >= rc.maxRetries {
			return err
		}

		timer := time.NewTimer(rc.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt using exponential backoff + jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: delay = initialDelay * 2^attempt
	delay := rc.initialDelay * time.Duration(1<<uint(attempt))

	if delay > rc.maxDelay {
		delay = rc.maxDelay
	}

	// Add jitter: ±25% random variation
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter

	if delay < 0 {
		delay = rc.initialDelay
	}

	return delay
}
