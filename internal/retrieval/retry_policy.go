package retrieval

import (
	"context"
	"errors"
	"math"
	"time"
)

// ExponentialRetryPolicy implements RetryPolicy with capped exponential backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries attempts after
// the first. A non-positive maxDelay disables the cap.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry decides whether another attempt follows the failed attempt
// with zero-based index attempt.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxRetries {
		return false
	}
	// Per-request deadlines are transient; only caller cancellation stops retries.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// Backoff returns baseDelay * 2^attempt, capped at maxDelay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
