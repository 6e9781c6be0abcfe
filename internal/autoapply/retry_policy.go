package autoapply

import (
	"context"
	"errors"
	"time"
)

// LinearRetryPolicy retries classified-retryable failures with a linearly
// growing delay: baseDelay × (attempt+1).
type LinearRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy; non-positive values fall back to
// 3 attempts and a 1s base.
func NewLinearRetryPolicy(maxAttempts int, baseDelay time.Duration) *LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &LinearRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// MaxAttempts returns the retry bound.
func (p *LinearRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable at this attempt.
// Cancellation is never retried.
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Retryable(Classify(err))
}

// Backoff returns the wait duration before the next attempt (0-indexed).
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	return p.baseDelay * time.Duration(attempt+1)
}
