// Package breaker carries the resend discipline: per-message exponential
// backoff and a per-channel circuit breaker over a sliding failure window.
package breaker

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Retry policy defaults
const (
	DefaultMaxAttempts = 5
	maxBackoff         = 60 * time.Second
)

// RetryPolicy governs per-message resend attempts
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts}
}

// Backoff returns the delay before the given attempt (1-based): 0 before the
// first attempt, then 1s, 2s, 4s, 8s, doubling and capped at 60s.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Second << uint(attempt-2)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Exhausted reports whether a message with the given attempt count is out of
// retries and must be declared permanently failed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempts >= max
}
