package errors

import (
	"errors"
	"time"
)

// RetryPolicy is the per-event retry rule.
//
// An event is attempted once and then up to MaxRetries more times. Every
// retry waits the same fixed Delay; there is no exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Delay is the wait before a retried event is dispatched again.
	Delay time.Duration
}

// DefaultRetryPolicy retries three times, one second apart.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Delay:      1 * time.Second,
}

// NoRetry fails an event on its first failed attempt.
var NoRetry = RetryPolicy{}

// Validate reports whether the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if p.Delay < 0 {
		return errors.New("retry delay must not be negative")
	}
	return nil
}

// CanRetry reports whether an event that has been retried retryCount times
// may be retried again under a limit of maxRetries.
func CanRetry(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// Attempts returns the total number of dispatch attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// Next returns the delay before the next attempt of an event that has been
// retried retryCount times, and false when no retry remains.
func (p RetryPolicy) Next(retryCount int) (time.Duration, bool) {
	if !CanRetry(retryCount, p.MaxRetries) {
		return 0, false
	}
	return p.Delay, true
}
