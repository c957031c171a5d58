package queue

import "time"

// RetryPolicy governs outer retries of a queue item after unexpected
// failures and retryable provider failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at 30s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}

// Delay returns min(BaseDelay * 2^retry, MaxDelay) for the zero-based retry.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an item that has made attempts sends may not
// be retried again.
func Exhausted(attempts, maxRetries int) bool {
	return attempts > maxRetries
}
