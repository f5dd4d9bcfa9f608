package provider

import (
	"context"
	"errors"
	"net"
	"time"
)

// maxRetryDelay caps the doubling so extreme MaxRetries settings cannot
// overflow the delay.
const maxRetryDelay = 30 * time.Second

// RetryPolicy retries transient provider failures with bounded exponential
// backoff. Rate limits (429), server errors (5xx), timeouts and network
// failures are retried; other client errors and context cancellation are
// not.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 3.
	MaxRetries int

	// BaseDelay is the delay before the first retry; it doubles per retry
	// up to 30s. Default: 1s.
	BaseDelay time.Duration
}

// Do runs op, retrying per the policy. It returns the last error when all
// attempts fail, or ctx.Err() if the context ends while waiting to retry.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	retries := p.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var err error
	delay := base
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if delay < maxRetryDelay {
				delay *= 2
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// retryable classifies a failure: rate limits and server errors when the
// HTTP status is known, plus timeouts and network failures. Cancellation
// and remaining client errors are terminal.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
