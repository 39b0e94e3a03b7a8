package provider

import (
	"context"
	"log"
	"time"
)

const (
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 32 * time.Second
	retryMaxAttempts = 5
)

// WithRateLimitRetry runs fn, retrying with exponential backoff only when
// the provider reports a rate limit. All other errors propagate immediately.
func WithRateLimitRetry(ctx context.Context, providerName string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			log.Printf("[Provider] %s rate limited, retrying in %v (attempt %d/%d)",
				providerName, delay, attempt+1, retryMaxAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil || !IsRateLimited(err) {
			return err
		}
	}
	return err
}
