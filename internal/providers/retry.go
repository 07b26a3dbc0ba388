package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// RetryConfig bounds transport-level retries. Retries cover rate limits
// and upstream faults; semantic retries belong to the caller.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries twice with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// HTTPError is a non-2xx provider reply.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter reads a Retry-After header value, either delay
// seconds or an HTTP date. Unparseable values yield zero.
func ParseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// RetryDo runs fn until it succeeds, a non-retryable error occurs, or
// attempts run out. A server-provided Retry-After overrides the backoff
// for that attempt.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if attempt >= cfg.MaxAttempts || !retryable(err) {
			return zero, err
		}

		wait := delay
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	// Transport-level failures (connection refused, resets) surface as
	// url.Error from net/http.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
