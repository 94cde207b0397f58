// Package llm defines the text-completion client used by pipeline stages and
// wraps clients with per-call timeouts, throttling and bounded retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Client is an LLM that completes a single system+user prompt.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, system, user string) (string, error)

func (f ClientFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// RetryableError marks a transient failure (network error, 429, 5xx).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so IsRetryable reports true for it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is worth another attempt. Per-call
// timeouts count as transient; cancellation of the caller does not.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// CallTimeout bounds each attempt (default 60s).
	CallTimeout time.Duration
	// MaxRetries is the number of attempts after the first (default 3).
	MaxRetries int
	// BaseBackoff is the first retry delay; it doubles per attempt (default 1s).
	BaseBackoff time.Duration
	// MaxBackoff caps the delay (default 30s).
	MaxBackoff time.Duration
	// Rate limits calls per second; zero disables throttling.
	Rate  float64
	Burst int
}

type retryClient struct {
	inner   Client
	opts    RetryOptions
	limiter *rate.Limiter
}

// WithRetry wraps c so each call is throttled, bounded by CallTimeout and
// retried with exponential backoff on transient errors.
func WithRetry(c Client, opts RetryOptions) Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	rc := &retryClient{inner: c, opts: opts}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		rc.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return rc
}

func (c *retryClient) Complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.BaseBackoff * time.Duration(1<<(attempt-1))
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limiter: %w", err)
			}
		}

		out, err := c.attempt(ctx, system, user)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *retryClient) attempt(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.inner.Complete(ctx, system, user)
}
