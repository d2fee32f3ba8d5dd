// Package ratelimit implements per-provider request pacing and a
// retry helper that only retries errors the caller marks retryable.
package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// Limiter paces requests to a single external provider at a fixed
// requests-per-minute rate. The minimum-interval discipline is per-Limiter,
// not per-caller: concurrent callers serialize on the same token bucket.
type Limiter struct {
	rpm int
	rl  *rate.Limiter
}

// New creates a Limiter admitting at most requestsPerMinute requests per
// minute, with a burst of 1 (no bursting past the steady-state rate).
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	perSecond := float64(requestsPerMinute) / 60.0
	return &Limiter{
		rpm: requestsPerMinute,
		rl:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// RequestsPerMinute returns the configured rate.
func (l *Limiter) RequestsPerMinute() int { return l.rpm }

// Acquire blocks until a request may be admitted, honoring ctx cancellation.
// It never admits a request if ctx is cancelled first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.rl.Wait(ctx); err != nil {
		return werr.New(werr.Cancelled, "ratelimit.Acquire", err)
	}
	return nil
}

// SetRequestsPerMinute updates the pacing rate at runtime (e.g. after a
// provider narrows its own published quota).
func (l *Limiter) SetRequestsPerMinute(rpm int) {
	if rpm <= 0 {
		rpm = 1
	}
	l.rpm = rpm
	l.rl.SetLimit(rate.Limit(float64(rpm) / 60.0))
}

// RetryConfig controls ExecuteWithRetry's backoff schedule.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first, default 3
	BaseDelay   time.Duration // delay before the first retry, default 500ms
	MaxDelay    time.Duration // cap on backoff delay, default 10s
}

// DefaultRetryConfig returns the default policy: up to 3 attempts,
// exponential backoff with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// ExecuteWithRetry calls fn up to cfg.MaxAttempts times, retrying only when
// retryable(err) is true. Non-retryable errors propagate immediately. Each
// retry waits an exponentially growing, jittered delay; cancellation of ctx
// aborts the wait and returns ctx.Err() wrapped as Cancelled.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, retryable func(error) bool) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-ctx.Done():
				return werr.New(werr.Cancelled, "ratelimit.ExecuteWithRetry", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoffDelay computes exponential backoff capped at cfg.MaxDelay, then
// adds up to a third of the capped delay as jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/3 + 1))
	return delay + jitter
}
