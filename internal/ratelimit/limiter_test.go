package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

func TestLimiterPacesRequests(t *testing.T) {
	// 60 rpm = 1 request per second; firing 3 back-to-back acquires should
	// take at least 2 seconds (the first is free, the rest pace at 1s).
	l := New(60)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 1900*time.Millisecond {
		t.Errorf("expected pacing to enforce >=2s for 3 requests at 60rpm, got %v", elapsed)
	}
}

func TestLimiterHonorsCancellation(t *testing.T) {
	l := New(1) // 1 rpm = 60s interval
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire should succeed immediately: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(cctx)
	if err == nil {
		t.Fatal("expected Acquire to be cancelled before the next slot opens")
	}
	if !werr.Is(err, werr.Cancelled) {
		t.Errorf("expected Cancelled kind, got %v", err)
	}
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		calls++
		return werr.New(werr.PermanentExternal, "test", errors.New("bad request"))
	}, werr.Retryable)

	if calls != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
	if !werr.Is(err, werr.PermanentExternal) {
		t.Errorf("expected error to propagate unchanged, got %v", err)
	}
}

func TestExecuteWithRetryRetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := ExecuteWithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return werr.New(werr.TransientExternal, "test", errors.New("503"))
	}, werr.Retryable)

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if !werr.Is(err, werr.TransientExternal) {
		t.Errorf("expected last error to propagate, got %v", err)
	}
}

func TestExecuteWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := ExecuteWithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return werr.New(werr.Timeout, "test", errors.New("timed out"))
		}
		return nil
	}, werr.Retryable)

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
