package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:         attempts,
		Backoff:             []time.Duration{time.Millisecond, 2 * time.Millisecond},
		RateLimitMultiplier: 2.0,
		JitterFraction:      0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetryConfig(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetryConfig(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetryConfig(3), func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry), got %d", calls)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := RetryConfig{
		MaxAttempts:    3,
		Backoff:        []time.Duration{time.Minute},
		JitterFraction: 0,
	}

	var calls int
	start := time.Now()
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel() // cancel during the first attempt; backoff must not complete
		return NewTransientError(errors.New("fails"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancelled backoff should return immediately, took %v", elapsed)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := RetryConfig{
		MaxAttempts:    3,
		Backoff:        []time.Duration{time.Minute},
		JitterFraction: 0,
	}

	var calls int
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("fails"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected prompt return after cancel, took %v", elapsed)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	sentinel := errors.New("retry me")
	var calls int

	cfg := fastRetryConfig(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retries []int
	cfg := fastRetryConfig(3)
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fails"), 502)
	})
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(retries))
	}
	if retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected attempts [1 2], got %v", retries)
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetryConfig(3), func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetryConfig(2), func(_ context.Context) (string, error) {
		return "partial", NewTransientError(errors.New("fails"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != "" {
		t.Errorf("expected zero value, got %q", val)
	}
}

func TestScheduledBackoff_FixedSchedule(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: 0})
	err := NewTransientError(errors.New("boom"), 500)

	if d := scheduledBackoff(0, cfg, err); d != time.Second {
		t.Errorf("attempt 0: expected 1s, got %v", d)
	}
	if d := scheduledBackoff(1, cfg, err); d != 2*time.Second {
		t.Errorf("attempt 1: expected 2s, got %v", d)
	}
	// Attempts beyond the schedule reuse the final entry.
	if d := scheduledBackoff(5, cfg, err); d != 4*time.Second {
		t.Errorf("attempt 5: expected 4s, got %v", d)
	}
}

func TestScheduledBackoff_RateLimitMultiplier(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: 0})
	rateLimited := NewTransientError(errors.New("slow down"), 429)
	serverErr := NewTransientError(errors.New("boom"), 500)

	if d := scheduledBackoff(0, cfg, rateLimited); d != 3*time.Second {
		t.Errorf("429 backoff: expected 3s (1s × 3.0), got %v", d)
	}
	if d := scheduledBackoff(0, cfg, serverErr); d != time.Second {
		t.Errorf("5xx backoff: expected 1s, got %v", d)
	}
}

func TestScheduledBackoff_JitterStaysNonNegative(t *testing.T) {
	cfg := applyDefaults(RetryConfig{JitterFraction: 0.5})
	err := NewTransientError(errors.New("boom"), 500)
	for range 100 {
		if d := scheduledBackoff(0, cfg, err); d < 0 {
			t.Fatalf("negative backoff %v", d)
		}
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, []int{100, 200}, 4.0, 0.1)
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.MaxAttempts)
	}
	if len(cfg.Backoff) != 2 || cfg.Backoff[0] != 100*time.Millisecond {
		t.Errorf("unexpected backoff schedule %v", cfg.Backoff)
	}
	if cfg.RateLimitMultiplier != 4.0 {
		t.Errorf("expected multiplier 4.0, got %f", cfg.RateLimitMultiplier)
	}
}
