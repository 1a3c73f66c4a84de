package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAcquire(t *testing.T) {
	t.Run("immediate grant when buckets are full", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     60,
			InputTokensPerMinute:  60000,
			OutputTokensPerMinute: 60000,
			WaitBudget:            time.Second,
		})

		waited, err := rl.Acquire(context.Background(), 1000, 500)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if waited != 0 {
			t.Errorf("expected no wait, got %v", waited)
		}

		st := rl.Status()
		if st.RequestsAvailable != 59 {
			t.Errorf("expected 59 request tokens, got %d", st.RequestsAvailable)
		}
		if st.TotalAcquired != 1 {
			t.Errorf("expected 1 acquisition recorded, got %d", st.TotalAcquired)
		}
	})

	t.Run("fails when wait exceeds budget", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     60,
			InputTokensPerMinute:  1000,
			OutputTokensPerMinute: 1000,
			WaitBudget:            100 * time.Millisecond,
		})

		// Drain the input bucket so the next acquire needs a long refill.
		if _, err := rl.Acquire(context.Background(), 1000, 10); err != nil {
			t.Fatalf("initial acquire failed: %v", err)
		}

		_, err := rl.Acquire(context.Background(), 1000, 10)
		if !errors.Is(err, ErrRateLimitExhausted) {
			t.Fatalf("expected ErrRateLimitExhausted, got %v", err)
		}
	})

	t.Run("waits for short refills", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     6000, // 100/sec
			InputTokensPerMinute:  6_000_000,
			OutputTokensPerMinute: 6_000_000,
			WaitBudget:            5 * time.Second,
		})
		rl.requests.tokens = 0

		waited, err := rl.Acquire(context.Background(), 10, 10)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if waited == 0 {
			t.Error("expected a nonzero wait after draining the request bucket")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     1,
			InputTokensPerMinute:  100,
			OutputTokensPerMinute: 100,
			WaitBudget:            time.Minute,
		})
		rl.requests.tokens = 0

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := rl.Acquire(ctx, 1, 1)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context deadline error, got %v", err)
		}
	})
}

func TestRateLimiterReconcile(t *testing.T) {
	t.Run("returns surplus when actual usage is lower", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     60,
			InputTokensPerMinute:  10000,
			OutputTokensPerMinute: 10000,
			WaitBudget:            time.Second,
		})

		if _, err := rl.Acquire(context.Background(), 5000, 5000); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		rl.Reconcile(5000, 1000, 5000, 500)

		st := rl.Status()
		if st.InputTokensAvail < 8900 {
			t.Errorf("expected surplus returned to input bucket, got %d available", st.InputTokensAvail)
		}
		if st.OutputTokensAvail < 9400 {
			t.Errorf("expected surplus returned to output bucket, got %d available", st.OutputTokensAvail)
		}
	})

	t.Run("debits overage when actual usage is higher", func(t *testing.T) {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute:     60,
			InputTokensPerMinute:  10000,
			OutputTokensPerMinute: 10000,
			WaitBudget:            time.Second,
		})

		if _, err := rl.Acquire(context.Background(), 1000, 1000); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		rl.Reconcile(1000, 4000, 1000, 3000)

		st := rl.Status()
		if st.InputTokensAvail > 6100 {
			t.Errorf("expected overage debited from input bucket, got %d available", st.InputTokensAvail)
		}
	})
}
