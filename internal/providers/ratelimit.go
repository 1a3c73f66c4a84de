package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// bucket is a continuously-refilling token bucket. Refill is proportional
// to elapsed time rather than discrete 60s windows, which avoids bursty
// boundary behavior.
type bucket struct {
	limit      float64 // tokens per window
	window     float64 // seconds
	tokens     float64
	lastUpdate time.Time
}

func newBucket(limitPerMinute int) *bucket {
	return &bucket{
		limit:      float64(limitPerMinute),
		window:     60.0,
		tokens:     float64(limitPerMinute),
		lastUpdate: time.Now(),
	}
}

// refill adds tokens based on elapsed time. Caller holds the limiter lock.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now
	b.tokens += elapsed * b.limit / b.window
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
}

// timeFor returns how long until n tokens are available. Caller holds the lock.
func (b *bucket) timeFor(n float64) time.Duration {
	if b.tokens >= n {
		return 0
	}
	needed := n - b.tokens
	return time.Duration(needed / (b.limit / b.window) * float64(time.Second))
}

// RateLimiter enforces three independent per-minute ceilings: requests,
// input tokens, and output tokens. It is constructed once per process and
// shared across all tasks.
type RateLimiter struct {
	mu sync.Mutex

	requests     *bucket
	inputTokens  *bucket
	outputTokens *bucket

	// waitBudget caps how long a single acquire may block before failing
	// with ErrRateLimitExhausted.
	waitBudget time.Duration

	// Statistics
	totalAcquired int64
	totalWaited   time.Duration
}

// RateLimiterConfig configures a process-wide rate limiter.
type RateLimiterConfig struct {
	RequestsPerMinute     int
	InputTokensPerMinute  int
	OutputTokensPerMinute int
	WaitBudget            time.Duration
}

// NewRateLimiter creates a rate limiter with the given per-minute limits.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 150
	}
	if cfg.InputTokensPerMinute <= 0 {
		cfg.InputTokensPerMinute = 400_000
	}
	if cfg.OutputTokensPerMinute <= 0 {
		cfg.OutputTokensPerMinute = 80_000
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 60 * time.Second
	}
	return &RateLimiter{
		requests:     newBucket(cfg.RequestsPerMinute),
		inputTokens:  newBucket(cfg.InputTokensPerMinute),
		outputTokens: newBucket(cfg.OutputTokensPerMinute),
		waitBudget:   cfg.WaitBudget,
	}
}

// Acquire blocks until one request slot plus the estimated input and output
// tokens are available in all three buckets, or until the wait budget or
// context expires. The output estimate is reconciled post-call via
// Reconcile once actual usage is known.
//
// Returns the time spent waiting.
func (r *RateLimiter) Acquire(ctx context.Context, estInputTokens, estOutputTokens int) (time.Duration, error) {
	deadline := time.Now().Add(r.waitBudget)
	var waited time.Duration

	for {
		r.mu.Lock()
		now := time.Now()
		r.requests.refill(now)
		r.inputTokens.refill(now)
		r.outputTokens.refill(now)

		wait := r.requests.timeFor(1)
		if w := r.inputTokens.timeFor(float64(estInputTokens)); w > wait {
			wait = w
		}
		if w := r.outputTokens.timeFor(float64(estOutputTokens)); w > wait {
			wait = w
		}

		if wait == 0 {
			r.requests.tokens--
			r.inputTokens.tokens -= float64(estInputTokens)
			r.outputTokens.tokens -= float64(estOutputTokens)
			r.totalAcquired++
			r.totalWaited += waited
			r.mu.Unlock()
			return waited, nil
		}
		r.mu.Unlock()

		if time.Now().Add(wait).After(deadline) {
			return waited, fmt.Errorf("%w: next slot in %s", ErrRateLimitExhausted, wait.Round(time.Millisecond))
		}

		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-time.After(wait):
			waited += wait
		}
	}
}

// Reconcile settles the difference between estimated and actual token
// usage after a call completes. A call that used fewer tokens than
// estimated returns the surplus to the buckets; one that used more debits
// the difference (tokens may go negative, delaying the next acquire).
func (r *RateLimiter) Reconcile(estInput, actualInput, estOutput, actualOutput int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputTokens.tokens += float64(estInput - actualInput)
	if r.inputTokens.tokens > r.inputTokens.limit {
		r.inputTokens.tokens = r.inputTokens.limit
	}
	r.outputTokens.tokens += float64(estOutput - actualOutput)
	if r.outputTokens.tokens > r.outputTokens.limit {
		r.outputTokens.tokens = r.outputTokens.limit
	}
}

// Status reports current limiter state.
type RateLimiterStatus struct {
	RequestsAvailable int           `json:"requests_available"`
	RequestsLimit     int           `json:"requests_limit"`
	InputTokensAvail  int           `json:"input_tokens_available"`
	OutputTokensAvail int           `json:"output_tokens_available"`
	TotalAcquired     int64         `json:"total_acquired"`
	TotalWaited       time.Duration `json:"total_waited"`
}

// Status returns a snapshot of the limiter.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.requests.refill(now)
	r.inputTokens.refill(now)
	r.outputTokens.refill(now)
	return RateLimiterStatus{
		RequestsAvailable: int(r.requests.tokens),
		RequestsLimit:     int(r.requests.limit),
		InputTokensAvail:  int(r.inputTokens.tokens),
		OutputTokensAvail: int(r.outputTokens.tokens),
		TotalAcquired:     r.totalAcquired,
		TotalWaited:       r.totalWaited,
	}
}
