package chronam

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket limiter in requests per second.
// One limiter guards one archive host; the bucket is process-local.
type RateLimiter struct {
	mu sync.Mutex

	// Configuration
	requestsPerSecond float64
	burst             float64

	// Token bucket state
	tokens     float64
	lastUpdate time.Time

	// Statistics
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	Utilization     float64       `json:"utilization"`
	TimeUntilToken  time.Duration `json:"time_until_token"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter refilling at requestsPerSecond. The
// bucket holds a single token, so request starts are spaced 1/rps apart
// and no one-second window sees more than rps starts.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2.0 // Default
	}
	return &RateLimiter{
		requestsPerSecond: requestsPerSecond,
		burst:             1,
		tokens:            1,
		lastUpdate:        time.Now(),
	}
}

// Wait blocks until a token is available or context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1.0 {
			r.tokens--
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		tokensNeeded := 1.0 - r.tokens
		waitTime := time.Duration(tokensNeeded / r.requestsPerSecond * float64(time.Second))
		r.mu.Unlock()

		// Wait outside lock
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			r.mu.Lock()
			r.totalWaited += waitTime
			r.mu.Unlock()
		}
	}
}

// TryConsume attempts to consume a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1.0 {
		r.tokens--
		r.totalConsumed++
		return true
	}
	return false
}

// Record429 should be called when a 429 response is received.
// Drains the bucket so the next request waits a full refill.
func (r *RateLimiter) Record429() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last429Time = time.Now()
	r.tokens = 0
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	utilization := 1.0 - (r.tokens / r.burst)
	if utilization < 0 {
		utilization = 0
	}

	var timeUntilToken time.Duration
	if r.tokens < 1.0 {
		tokensNeeded := 1.0 - r.tokens
		timeUntilToken = time.Duration(tokensNeeded / r.requestsPerSecond * float64(time.Second))
	}

	return RateLimiterStatus{
		TokensAvailable: int(r.tokens),
		TokensLimit:     int(r.burst),
		Utilization:     utilization,
		TimeUntilToken:  timeUntilToken,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
	}
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	r.tokens += elapsed * r.requestsPerSecond

	// Cap at burst
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
}

// HostLimiters hands out one RateLimiter per host.
type HostLimiters struct {
	mu       sync.Mutex
	rate     float64
	limiters map[string]*RateLimiter
}

// NewHostLimiters creates a per-host limiter set at the given rate.
func NewHostLimiters(requestsPerSecond float64) *HostLimiters {
	return &HostLimiters{
		rate:     requestsPerSecond,
		limiters: make(map[string]*RateLimiter),
	}
}

// For returns the limiter for a host, creating it on first use.
func (h *HostLimiters) For(host string) *RateLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.limiters[host]; ok {
		return l
	}
	l := NewRateLimiter(h.rate)
	h.limiters[host] = l
	return l
}
