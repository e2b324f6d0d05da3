package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"example.com/harvester/internal/source"
)

const (
	// DefaultRequestsPerSecond keeps an authenticated token (5000/hour) under quota.
	DefaultRequestsPerSecond = 1.2

	// MinBuffer is the remaining quota below which requests wait for the reset.
	MinBuffer = 100

	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
	headerRetryAfter    = "Retry-After"
)

// RateLimiter combines a proactive token bucket with the quota GitHub reports in headers.
type RateLimiter struct {
	bucket    *rate.Limiter
	minBuffer int

	mu        sync.Mutex
	limit     int
	remaining int
	resetTime time.Time
}

func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &RateLimiter{
		bucket:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		minBuffer: MinBuffer,
		limit:     5000,
		remaining: 5000,
	}
}

// Wait blocks until a request may be sent.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.bucket.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	remaining, resetTime := r.remaining, r.resetTime
	r.mu.Unlock()

	if remaining < r.minBuffer && time.Now().Before(resetTime) {
		timer := time.NewTimer(time.Until(resetTime))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Update records the quota headers of resp.
func (r *RateLimiter) Update(resp *http.Response) {
	if resp == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, err := strconv.Atoi(resp.Header.Get(headerRateRemaining)); err == nil {
		r.remaining = v
	}
	if v, err := strconv.Atoi(resp.Header.Get(headerRateLimit)); err == nil {
		r.limit = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get(headerRateReset), 10, 64); err == nil {
		r.resetTime = time.Unix(v, 0)
	}
}

// Snapshot returns the last reported quota.
func (r *RateLimiter) Snapshot() source.RateLimit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return source.RateLimit{Limit: r.limit, Remaining: r.remaining, ResetAt: r.resetTime}
}

// retryAfter derives the wait suggested by a throttled response: Retry-After when present,
// otherwise the time until the quota resets.
func (r *RateLimiter) retryAfter(resp *http.Response) time.Duration {
	if resp != nil {
		if seconds, err := strconv.Atoi(resp.Header.Get(headerRetryAfter)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	r.mu.Lock()
	resetTime := r.resetTime
	r.mu.Unlock()
	if wait := time.Until(resetTime); wait > 0 {
		return wait
	}
	return 0
}
