package exchange

import (
	"context"
	"sync"
	"time"
)

// Per-venue minimum spacing between REST calls. Tighter-limited venues get
// longer delays.
var defaultRateDelays = map[Venue]time.Duration{
	VenueHyperliquid: 300 * time.Millisecond,
	VenueAster:       500 * time.Millisecond,
	VenueBybit:       750 * time.Millisecond,
}

// RateDelayFor returns the default inter-call delay for a venue.
func RateDelayFor(v Venue) time.Duration {
	if d, ok := defaultRateDelays[v]; ok {
		return d
	}
	return 500 * time.Millisecond
}

// RateLimiter paces outbound requests for one venue and applies a short
// penalty window after venue-side rejections (HTTP 429/418 equivalents).
type RateLimiter struct {
	mu        sync.Mutex
	minDelay  time.Duration
	lastCall  time.Time
	penalty   time.Duration
	banUntil  time.Time
	callCount int64
}

// NewRateLimiter creates a limiter with the given minimum inter-call delay.
func NewRateLimiter(minDelay time.Duration) *RateLimiter {
	return &RateLimiter{minDelay: minDelay}
}

// Wait blocks until the venue may be called again, honoring context
// cancellation.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	next := r.lastCall.Add(r.minDelay + r.penalty)
	if r.banUntil.After(next) {
		next = r.banUntil
	}
	wait := next.Sub(now)
	r.lastCall = now
	if wait > 0 {
		r.lastCall = next
	}
	r.callCount++
	r.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordRateLimitHit applies a penalty after the venue signalled throttling.
// Repeated hits escalate the penalty up to 30s.
func (r *RateLimiter) RecordRateLimitHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.penalty == 0 {
		r.penalty = time.Second
	} else {
		r.penalty *= 2
		if r.penalty > 30*time.Second {
			r.penalty = 30 * time.Second
		}
	}
	r.banUntil = time.Now().Add(r.penalty)
}

// RecordSuccess decays the penalty after a clean call.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.penalty = 0
}

// CallCount returns the number of Wait calls made, for health reporting.
func (r *RateLimiter) CallCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callCount
}
