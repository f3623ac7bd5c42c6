// Package security holds the admission controls applied to realtime
// clients before and after the websocket upgrade.
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL    = 10 * time.Minute
	defaultMaxClients = 10000
	sweepInterval     = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per client address. Buckets idle for longer
// than the TTL are swept in the background.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	limit      rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int
	now        func() time.Time
	stop       context.CancelFunc
}

// Option customizes a RateLimiter.
type Option func(*RateLimiter)

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = d }
}

// WithMaxClients caps the number of tracked addresses. New addresses are
// refused once the cap is reached.
func WithMaxClients(n int) Option {
	return func(rl *RateLimiter) { rl.maxClients = n }
}

// NewRateLimiter allows limit events per second per address with the given
// burst.
func NewRateLimiter(limit rate.Limit, burst int, opts ...Option) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		limit:      limit,
		burst:      burst,
		ttl:        defaultIdleTTL,
		maxClients: defaultMaxClients,
		now:        time.Now,
		stop:       cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// PerMinute converts a per-minute allowance into a rate and burst.
func PerMinute(n int) (rate.Limit, int) {
	if n <= 0 {
		return rate.Inf, 0
	}
	return rate.Every(time.Minute / time.Duration(n)), n
}

// Allow reports whether addr may proceed now.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[addr]
	if !ok {
		if len(rl.buckets) >= rl.maxClients {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[addr] = b
	}
	b.lastSeen = rl.now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Len returns the number of tracked addresses.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// UpdateRate applies a new rate. Existing buckets are dropped so every
// address starts again with a full burst.
func (rl *RateLimiter) UpdateRate(limit rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = limit
	rl.burst = burst
	rl.buckets = make(map[string]*bucket)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep evicts buckets idle for longer than the TTL and returns how many
// were removed.
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.ttl)
	removed := 0
	for addr, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, addr)
			removed++
		}
	}
	return removed
}

// NewMessageLimiter returns the limiter applied to inbound frames on one
// connection, or nil when perSecond is not positive.
func NewMessageLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}
