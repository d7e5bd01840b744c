// Package ratelimit implements a per-client token bucket rate limiter for the
// escalation API. Clients are identified by API key, or by remote address when
// no key is configured.
// Thread-safe. No background goroutines: tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleBuckets is the number of clients above which full, idle buckets are dropped.
const idleBuckets = 1024

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(client string) error {
	_, err := l.Reserve(client)
	return err
}

// Reserve is Allow that also reports, on failure, how long until the next
// token is available. The wait is reported to rate limited API clients.
func (l *Limiter) Reserve(client string) (time.Duration, error) {
	// Unlimited mode.
	if l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		l.prune(now)
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		wait := math.Ceil((1 - b.tokens) / l.rate)
		return time.Duration(wait) * time.Second, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// prune drops buckets that would be full again by now. A dropped client
// restarts with a full bucket, which is the state it would be in anyway.
// Must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	if len(l.clients) < idleBuckets {
		return
	}
	for key, b := range l.clients {
		if b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst {
			delete(l.clients, key)
		}
	}
}
