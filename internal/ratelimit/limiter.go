// Package ratelimit implements per-key token bucket admission control:
// lazy refill computed from elapsed wall-clock time under a mutex, rather
// than golang.org/x/time/rate, which cannot report a point-in-time token
// count without consuming from the bucket.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter grants or denies admission per key using an independent token
// bucket for each key, created lazily on first use.
type Limiter struct {
	mu              sync.Mutex
	buckets         map[string]*bucket
	capacity        float64
	refillPerSecond float64
	enabled         bool
	now             func() time.Time

	totalRequests uint64
	totalRejected uint64
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Decision is the outcome of a TryAcquire call: post-admission counters on
// success, or a retry suggestion on rejection.
type Decision struct {
	Admitted         bool
	TokensRemaining  float64
	Capacity         float64
	RetryAfterSeconds float64
}

// New builds an enabled Limiter with the given capacity and refill rate
// (tokens per second). Both must be non-negative; a zero refill rate means
// the bucket never replenishes once drained.
func New(capacity, refillPerSecond float64) *Limiter {
	return &Limiter{
		buckets:         make(map[string]*bucket),
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		enabled:         true,
		now:             time.Now,
	}
}

// SetEnabled toggles admission control. When disabled, TryAcquire always
// admits and reports currentTokens=capacity; the limiter never fails
// closed on its own.
func (l *Limiter) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// TryAcquire is the limiter's primary contract: admit-or-reject with a
// retry suggestion, under a single critical section covering refill and
// deduct so concurrent callers see a linearizable view.
func (l *Limiter) TryAcquire(key string, cost float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++

	if !l.enabled {
		return Decision{Admitted: true, TokensRemaining: l.capacity, Capacity: l.capacity}
	}

	b := l.getOrCreate(key)
	l.refill(b)

	if b.tokens < cost {
		l.totalRejected++
		needed := cost - b.tokens
		retryAfter := 0.0
		if l.refillPerSecond > 0 {
			retryAfter = needed / l.refillPerSecond
		}
		return Decision{
			Admitted:          false,
			TokensRemaining:   b.tokens,
			Capacity:          l.capacity,
			RetryAfterSeconds: retryAfter,
		}
	}

	b.tokens -= cost
	return Decision{Admitted: true, TokensRemaining: b.tokens, Capacity: l.capacity}
}

// Stats reports the cumulative request/rejection counters exposed via
// /metrics.
func (l *Limiter) Stats() (totalRequests, totalRejected uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalRequests, l.totalRejected
}

// Allow is a convenience wrapper over TryAcquire for callers that only
// need the admit/reject boolean.
func (l *Limiter) Allow(key string, cost float64) bool {
	return l.TryAcquire(key, cost).Admitted
}

// Tokens reports the current token count for key without consuming any,
// refilling first so the value reflects "now". Used by the diagnostics
// surface's rate-limit status endpoint.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return l.capacity
	}
	b := l.getOrCreate(key)
	l.refill(b)
	return b.tokens
}

// Capacity returns the configured bucket capacity.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillPerSecond returns the configured refill rate.
func (l *Limiter) RefillPerSecond() float64 { return l.refillPerSecond }

// Reset removes a key's bucket, causing the next Allow/Tokens call to
// start it fresh at full capacity.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) getOrCreate(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.refillPerSecond
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = now
}
