// Package ratelimit admits new control connections per remote host.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a full bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	tb.lastUsed = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter combines an optional global bucket with one bucket per key.
// A rate of 0 disables that level.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	keyRate int
	burst   int
}

// NewLimiter creates a limiter. globalRate and keyRate are tokens per second.
func NewLimiter(globalRate, keyRate, burst int) *Limiter {
	l := &Limiter{
		perKey:  make(map[string]*TokenBucket),
		keyRate: keyRate,
		burst:   burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool { return l != nil && (l.global != nil || l.keyRate > 0) }

// Allow reports whether a new connection from key may proceed.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perKey[key]
	if !ok {
		bucket = NewTokenBucket(l.keyRate, l.burst)
		l.perKey[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-key buckets unused for longer than maxIdle and returns how
// many were removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.perKey {
		if b.idleSince().Before(cutoff) {
			delete(l.perKey, key)
			removed++
		}
	}
	return removed
}

// Keys reports how many per-key buckets are tracked.
func (l *Limiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
