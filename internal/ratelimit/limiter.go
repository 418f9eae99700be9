package ratelimit

import (
	"context"
	"sync"
	"time"

	"crypto-bot-engine/internal/models"
)

// pollInterval bounds how long a waiter sleeps before re-checking the
// bucket. Keeps worst-case extra latency small without spinning.
const pollInterval = 20 * time.Millisecond

// Bucket is a token bucket for one exchange. Refill is continuous at
// refillPerSec up to capacity; Penalize freezes refill after a 429.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
	frozenUntil  time.Time
}

// NewBucket creates a full bucket.
func NewBucket(capacity, refillPerSec float64) *Bucket {
	return &Bucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   time.Now(),
	}
}

// refillLocked advances the bucket to now. Caller holds mu. The clock
// only moves forward: a caller that read time.Now before losing a race
// for the lock must not rewind lastRefill, or the next caller would
// re-accrue an interval that was already credited.
func (b *Bucket) refillLocked(now time.Time) {
	if now.Before(b.lastRefill) {
		return
	}
	from := b.lastRefill
	if b.frozenUntil.After(from) {
		if b.frozenUntil.After(now) {
			b.lastRefill = now // still frozen, no tokens accrue
			return
		}
		from = b.frozenUntil
	}
	elapsed := now.Sub(from).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

// tryTake takes cost tokens if available, returning true on success.
func (b *Bucket) tryTake(cost float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// Acquire blocks until cost tokens are available or ctx expires.
// Callers pass a deadline-bearing context; a cancelled wait returns a
// RateLimited error so the caller's retry policy applies.
func (b *Bucket) Acquire(ctx context.Context, cost float64) error {
	for {
		if b.tryTake(cost, time.Now()) {
			return nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.WrapError(models.KindRateLimited, "rate token wait timed out", ctx.Err())
		case <-timer.C:
		}
	}
}

// Penalize freezes refill for retryAfter. Called when the exchange
// reports RateLimited despite local admission.
func (b *Bucket) Penalize(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := time.Now().Add(retryAfter)
	if until.After(b.frozenUntil) {
		b.frozenUntil = until
	}
}

// Tokens reports the current token count, for tests and status output.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Limiter keys buckets by exchange name, creating them on first use.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*Bucket
	capacity     float64
	refillPerSec float64
}

// NewLimiter creates a limiter whose buckets share one capacity/refill
// configuration.
func NewLimiter(capacity, refillPerSec float64) *Limiter {
	return &Limiter{
		buckets:      make(map[string]*Bucket),
		capacity:     capacity,
		refillPerSec: refillPerSec,
	}
}

func (l *Limiter) bucket(exchange string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[exchange]
	if !ok {
		b = NewBucket(l.capacity, l.refillPerSec)
		l.buckets[exchange] = b
	}
	return b
}

// Acquire admits one call of the given cost against the exchange's bucket.
func (l *Limiter) Acquire(ctx context.Context, exchange string, cost float64) error {
	return l.bucket(exchange).Acquire(ctx, cost)
}

// Penalize reports back a server-side throttle for the exchange.
func (l *Limiter) Penalize(exchange string, retryAfter time.Duration) {
	l.bucket(exchange).Penalize(retryAfter)
}
