// Package ratelimit provides inbound signaling hardening: a per-connection
// message rate limit and a global concurrent connection cap.
package ratelimit

import (
	"sync"
	"time"
)

// Clock is the time source used by TokenBucket; tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec).
//
// Fixed-point "nano-tokens" (1 token = 1e9 nano-tokens) avoid float rounding,
// so a rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens/sec
	cap   int64 // nano-tokens

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if rate < 0 {
		rate = 0
	}
	capacity := rate * nanosPerToken
	return &TokenBucket{
		clock:     clock,
		rate:      rate,
		cap:       capacity,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available. A zero-rate bucket never allows.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
	} else if elapsed := now.Sub(b.last).Nanoseconds(); elapsed > 0 {
		b.last = now
		if b.rate > 0 {
			if need := b.cap - b.available; elapsed >= need/b.rate {
				b.available = b.cap
			} else {
				b.available += elapsed * b.rate
			}
		}
	}

	if b.available < nanosPerToken {
		return false
	}
	b.available -= nanosPerToken
	return true
}
