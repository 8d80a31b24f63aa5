package ratelimit

import "sync"

// ConnLimiter caps the number of concurrent signaling connections.
//
// A max of 0 means unlimited.
type ConnLimiter struct {
	mu     sync.Mutex
	max    int
	active int
}

func NewConnLimiter(max int) *ConnLimiter {
	if max < 0 {
		max = 0
	}
	return &ConnLimiter{max: max}
}

// Acquire reserves a connection slot. The caller must Release exactly once
// for every successful Acquire.
func (l *ConnLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *ConnLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Active returns the current number of reserved slots.
func (l *ConnLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
