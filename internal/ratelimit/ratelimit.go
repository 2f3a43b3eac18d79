package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// Keyed holds one limiter per key (participant id). A zero rate disables
// limiting entirely so the hook can stay wired when unconfigured.
type Keyed struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	now      func() time.Time
	mu       sync.Mutex
}

func NewKeyed(rate float64, burst int) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		now:      time.Now,
	}
}

func (k *Keyed) Enabled() bool {
	return k != nil && k.rate > 0
}

func (k *Keyed) Allow(key string) bool {
	if !k.Enabled() {
		return true
	}

	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

func (k *Keyed) Remove(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
