package chatsync

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter tracks the last attempt per key and refuses repeats inside a
// cooldown window. It backs both the read-receipt and the silent-refresh
// cooldowns and is cleared on logout.
type RateLimiter struct {
	mu        sync.Mutex
	clock     clock
	cooldowns map[string]time.Duration
	fallback  time.Duration
	last      map[string]time.Time
}

// NewRateLimiter creates a limiter whose keys share the given cooldown unless
// overridden with SetCooldown.
func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	return newRateLimiter(realClock{}, cooldown)
}

func newRateLimiter(c clock, cooldown time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:     c,
		cooldowns: make(map[string]time.Duration),
		fallback:  cooldown,
		last:      make(map[string]time.Time),
	}
}

// SetCooldown overrides the cooldown for every key starting with prefix.
// The longest matching prefix wins.
func (r *RateLimiter) SetCooldown(prefix string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[prefix] = d
}

// Allowed reports whether an attempt for key would be accepted now.
func (r *RateLimiter) Allowed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowedLocked(key, r.clock.Now())
}

// RecordAttempt stamps key with the current time.
func (r *RateLimiter) RecordAttempt(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[key] = r.clock.Now()
}

// TryAcquire checks and records in one step. Concurrent callers for the same
// key see exactly one true per window.
func (r *RateLimiter) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if !r.allowedLocked(key, now) {
		return false
	}
	r.last[key] = now
	return true
}

// Remaining returns how long key stays in cooldown.
func (r *RateLimiter) Remaining(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.last[key]
	if !ok {
		return 0
	}
	left := r.cooldownLocked(key) - r.clock.Now().Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

// Forget clears a single key.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, key)
}

// Reset clears every key.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]time.Time)
}

func (r *RateLimiter) allowedLocked(key string, now time.Time) bool {
	last, ok := r.last[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= r.cooldownLocked(key)
}

func (r *RateLimiter) cooldownLocked(key string) time.Duration {
	d, best := r.fallback, -1
	for prefix, v := range r.cooldowns {
		if len(prefix) > best && strings.HasPrefix(key, prefix) {
			d, best = v, len(prefix)
		}
	}
	return d
}
