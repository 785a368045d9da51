// Package monitoring holds the diagnostic logger shared by the pipeline
// packages and a per-key rate limiter for messages emitted from the control
// loop.
package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// RateLimiter suppresses repeats of the same message key within a window.
// Suppressed repeats are counted and reported with the next message that is
// let through.
type RateLimiter struct {
	mu         sync.Mutex
	window     time.Duration
	now        func() time.Time
	last       map[string]time.Time
	suppressed map[string]int
}

// NewRateLimiter returns a limiter with the given window. A zero window
// disables suppression.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:     window,
		now:        time.Now,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// SetNow overrides the time source.
func (r *RateLimiter) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow reports whether a message for key may be logged now, together with
// the number of repeats suppressed since the last allowed message.
func (r *RateLimiter) Allow(key string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.last[key]; ok && r.window > 0 && now.Sub(last) < r.window {
		r.suppressed[key]++
		return false, 0
	}
	n := r.suppressed[key]
	r.suppressed[key] = 0
	r.last[key] = now
	return true, n
}

// Logf logs through the package logger unless key is currently suppressed.
func (r *RateLimiter) Logf(key, format string, v ...interface{}) {
	ok, dropped := r.Allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		Logf(format+" (%d similar suppressed)", append(v, dropped)...)
		return
	}
	Logf(format, v...)
}
