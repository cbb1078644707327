package initloop

import (
	"sync"
	"time"
)

// RestartLimiter remembers when units were restarted and refuses a restart
// once StartLimitBurst restarts happened within StartLimitIntervalSec.
type RestartLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	history map[string][]time.Time
}

// NewRestartLimiter creates an empty limiter.
func NewRestartLimiter() *RestartLimiter {
	return &RestartLimiter{now: time.Now, history: make(map[string][]time.Time)}
}

// Allow prunes restarts older than interval and reports whether another
// restart stays below burst.
func (r *RestartLimiter) Allow(name string, burst int, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	kept := r.history[name][:0]
	for _, at := range r.history[name] {
		if now.Sub(at) <= interval {
			kept = append(kept, at)
		}
	}
	r.history[name] = kept
	return len(kept) < burst
}

// Record notes a restart of name.
func (r *RestartLimiter) Record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[name] = append(r.history[name], r.now())
}

// Count returns the remembered restarts of name.
func (r *RestartLimiter) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history[name])
}

// Forget drops the history of name.
func (r *RestartLimiter) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, name)
}
