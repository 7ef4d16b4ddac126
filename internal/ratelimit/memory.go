package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps a sliding log of admission times per key in process memory.
// Suitable for a single API instance; use RedisLimiter when running several.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	max    int
	window time.Duration
	nowF   func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewMemoryLimiter returns a limiter admitting max requests per key per window and starts
// a background sweep of idle keys. Call Close to stop it.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	l := newMemoryLimiter(max, window, time.Now)
	go l.cleanupLoop()
	return l
}

func newMemoryLimiter(max int, window time.Duration, nowF func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		hits:        make(map[string][]time.Time),
		max:         max,
		window:      window,
		nowF:        nowF,
		stopCleanup: make(chan struct{}),
	}
}

// Allow admits the request when fewer than max requests for key were admitted in the last window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.nowF()

	l.mu.Lock()
	defer l.mu.Unlock()

	log := prune(l.hits[key], now.Add(-l.window))
	if len(log) >= l.max {
		l.hits[key] = log
		return Result{Allowed: false, RetryAfter: log[0].Add(l.window).Sub(now)}, nil
	}
	log = append(log, now)
	l.hits[key] = log
	return Result{Allowed: true, Remaining: l.max - len(log)}, nil
}

// Close stops the background sweep.
func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *MemoryLimiter) sweep() {
	cutoff := l.nowF().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, log := range l.hits {
		if log = prune(log, cutoff); len(log) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = log
		}
	}
}

// prune drops entries at or before cutoff. log is ordered oldest first.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
