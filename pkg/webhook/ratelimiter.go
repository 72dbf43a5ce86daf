package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter applies a sliding one-minute window per client IP.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxPerMin   int
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a limiter allowing maxPerMinute requests per IP.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string][]time.Time),
		maxPerMin:   maxPerMinute,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits the window and records it
// when it does.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := pruneOld(rl.requests[ip], now)
	if len(recent) >= rl.maxPerMin {
		rl.requests[ip] = recent
		return false
	}
	rl.requests[ip] = append(recent, now)
	return true
}

// RetryAfter returns the seconds until the oldest in-window request for ip
// expires, rounded up.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.requests[ip]
	if len(recent) == 0 {
		return 0
	}
	remaining := rateWindow - time.Since(recent[0])
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, times := range rl.requests {
				recent := pruneOld(times, now)
				if len(recent) == 0 {
					delete(rl.requests, ip)
				} else {
					rl.requests[ip] = recent
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func pruneOld(times []time.Time, now time.Time) []time.Time {
	recent := times[:0]
	for _, ts := range times {
		if now.Sub(ts) < rateWindow {
			recent = append(recent, ts)
		}
	}
	return recent
}
