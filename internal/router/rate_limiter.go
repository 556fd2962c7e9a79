package router

import (
	"sync"
	"time"
)

// RateLimiter allows each client a fixed number of events per one-minute
// window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*ClientLimit
}

// ClientLimit tracks one client's current window.
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter returns a limiter allowing perMinute events per client. A
// non-positive value means 100.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow reports whether clientID may send another event now.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	limit, exists := rl.clients[clientID]
	if !exists {
		rl.clients[clientID] = &ClientLimit{
			messageCount: 1,
			windowStart:  now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Forget drops a client's state, e.g. when its connection closes.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, clientID)
}

// Cleanup removes entries idle for more than five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for clientID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, clientID)
		}
	}
}
