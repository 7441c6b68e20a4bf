package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultReplyEvery = 2 * time.Second
	defaultReplyBurst = 3
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneAt    = 1024
)

type limiterEntry struct {
	lim  *rate.Limiter
	used time.Time
}

// chatLimiter keeps one token bucket per chat.
type chatLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	m     map[int64]*limiterEntry
	now   func() time.Time
}

func newChatLimiter() *chatLimiter {
	return &chatLimiter{m: map[int64]*limiterEntry{}, now: time.Now}
}

func (c *chatLimiter) apply(every time.Duration, burst int) {
	if every <= 0 {
		every = defaultReplyEvery
	}
	if burst <= 0 {
		burst = defaultReplyBurst
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.every = rate.Every(every)
	c.burst = burst
	for _, e := range c.m {
		e.lim.SetLimit(c.every)
		e.lim.SetBurst(burst)
	}
}

// Allow reports whether chatID may get another reply now.
func (c *chatLimiter) Allow(chatID int64) bool {
	c.mu.Lock()
	now := c.now()
	e, ok := c.m[chatID]
	if !ok {
		if len(c.m) >= limiterPruneAt {
			c.pruneLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(c.every, c.burst)}
		c.m[chatID] = e
	}
	e.used = now
	lim := e.lim
	c.mu.Unlock()
	return lim.AllowN(now, 1)
}

func (c *chatLimiter) pruneLocked(now time.Time) {
	for id, e := range c.m {
		if now.Sub(e.used) > limiterIdleTTL {
			delete(c.m, id)
		}
	}
}

func (c *chatLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
