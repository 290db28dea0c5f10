package http

import "time"

// rateLimiter caps intents per connection in fixed one-minute windows.
// It is only used from the connection's read loop.
type rateLimiter struct {
	limit   int
	counter int
	window  time.Time
	now     func() time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{limit: limit, now: time.Now}
}

func (r *rateLimiter) allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	if now.Sub(r.window) >= time.Minute {
		r.window = now
		r.counter = 0
	}
	r.counter++
	return r.counter <= r.limit
}
