package gateway

import (
	"sync"
	"time"
)

// frameBucket rate-limits client audio frames per connection: a bucket sized
// to one second of frames, refilled to full once per second. Overflow frames
// are dropped silently; live audio never makes the client wait.
type frameBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	lastRefill time.Time
	now        func() time.Time
}

func newFrameBucket(capacity int) *frameBucket {
	if capacity <= 0 {
		capacity = 60
	}
	return &frameBucket{
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes one token, reporting whether the frame may proceed.
func (b *frameBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastRefill) >= time.Second {
		b.tokens = b.capacity
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
