package action

import (
	"fmt"
	"sync"
	"time"
)

// RateLimits caps how often a single user may run one action type.
type RateLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// RateLimitError is returned when an action is refused by the rate limiter.
// It is surfaced to the client as a structured error rather than executing
// the action.
type RateLimitError struct {
	Action string
	Window string
	Limit  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("action rate limit exceeded: %d per %s for %q", e.Limit, e.Window, e.Action)
}

// rateBucket tracks per-window counters for one (user, action) pair.
type rateBucket struct {
	minuteCount int
	hourCount   int
	dayCount    int
	minuteReset time.Time
	hourReset   time.Time
	dayReset    time.Time
}

// RateLimiter enforces RateLimits per (userID, action) pair. Safe for
// concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limits  RateLimits
	buckets map[string]*rateBucket

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given limits. A zero or negative
// limit disables that window.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow consumes one execution slot for the (userID, action) pair, returning
// a *RateLimitError when any window is exhausted. Counters are only consumed
// when the action is allowed.
func (l *RateLimiter) Allow(userID, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := userID + "/" + action
	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{
			minuteReset: now.Add(time.Minute),
			hourReset:   now.Add(time.Hour),
			dayReset:    now.Add(24 * time.Hour),
		}
		l.buckets[key] = b
	}

	if now.After(b.minuteReset) {
		b.minuteCount = 0
		b.minuteReset = now.Add(time.Minute)
	}
	if now.After(b.hourReset) {
		b.hourCount = 0
		b.hourReset = now.Add(time.Hour)
	}
	if now.After(b.dayReset) {
		b.dayCount = 0
		b.dayReset = now.Add(24 * time.Hour)
	}

	if l.limits.PerMinute > 0 && b.minuteCount >= l.limits.PerMinute {
		return &RateLimitError{Action: action, Window: "minute", Limit: l.limits.PerMinute}
	}
	if l.limits.PerHour > 0 && b.hourCount >= l.limits.PerHour {
		return &RateLimitError{Action: action, Window: "hour", Limit: l.limits.PerHour}
	}
	if l.limits.PerDay > 0 && b.dayCount >= l.limits.PerDay {
		return &RateLimitError{Action: action, Window: "day", Limit: l.limits.PerDay}
	}

	b.minuteCount++
	b.hourCount++
	b.dayCount++
	return nil
}
