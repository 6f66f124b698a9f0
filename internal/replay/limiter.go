package replay

import (
	"sync"
	"time"
)

// logLimiter allows one event per window and counts the rest.
type logLimiter struct {
	mu         sync.Mutex
	interval   time.Duration
	last       time.Time
	suppressed uint64
}

func newLogLimiter(interval time.Duration) *logLimiter {
	return &logLimiter{interval: interval}
}

// Allow reports whether an event at now may be logged. When it may, it also
// returns how many events were suppressed since the previous allowed one.
func (l *logLimiter) Allow(now time.Time) (bool, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		l.suppressed++
		return false, 0
	}
	n := l.suppressed
	l.suppressed = 0
	l.last = now
	return true, n
}
