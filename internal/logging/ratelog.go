package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RateLimited emits at most one warning per interval and counts what it
// swallowed in between.
type RateLimited struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func NewRateLimited(interval time.Duration) *RateLimited {
	return &RateLimited{interval: interval}
}

// Warn returns an event to log, or nil when the call is suppressed. A nil
// *zerolog.Event is safe to chain and discards everything.
func (l *RateLimited) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return nil
	}
	l.lastAt = now
	ev := log.Warn()
	if l.suppressed > 0 {
		ev = ev.Int("suppressed", l.suppressed)
		l.suppressed = 0
	}
	return ev
}
