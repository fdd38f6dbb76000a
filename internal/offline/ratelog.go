package offline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger drops warnings that arrive within interval of the last
// one it let through. Offline bursts would otherwise log once per request.
type rateLimitedLogger struct {
	log      logrus.FieldLogger
	interval time.Duration

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	entry := l.log
	if dropped > 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warnf(format, args...)
}
