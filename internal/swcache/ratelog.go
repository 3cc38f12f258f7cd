package swcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type rateLimitedLogger struct {
	log *zap.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return false
	}
	l.lastAt = now
	return true
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	if l.allow() {
		l.log.Warn(msg, fields...)
	}
}
