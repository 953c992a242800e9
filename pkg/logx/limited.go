package logx

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limited drops log lines above a fixed rate. A store that is down for
// minutes or a handler that keeps failing logs once per window instead of
// once per tick. Suppressed lines are counted and reported on the next
// emitted line.
type Limited struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited allows one line per every, with a burst of one.
func NewLimited(log Logger, every time.Duration) *Limited {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Limited{log: log, lim: rate.NewLimiter(rate.Every(every), 1)}
}

func (l *Limited) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields...) }
func (l *Limited) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields...) }

func (l *Limited) emit(level zerolog.Level, msg string, fields ...Field) {
	if l == nil {
		return
	}
	if !l.lim.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	l.log.logAt(4, level, msg, fields...)
}
