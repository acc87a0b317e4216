// Package monitoring holds the process-wide diagnostic logger and the
// Prometheus collectors shared by the filter components.
package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LimitedLogger emits bursty warnings (overruns, stale inputs, repeated
// fallbacks) at a bounded rate. Lines dropped by the limiter are counted and
// reported on the next line that gets through.
type LimitedLogger struct {
	prefix     string
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLimitedLogger allows burst lines immediately and then one line per every.
func NewLimitedLogger(prefix string, every time.Duration, burst int) *LimitedLogger {
	if burst < 1 {
		burst = 1
	}
	return &LimitedLogger{
		prefix:  prefix,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Logf writes the line through Logf if the limiter allows it.
func (l *LimitedLogger) Logf(format string, v ...interface{}) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	msg := fmt.Sprintf(format, v...)
	if n := l.suppressed.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, n)
	}
	if l.prefix != "" {
		Logf("%s %s", l.prefix, msg)
		return
	}
	Logf("%s", msg)
}

// Suppressed returns the number of lines dropped since the last emitted line.
func (l *LimitedLogger) Suppressed() int64 {
	return l.suppressed.Load()
}
