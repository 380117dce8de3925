package log

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// RateLimitedLogger drops repeated log lines once a line (keyed by its
// "msg" value, or its first keyval pair when there is no "msg") has
// already been logged maxPerSecond times in the current second, via one
// token-bucket rate.Limiter per distinct key. It exists so high-
// frequency benign paths — stale acks, enqueue-after-noMorePages — can
// log at debug without flooding output under load.
type RateLimitedLogger struct {
	next         log.Logger
	maxPerSecond int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedLogger wraps next, allowing at most maxPerSecond log
// lines per distinct key per second; lines beyond that budget are
// dropped rather than erroring.
func NewRateLimitedLogger(maxPerSecond int, next log.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		next:         next,
		maxPerSecond: maxPerSecond,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Log implements log.Logger.
func (r *RateLimitedLogger) Log(keyvals ...interface{}) error {
	key := rateLimitKey(keyvals)

	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.maxPerSecond), r.maxPerSecond)
		r.limiters[key] = limiter
	}
	allow := limiter.Allow()
	r.mu.Unlock()

	if !allow {
		return nil
	}
	return r.next.Log(keyvals...)
}

func rateLimitKey(keyvals []interface{}) string {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == "msg" {
			return fmt.Sprint(keyvals[i+1])
		}
	}
	if len(keyvals) > 0 {
		return fmt.Sprint(keyvals[0])
	}
	return ""
}
