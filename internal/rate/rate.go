// rate.go — the shared emit-rate limiter behind MaxThrottle (spec.md §4.4.7).
//
// Built on golang.org/x/time/rate's token bucket: burst == count, refill
// rate == count/per_duration, and every Allow() call draws exactly one
// token. A full bucket admits `count` emits at once and then one more per
// per_duration/count. This is not a sliding-window counter: a
// `per_duration` span that starts with a full bucket can admit close to
// 2*count emits (the burst plus the tokens refilled during the span).
package rate

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/warpfusion/warpfusion/internal/plan"
)

// Limiter gates alert emission for one rule; shared by the event and close
// paths of a single plan's Machine instance.
type Limiter struct {
	inner *rate.Limiter
}

// New builds a Limiter from a plan.ThrottleSpec. A disabled spec (count or
// per_duration is zero) returns a Limiter that always allows.
func New(spec plan.ThrottleSpec) *Limiter {
	if !spec.Enabled() {
		return &Limiter{inner: nil}
	}
	every := spec.PerDuration / time.Duration(spec.Count)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &Limiter{inner: rate.NewLimiter(rate.Every(every), int(spec.Count))}
}

// Allow draws one token, returning false if the rule has exceeded its
// configured emit rate. A nil/disabled limiter always allows.
func (l *Limiter) Allow() bool {
	if l == nil || l.inner == nil {
		return true
	}
	return l.inner.Allow()
}
