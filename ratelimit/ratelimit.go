// Package ratelimit provides the process-wide limiter shared by every external
// call (membership checker subprocess and watch-page fetches). It is constructed
// once at the application root and passed by reference; there is no ambient global.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Yarn/gentei-but-jank/telemetry"
)

// DefaultOpsPerSecond is the shared ceiling for external platform calls.
const DefaultOpsPerSecond = 2

// Limiter bounds the rate of external calls. Wait is cooperative: it blocks the
// caller without holding any lock, so concurrent verification passes only ever
// contend on the quota itself.
type Limiter struct {
	l *rate.Limiter
}

// New returns a limiter allowing opsPerSecond operations per second with a burst
// of one, which keeps external calls evenly spaced rather than bunched.
func New(opsPerSecond int) *Limiter {
	if opsPerSecond <= 0 {
		opsPerSecond = DefaultOpsPerSecond
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(opsPerSecond), 1)}
}

// Wait blocks until a permit is available or ctx is done.
func (lm *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := lm.l.Wait(ctx)
	telemetry.ObserveRateLimitWait(time.Since(start))
	return err
}
