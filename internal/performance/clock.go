package performance

import (
	"context"
	"time"
)

// Clock is the source of scheduled time for the scheduler and users.
type Clock interface {
	// Now returns the current scheduled time.
	Now() time.Time

	// After fires once d of scheduled time has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock is wall-clock time.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// After wraps time.After.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ScaledClock runs scheduled time Factor times faster than wall time.
//
// A factor of 10 plays a 60s profile in 6s of wall time while every
// timestamp, pause and latency still reads in scheduled units.
type ScaledClock struct {
	factor float64
	origin time.Time
}

// NewScaledClock creates a clock anchored at the current wall time.
// Factors <= 0 are treated as 1.
func NewScaledClock(factor float64) *ScaledClock {
	if factor <= 0 {
		factor = 1
	}
	return &ScaledClock{factor: factor, origin: time.Now()}
}

// Factor returns the speed-up factor.
func (c *ScaledClock) Factor() float64 { return c.factor }

// Now returns the origin advanced by scaled elapsed wall time.
func (c *ScaledClock) Now() time.Time {
	elapsed := time.Since(c.origin)
	return c.origin.Add(time.Duration(float64(elapsed) * c.factor))
}

// After fires after d/Factor of wall time.
func (c *ScaledClock) After(d time.Duration) <-chan time.Time {
	return time.After(time.Duration(float64(d) / c.factor))
}

// Since returns the scheduled time elapsed since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep suspends the caller for d of scheduled time or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
