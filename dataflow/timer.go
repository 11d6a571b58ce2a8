package dataflow

import (
	"context"
	"time"
)

// NewTimerSource builds the preferred tick-tuple source described for
// windowed aggregation: a source stage (intended to run with parallelism
// 1) that sleeps for period, then calls tick to produce a value and emits
// it fanout times — once per replica of the downstream stage it will be
// merged into, since a parallelism-1 source's ordinary round-robin routing
// would otherwise only ever reach one of those replicas. count bounds the
// number of ticks emitted; count <= 0 runs until ctx is done.
func NewTimerSource[T any](period time.Duration, fanout, count int, tick func() T) SourceFunc[T] {
	return func(ctx context.Context, ship SourceShipper[T]) error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		emitted := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				v := tick()
				for i := 0; i < fanout; i++ {
					if err := ship.Emit(v); err != nil {
						return err
					}
				}
				emitted++
				if count > 0 && emitted >= count {
					return nil
				}
			}
		}
	}
}

// Deadline bounds a source's run by wall-clock duration, the idiomatic Go
// shape of "honor a declared duration by reading a monotonic clock and
// exiting once start+duration is reached": a source wraps its own ctx
// argument with this before entering its emit loop.
func Deadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// RateLimiter paces emission to a target rate with drift correction:
// it schedules the next permitted emit time off the ideal grid (previous
// deadline + interval) rather than off wall-clock "now", so a slow
// iteration doesn't compound into ever-growing delay. Preferred over
// busy-waiting per the framework's own design notes.
type RateLimiter struct {
	interval time.Duration
	next     time.Time
}

// NewRateLimiter builds a limiter targeting ratePerSecond emissions per
// second. A non-positive rate means unthrottled: Wait always returns
// immediately.
func NewRateLimiter(ratePerSecond float64) *RateLimiter {
	if ratePerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / ratePerSecond)}
}

// Wait blocks until the next scheduled emit time, or until ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	if r.next.IsZero() {
		r.next = time.Now().Add(r.interval)
		return nil
	}
	if d := time.Until(r.next); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	r.next = r.next.Add(r.interval)
	return nil
}
