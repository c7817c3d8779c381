// Package countdown derives the remaining answer time for a live question
// from the server-provided start instant, never from a locally started
// countdown value, so a client that reconnects mid-question recovers the
// true remaining time instead of a fresh full duration.
package countdown

import (
	"context"
	"time"
)

// DefaultTick is how often Watch recomputes the remaining time.
const DefaultTick = 200 * time.Millisecond

// Remaining returns max(0, limit - (now - startAt)).
func Remaining(now, startAt time.Time, limit time.Duration) time.Duration {
	remaining := limit - now.Sub(startAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the deadline has passed at now.
func Expired(now, startAt time.Time, limit time.Duration) bool {
	return Remaining(now, startAt, limit) == 0
}

// Watch emits the remaining time on every tick, starting with an immediate
// value, and closes the channel once the deadline is reached or ctx is
// canceled. The computation is local wall-clock only; it produces no side
// effects beyond what the consumer does with the values.
func Watch(ctx context.Context, startAt time.Time, limit, tick time.Duration) <-chan time.Duration {
	if tick <= 0 {
		tick = DefaultTick
	}
	out := make(chan time.Duration, 1)
	out <- Remaining(time.Now(), startAt, limit)

	go func() {
		defer close(out)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				remaining := Remaining(now, startAt, limit)
				select {
				case out <- remaining:
				default:
					// Stale value still pending; replace it.
					select {
					case <-out:
					default:
					}
					out <- remaining
				}
				if remaining == 0 {
					return
				}
			}
		}
	}()
	return out
}
