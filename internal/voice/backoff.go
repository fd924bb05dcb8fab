package voice

import (
	"context"
	"math"
	"time"
)

// Backoff returns the delay to wait after the given failed attempt (1-based):
//
//	min(maxDelay, base^attempt seconds) * jitter
//
// and the result is clamped to maxDelay again so that no jitter draw can push
// a delay past the cap. The un-jittered component is non-decreasing in
// attempt. Jitter is expected in a band around 1 (e.g. 0.8–1.2) so that many
// guilds backing off at once spread out instead of reconnecting in lockstep.
func Backoff(attempt int, base float64, maxDelay time.Duration, jitter float64) time.Duration {
	d := baseDelay(attempt, base, maxDelay)
	d = time.Duration(float64(d) * jitter)
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// baseDelay is the deterministic component of [Backoff].
func baseDelay(attempt int, base float64, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(base, float64(attempt))
	if math.IsInf(secs, 0) || secs*float64(time.Second) > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(secs * float64(time.Second))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
