package reader

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"positionwatch/config"
)

const defaultReconnectDelay = time.Second

// reconnectBackoff yields base*2^attempt capped at max, jittered unless
// disabled.
type reconnectBackoff struct {
	b *backoff.Backoff
}

func newReconnectBackoff(cfg config.BackoffConfig) reconnectBackoff {
	base := cfg.Base
	if base <= 0 {
		base = defaultReconnectDelay
	}
	limit := cfg.Cap
	if limit < base {
		limit = base
	}
	return reconnectBackoff{b: &backoff.Backoff{
		Min:    base,
		Max:    limit,
		Factor: 2,
		Jitter: !cfg.DisableJitter,
	}}
}

// delay returns the wait before the next attempt. Jitter never takes it
// below the base delay.
func (r reconnectBackoff) delay(attempt int) time.Duration {
	d := r.b.ForAttempt(float64(attempt))
	if d < r.b.Min {
		d = r.b.Min
	}
	return d
}

// waitForReconnect sleeps for delay and reports true when ctx was cancelled
// first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
