package unlock

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultCountdownInterval is the tick used when Countdown is given zero.
const DefaultCountdownInterval = time.Second

// Countdown emits the remaining lockout time, re-querying the gate on every
// tick, and closes the channel once the gate reports unlocked, the query
// fails, or ctx is done. Nothing is emitted when no lockout is active.
func (c *Controller) Countdown(ctx context.Context, interval time.Duration) <-chan time.Duration {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultCountdownInterval
	}

	out := make(chan time.Duration)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			state, err := c.gate.State(ctx)
			if err != nil {
				c.logger.Debug("countdown stopped", zap.Error(err))
				return
			}
			if !state.Locked {
				c.refreshRemaining(ctx)
				return
			}

			select {
			case out <- state.Remaining:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Controller) refreshRemaining(ctx context.Context) {
	n, err := c.gate.RemainingAttempts(ctx)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining = n
	c.mu.Unlock()
}
