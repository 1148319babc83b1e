package lifecycle

import (
	"context"
	"time"

	"github.com/enginegate/host/internal/engine"
)

// Run drives the controller-lifetime loops (idle timer and session
// watchdog) until ctx is done or the idle timer fires.
func (c *Controller) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	if c.opts.ConcurrencyCheck {
		go func() {
			defer close(done)
			c.watchSessions(ctx)
		}()
	} else {
		close(done)
	}

	c.runIdle(ctx)
	cancel()
	<-done
}

// NoteActivity resets the idle countdown. The HTTP layer calls it for every
// request it serves.
func (c *Controller) NoteActivity() {
	c.mu.Lock()
	c.idleRemaining = c.opts.IdleTimeout
	c.mu.Unlock()
}

// IdleRemaining returns the time left before idle shutdown.
func (c *Controller) IdleRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleRemaining
}

func (c *Controller) runIdle(ctx context.Context) {
	if c.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	c.NoteActivity()

	ticker := time.NewTicker(c.idleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.tickIdle() {
			continue
		}

		c.logger.Info("idle timeout reached, shutting down", "timeout", c.opts.IdleTimeout)
		if err := c.Stop(ctx, false); err != nil {
			c.logger.Warn("stop on idle timeout failed", "error", err)
		}
		if c.opts.OnShutdown != nil {
			c.opts.OnShutdown()
		}
		return
	}
}

// tickIdle advances the countdown by one tick and reports whether it hit zero.
func (c *Controller) tickIdle() bool {
	st := c.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	if st == StatusStarting || st == StatusStopping || c.busy == engine.BusyBusy {
		c.idleRemaining = c.opts.IdleTimeout
		return false
	}
	c.idleRemaining -= c.idleTick
	return c.idleRemaining <= 0
}
