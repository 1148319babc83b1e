package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// sessionTracker decides which desktop client is the active one when
// concurrent use is restricted. Guarded by Controller.mu.
type sessionTracker struct {
	active string
	seen   bool
	missed int
}

// TrackClient records a status poll from a desktop client. An empty
// clientID is a first-time caller and receives a new id. transfer makes the
// caller active even if another client holds the session. The returned id
// must be echoed back by the client on later polls.
//
// With concurrency checking disabled every caller is active.
func (c *Controller) TrackClient(clientID string, transfer bool) (id string, active bool) {
	if !c.opts.ConcurrencyCheck {
		return clientID, true
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.sessions
	if transfer || s.active == "" {
		if s.active != clientID {
			c.logger.Info("active client changed", "client_id", clientID, "transfer", transfer)
		}
		s.active = clientID
		s.missed = 0
	}
	if s.active == clientID {
		s.seen = true
		s.missed = 0
	}
	return clientID, s.active == clientID
}

// ActiveClient returns the active client id, or "" when none holds the session.
func (c *Controller) ActiveClient() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.active
}

// watchSessions revokes the active client after MissedPollLimit intervals
// without a poll from it.
func (c *Controller) watchSessions(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.sessionTick()
	}
}

func (c *Controller) sessionTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.sessions
	if s.active == "" {
		return
	}
	if s.seen {
		s.seen = false
		s.missed = 0
		return
	}
	s.missed++
	if s.missed >= c.opts.MissedPollLimit {
		c.logger.Info("active client timed out", "client_id", s.active, "missed_intervals", s.missed)
		s.active = ""
		s.missed = 0
	}
}
