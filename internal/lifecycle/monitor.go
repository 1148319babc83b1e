package lifecycle

import (
	"context"
	"time"

	"github.com/enginegate/host/internal/engine"
	egerrors "github.com/enginegate/host/internal/errors"
)

// probeMode tracks which engine endpoint answers readiness probes. A run
// starts on ping and may switch to busy status exactly once, after the first
// successful ping.
type probeMode struct {
	useBusy   bool
	triedBusy bool
}

// monitorReadiness polls until the run is cancelled. starting -> up needs
// every process alive, the ready file present and a good probe answer.
func (c *Controller) monitorReadiness(ctx context.Context, p engine.Process) {
	ticker := time.NewTicker(c.readinessInterval)
	defer ticker.Stop()

	var mode probeMode
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := c.Status()
		if st != StatusStarting && st != StatusUp {
			continue
		}

		if !p.Alive() {
			select {
			case <-p.Done():
				// watchExit owns this case.
				return
			default:
			}
			c.setError(egerrors.EngineRuntime("a helper process exited").WithLogs(c.logs.Tail(errorLogTail)))
			go c.stopRun(p, true)
			return
		}

		ready := c.probe(ctx, &mode)
		switch {
		case ready && st == StatusStarting:
			if c.transitionIf(ctx, p, StatusStarting, StatusUp, "readiness") {
				c.mu.Lock()
				startedAt := c.startedAt
				c.mu.Unlock()
				c.logger.Info("engine is ready", "busy_status_probe", mode.useBusy)
				if c.opts.Observer != nil {
					c.opts.Observer.StartupObserved(c.now().Sub(startedAt), "up")
				}
			}
		case !ready && st == StatusUp:
			if c.transitionIf(ctx, p, StatusUp, StatusStarting, "readiness") {
				c.logger.Warn("engine stopped answering probes")
			}
		}
	}
}

// probe reads the ready file and asks the engine whether it is serving.
func (c *Controller) probe(ctx context.Context, mode *probeMode) bool {
	port, ok := engine.ReadReadyPort(c.opts.StateDir)
	if !ok {
		return false
	}
	client := c.clientFor(port)

	if mode.useBusy {
		status, err := client.BusyStatus(ctx)
		if err != nil {
			c.setBusy(engine.BusyUnknown)
			return false
		}
		c.setBusy(status)
		return true
	}

	if err := client.Ping(ctx); err != nil {
		return false
	}
	if !mode.triedBusy {
		mode.triedBusy = true
		if status, err := client.BusyStatus(ctx); err == nil {
			mode.useBusy = true
			c.setBusy(status)
		} else {
			c.logger.Debug("busy status unavailable, staying on ping", "error", err)
		}
	}
	return true
}

// clientFor returns the control client for port, replacing the cached one
// if the port changed.
func (c *Controller) clientFor(port int) *engine.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.port != port {
		c.client = engine.NewClient(c.engineURL(port), c.apiKey, c.httpClient)
		c.port = port
	}
	return c.client
}

func (c *Controller) setBusy(s engine.BusyStatus) {
	c.mu.Lock()
	c.busy = s
	c.mu.Unlock()
}

// transitionIf moves from -> to under the lock, after re-checking that the
// status and the run are unchanged since the caller looked.
func (c *Controller) transitionIf(ctx context.Context, p engine.Process, from, to Status, name string) bool {
	owner, err := c.lock.Acquire(ctx, name)
	if err != nil {
		return false
	}
	defer c.lock.Release(owner)

	if c.Status() != from || c.currentProc() != p {
		return false
	}
	c.setStatus(owner, to)
	return true
}
