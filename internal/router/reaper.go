package router

import (
	"context"
	"errors"
	"time"

	"github.com/enginegate/host/internal/registry"
	"github.com/enginegate/host/internal/storage"
)

// Reap reclaims dead instances and orphaned references. An instance that is
// no longer alive is shut down and deregistered outright. A reference whose
// caller's parent process is gone is released, and the instance is shut
// down only when that was its last reference. A non-empty contextID limits
// the sweep to that context. It returns how many instances were reclaimed.
func (rt *Router) Reap(ctx context.Context, contextID string) (int, error) {
	return rt.reap(ctx, contextID, "")
}

// reap is Reap for a caller that already holds held's key lock. Other keys
// that are locked are left for the next sweep, so two starts never wait on
// each other.
func (rt *Router) reap(ctx context.Context, contextID, held string) (int, error) {
	lock := func(key string) (func(), bool) {
		if key == held {
			return func() {}, true
		}
		mu := rt.keyLock(key)
		if held == "" {
			mu.Lock()
			return mu.Unlock, true
		}
		if !mu.TryLock() {
			return nil, false
		}
		return mu.Unlock, true
	}

	recs, err := rt.reg.List(contextID)
	if err != nil {
		return 0, err
	}
	var errs []error
	reaped := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		unlock, ok := lock(rec.InstanceKey)
		if !ok {
			continue
		}
		// Decide again under the key lock; a start may have replaced it.
		cur, found := rt.reg.Lookup(rec.InstanceKey)
		if !found || rt.Alive(ctx, cur) {
			unlock()
			continue
		}
		rt.logger.Info("reclaiming instance", "key", cur.InstanceKey, "pid", cur.PID, "reason", "not alive")
		if err := rt.reg.Remove(cur.InstanceKey, rt.forceShutdown(ctx)); err != nil {
			errs = append(errs, err)
		}
		unlock()
		rt.event(storage.EventReaped, cur, "", "not alive")
		reaped++
	}

	refs, err := rt.reg.References(contextID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		rec := ref.Record
		if rec.ParentPID <= 0 || rt.exists(rec.ParentPID) {
			continue
		}
		unlock, ok := lock(rec.InstanceKey)
		if !ok {
			continue
		}
		rt.logger.Info("releasing orphaned reference", "key", rec.InstanceKey,
			"caller", ref.Ref.CallerID, "parent_pid", rec.ParentPID)
		last, err := rt.reg.Release(ref.Ref, rec.InstanceKey, func(rec registry.Record) error {
			return rt.shutdown(ctx, rec)
		})
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
		if last {
			rt.event(storage.EventReaped, rec, ref.Ref.CallerID, "parent gone")
			reaped++
		} else {
			rt.event(storage.EventDetached, rec, ref.Ref.CallerID, "parent gone")
		}
	}

	if reaped > 0 {
		rt.metrics.InstancesLive(rt.reg.Len())
	}
	return reaped, errors.Join(errs...)
}

// Shutdown releases every reference held on behalf of this router, stopping
// the instances it was the last holder of, and then reclaims whatever else
// is dead, until ctx is done.
func (rt *Router) Shutdown(ctx context.Context) error {
	refs, err := rt.reg.References("")
	if err != nil {
		return err
	}
	var errs []error
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		rec := ref.Record
		if rec.ParentPID != rt.pid {
			continue
		}
		mu := rt.keyLock(rec.InstanceKey)
		mu.Lock()
		last, err := rt.reg.Release(ref.Ref, rec.InstanceKey, func(rec registry.Record) error {
			return rt.shutdown(ctx, rec)
		})
		mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
		if last {
			rt.event(storage.EventStopped, rec, ref.Ref.CallerID, "router shutdown")
		}
	}
	if _, err := rt.Reap(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MonitorParent calls onGone once pid disappears, checking every interval.
// It returns when onGone has run or ctx is done.
func (rt *Router) MonitorParent(ctx context.Context, pid int, interval time.Duration, onGone func()) {
	if pid <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rt.exists(pid) {
				rt.logger.Warn("parent process is gone", "parent_pid", pid)
				onGone()
				return
			}
		}
	}
}

// Run keeps the instance table in step with the registry, sweeps for orphans
// every reap interval and watches the configured parent process. When the
// parent disappears onParentGone is called. Run blocks until ctx is done.
func (rt *Router) Run(ctx context.Context, onParentGone func()) error {
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- rt.reg.Watch(ctx, func() { rt.metrics.InstancesLive(rt.reg.Len()) })
	}()
	if rt.cfg.ParentPID > 0 && onParentGone != nil {
		go rt.MonitorParent(ctx, rt.cfg.ParentPID, time.Second, onParentGone)
	}

	ticker := time.NewTicker(time.Duration(rt.cfg.ReapIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if watchErr == nil {
				return nil
			}
			return <-watchErr
		case err := <-watchErr:
			// The table is still refreshed on demand without the watcher.
			rt.logger.Warn("registry watcher stopped", "error", err)
			watchErr = nil
		case <-ticker.C:
			if n, err := rt.Reap(ctx, ""); err != nil {
				rt.logger.Warn("orphan sweep failed", "error", err)
			} else if n > 0 {
				rt.logger.Info("orphan sweep reclaimed instances", "count", n)
			}
		}
	}
}
