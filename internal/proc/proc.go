// Package proc holds process helpers shared by the engine supervisor and the
// router: existence checks, process-group signalling, and bounded termination
// of processes that are not our direct children.
package proc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// PollInterval is how often Terminate re-checks whether a process has gone.
var PollInterval = 100 * time.Millisecond

// Exists reports whether a process with the given pid exists. A process we
// are not permitted to signal still exists.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SignalGroup sends sig to the process group led by pid, falling back to the
// single process when pid does not lead a group.
func SignalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Terminate sends SIGTERM to pid (and its group), waits up to grace for it to
// disappear, then sends SIGKILL and waits once more. It returns nil once the
// process is gone.
func Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if !Exists(pid) {
		return nil
	}
	if err := SignalGroup(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	if WaitGone(ctx, pid, grace) {
		return nil
	}
	if err := SignalGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if WaitGone(context.Background(), pid, 5*time.Second) {
		return nil
	}
	return fmt.Errorf("process %d still present after SIGKILL", pid)
}

// WaitGone polls until pid no longer exists, the timeout elapses, or ctx is
// done. It reports whether the process is gone.
func WaitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if !Exists(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !Exists(pid)
		case <-ctx.Done():
			return !Exists(pid)
		}
	}
}
