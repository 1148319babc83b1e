package proc

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestExists(t *testing.T) {
	if !Exists(os.Getpid()) {
		t.Error("Exists(self) = false")
	}
	if Exists(0) || Exists(-1) {
		t.Error("Exists should be false for non-positive pids")
	}
}

func TestTerminate_SleepingChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	pid := cmd.Process.Pid

	// Reap in the background so the pid disappears once it exits.
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	if err := Terminate(context.Background(), pid, 2*time.Second); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
}

func TestTerminate_IgnoresSIGTERM(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	go cmd.Wait()
	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := Terminate(context.Background(), cmd.Process.Pid, 300*time.Millisecond); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("Terminate returned before the grace period for a SIGTERM-ignoring process")
	}
}

func TestTerminate_AlreadyGone(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	if err := Terminate(context.Background(), cmd.Process.Pid, time.Second); err != nil {
		t.Errorf("Terminate() on exited pid = %v, want nil", err)
	}
}
