package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/enginegate/host/internal/proc"
)

// Handle is one child process started by the supervisor. Each child leads
// its own process group so that termination reaches anything it forks.
type Handle struct {
	Name string

	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// startHandle starts cmd in a new process group and reaps it in the background.
func startHandle(name string, cmd *exec.Cmd) (*Handle, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		Name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error, or nil while running or after a clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Terminate sends SIGTERM to the child's group, waits up to grace, then
// sends SIGKILL. It returns once the child has been reaped.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	pid := h.Pid()
	_ = proc.SignalGroup(pid, unix.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = proc.SignalGroup(pid, unix.SIGKILL)
	select {
	case <-h.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", h.Name, pid)
	}
}

// pumpLines reads r line by line until EOF, handing each sanitized line to
// every sink. It closes r when done.
func pumpLines(r io.ReadCloser, sinks ...func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := sanitizeUTF8(strings.TrimRight(scanner.Text(), "\r"))
		for _, sink := range sinks {
			sink(line)
		}
	}
}

// sanitizeUTF8 replaces invalid byte sequences so log lines are always
// safe to embed in JSON.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

// pipe returns an os.Pipe whose write end is meant for a child. Using our own
// pipe rather than cmd.StderrPipe lets reads outlive cmd.Wait.
func pipe() (r, w *os.File, err error) {
	r, w, err = os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create pipe: %w", err)
	}
	return r, w, nil
}
