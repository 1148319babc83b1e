// Package engine supervises the compute engine process and its helper
// processes (virtual display and window manager), and speaks the engine's
// JSON control protocol.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	// The engine refuses to run as an interactive session unless its stdin is
	// a terminal, so its stdin is the slave side of a PTY we hold open.
	"github.com/creack/pty"

	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/logging"
)

// LaunchSpec describes one engine run.
type LaunchSpec struct {
	// Executable is the resolved engine binary.
	Executable string
	Args       []string

	// Env holds KEY=VALUE pairs appended to the supervisor's environment.
	Env []string

	// Dir is the engine's working directory. Empty means inherit.
	Dir string

	VirtualDisplay bool
	DisplayCommand string
	WindowManager  string
}

// Process is a running engine together with its helpers.
type Process interface {
	// PID is the engine's process id.
	PID() int

	// Alive reports whether the engine and every helper are still running.
	Alive() bool

	// Done is closed when the engine exits.
	Done() <-chan struct{}

	// ExitErr is the engine's exit error once Done is closed.
	ExitErr() error

	// Stderr yields engine stderr lines and is closed when the stream ends.
	Stderr() <-chan string

	TerminateEngine(ctx context.Context, grace time.Duration) error
	TerminateHelpers(ctx context.Context, grace time.Duration) error
}

// Launcher starts engine runs. Supervisor is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec, logs *LogRing) (Process, error)
}

// Supervisor launches real OS processes.
type Supervisor struct {
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor. A nil logger discards output.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logging.OrDiscard(logger).With("component", "supervisor")}
}

// Launch starts the helpers (when requested) and then the engine. If any
// step fails, everything already started is terminated before returning.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec, logs *LogRing) (Process, error) {
	if logs == nil {
		logs = NewLogRing(0)
	}
	sess := &Session{
		logs:   logs,
		stderr: make(chan string, 256),
		logger: s.logger,
	}

	env := append(os.Environ(), spec.Env...)

	if spec.VirtualDisplay {
		display, num, err := startDisplay(spec.DisplayCommand, logs, s.logger)
		if err != nil {
			return nil, err
		}
		sess.display = display
		sess.displayNum = num
		env = append(env, fmt.Sprintf("DISPLAY=:%d", num))

		if spec.WindowManager != "" {
			wm, err := startWindowManager(spec.WindowManager, num, logs, s.logger)
			if err != nil {
				_ = sess.TerminateHelpers(ctx, time.Second)
				return nil, err
			}
			sess.wm = wm
		}
	}

	if err := sess.startEngine(spec, env); err != nil {
		_ = sess.TerminateHelpers(ctx, time.Second)
		return nil, err
	}
	return sess, nil
}

// Session is the Process returned by Supervisor.
type Session struct {
	engine     *Handle
	display    *Handle
	wm         *Handle
	displayNum int

	// ptmx is the master side of the engine's stdin terminal.
	ptmx *os.File

	logs   *LogRing
	stderr chan string
	logger *slog.Logger

	closeOnce sync.Once
}

func (s *Session) startEngine(spec LaunchSpec, env []string) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return egerrors.Wrap(egerrors.CodeEngineLaunchFailed, "failed to allocate terminal for engine", err)
	}

	outR, outW, err := pipe()
	if err != nil {
		ptmx.Close()
		tty.Close()
		return egerrors.Wrap(egerrors.CodeEngineLaunchFailed, "failed to create stdout pipe", err)
	}
	errR, errW, err := pipe()
	if err != nil {
		ptmx.Close()
		tty.Close()
		outR.Close()
		outW.Close()
		return egerrors.Wrap(egerrors.CodeEngineLaunchFailed, "failed to create stderr pipe", err)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = env
	cmd.Dir = spec.Dir
	cmd.Stdin = tty
	cmd.Stdout = outW
	cmd.Stderr = errW

	h, err := startHandle("engine", cmd)
	// The child holds its own copies now.
	tty.Close()
	outW.Close()
	errW.Close()
	if err != nil {
		ptmx.Close()
		outR.Close()
		errR.Close()
		return egerrors.Wrap(egerrors.CodeEngineLaunchFailed, fmt.Sprintf("failed to start %s", spec.Executable), err)
	}

	s.engine = h
	s.ptmx = ptmx
	s.logger.Info("engine started", "pid", h.Pid(), "executable", spec.Executable)

	go pumpLines(outR, s.logs.Write)
	go func() {
		pumpLines(errR, s.logs.Write, s.sendStderr)
		close(s.stderr)
	}()
	go func() {
		<-h.Done()
		s.closeTerminal()
	}()
	return nil
}

// sendStderr forwards a line to Stderr without ever blocking the engine: if
// nobody is reading, the line is still in the log ring.
func (s *Session) sendStderr(line string) {
	select {
	case s.stderr <- line:
	default:
	}
}

func (s *Session) closeTerminal() {
	s.closeOnce.Do(func() {
		if s.ptmx != nil {
			s.ptmx.Close()
		}
	})
}

// PID returns the engine pid.
func (s *Session) PID() int { return s.engine.Pid() }

// Display returns the virtual display number, or 0 when none was started.
func (s *Session) Display() int { return s.displayNum }

// Alive reports whether the engine and all helpers are running.
func (s *Session) Alive() bool {
	if s.engine == nil || s.engine.Exited() {
		return false
	}
	if s.display != nil && s.display.Exited() {
		return false
	}
	if s.wm != nil && s.wm.Exited() {
		return false
	}
	return true
}

func (s *Session) Done() <-chan struct{} { return s.engine.Done() }
func (s *Session) ExitErr() error        { return s.engine.Err() }
func (s *Session) Stderr() <-chan string { return s.stderr }

// TerminateEngine stops only the engine.
func (s *Session) TerminateEngine(ctx context.Context, grace time.Duration) error {
	if s.engine == nil {
		return nil
	}
	err := s.engine.Terminate(ctx, grace)
	s.closeTerminal()
	return err
}

// TerminateHelpers stops the window manager, then the display.
func (s *Session) TerminateHelpers(ctx context.Context, grace time.Duration) error {
	var firstErr error
	for _, h := range []*Handle{s.wm, s.display} {
		if h == nil {
			continue
		}
		if err := h.Terminate(ctx, grace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
