package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/logging"
)

// Spec describes one controller the router wants started.
type Spec struct {
	InstanceKey string
	Port        int
	BasePath    string
	AuthToken   string
	ParentPID   int
}

// Process is a started controller.
type Process struct {
	PID int

	// Done is closed when the process exits. Nil when the spawner cannot
	// observe the process.
	Done <-chan struct{}
}

// Spawner starts controllers.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (*Process, error)
}

// ExecSpawner re-executes the current binary as `enginegate serve`, handing
// the instance settings over through EG_* variables.
type ExecSpawner struct {
	// Executable defaults to os.Executable().
	Executable string

	// Args default to ["serve"].
	Args []string

	// StateRoot gets one subdirectory per instance for engine state and the
	// controller log.
	StateRoot string

	// Env is appended after the inherited environment.
	Env []string

	Logger *slog.Logger
}

// Spawn starts the controller in its own process group so the whole
// controller and engine tree can be signalled together.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}

	stateDir := filepath.Join(s.StateRoot, spec.InstanceKey)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("create instance state directory: %w", err)
	}
	logPath := filepath.Join(stateDir, "controller.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open controller log: %w", err)
	}

	// Not CommandContext: the controller outlives the request that started it.
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		config.EnvHost+"=127.0.0.1",
		config.EnvPort+"="+strconv.Itoa(spec.Port),
		config.EnvBasePath+"="+spec.BasePath,
		config.EnvEnableTokenAuth+"=true",
		config.EnvAuthToken+"="+spec.AuthToken,
		config.EnvParentPID+"="+strconv.Itoa(spec.ParentPID),
		config.EnvInstanceKey+"="+spec.InstanceKey,
		config.EnvStateDir+"="+filepath.Join(stateDir, "engine"),
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start controller: %w", err)
	}
	logFile.Close()

	done := make(chan struct{})
	logger := logging.OrDiscard(s.Logger)
	go func() {
		err := cmd.Wait()
		logger.Info("controller exited", "key", spec.InstanceKey, "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()

	logger.Info("controller started", "key", spec.InstanceKey, "pid", cmd.Process.Pid,
		"port", spec.Port, "log", logPath)
	return &Process{PID: cmd.Process.Pid, Done: done}, nil
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
