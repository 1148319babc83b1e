package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	egerrors "github.com/enginegate/host/internal/errors"
)

// displayReadyTimeout bounds how long the virtual display may take to report
// its display number.
var displayReadyTimeout = 10 * time.Second

// displayArgs are passed to the virtual display server. -displayfd makes the
// server pick a free display and write its number to fd 3.
var displayArgs = []string{
	"-displayfd", "3",
	"-screen", "0", "1600x1200x24",
	"-dpi", "100",
	"+extension", "RANDR",
	"+extension", "GLX",
	"+extension", "COMPOSITE",
	"-nolisten", "tcp",
}

// startDisplay launches the virtual display and waits for it to report which
// display number it bound. Output is mirrored into logs.
func startDisplay(command string, logs *LogRing, logger *slog.Logger) (*Handle, int, error) {
	r, w, err := pipe()
	if err != nil {
		return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, err)
	}
	defer r.Close()

	cmd := exec.Command(command, displayArgs...)
	cmd.ExtraFiles = []*os.File{w}
	outR, outW, err := pipe()
	if err != nil {
		w.Close()
		return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	h, err := startHandle("display", cmd)
	w.Close()
	outW.Close()
	if err != nil {
		outR.Close()
		return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, err)
	}
	go pumpLines(outR, func(line string) { logs.Write("display: " + line) })

	type result struct {
		num int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && line == "" {
			resCh <- result{err: fmt.Errorf("read display number: %w", err)}
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		resCh <- result{num: n, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			_ = h.Terminate(context.Background(), time.Second)
			return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, res.err)
		}
		logger.Info("virtual display ready", "display", res.num, "pid", h.Pid())
		return h, res.num, nil
	case <-h.Done():
		return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, fmt.Errorf("exited early: %v", h.Err()))
	case <-time.After(displayReadyTimeout):
		_ = h.Terminate(context.Background(), time.Second)
		return nil, 0, egerrors.HelperFailed(egerrors.CodeHelperDisplay, command, fmt.Errorf("no display number after %s", displayReadyTimeout))
	}
}

// startWindowManager launches the window manager against display.
func startWindowManager(command string, display int, logs *LogRing, logger *slog.Logger) (*Handle, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, nil
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("DISPLAY=:%d", display))

	outR, outW, err := pipe()
	if err != nil {
		return nil, egerrors.HelperFailed(egerrors.CodeHelperWindowManager, fields[0], err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	h, err := startHandle("window-manager", cmd)
	outW.Close()
	if err != nil {
		outR.Close()
		return nil, egerrors.HelperFailed(egerrors.CodeHelperWindowManager, fields[0], err)
	}
	go pumpLines(outR, func(line string) { logs.Write("wm: " + line) })

	logger.Info("window manager started", "command", fields[0], "pid", h.Pid())
	return h, nil
}
