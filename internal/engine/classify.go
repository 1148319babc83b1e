package engine

import (
	"strings"

	egerrors "github.com/enginegate/host/internal/errors"
)

// stderr markers that mean the engine could not check out a license.
var licenseMarkers = []string{
	"license manager error",
	"license checkout failed",
	"no license found",
	"unable to find a valid license",
}

// ClassifyStderr inspects one engine stderr line. It returns a licensing
// error when the line reports a license failure and nil otherwise. online
// selects which licensing code is reported.
func ClassifyStderr(line string, online bool) *egerrors.CodedError {
	lower := strings.ToLower(line)
	for _, m := range licenseMarkers {
		if strings.Contains(lower, m) {
			msg := strings.TrimSpace(line)
			if online {
				return egerrors.OnlineLicensing(msg, nil)
			}
			return egerrors.NetworkLicensing(msg)
		}
	}
	return nil
}

// ExitError builds the error reported when the engine exits on its own.
// The recent log lines travel with it for display.
func ExitError(exitErr error, logs []string) *egerrors.CodedError {
	msg := "engine exited unexpectedly"
	if exitErr != nil {
		msg += ": " + exitErr.Error()
	}
	return egerrors.EngineRuntime(msg).WithLogs(logs)
}
