// Package lifecycle drives the engine through
// licensing -> start -> ready -> serve -> stop, tracks idle time and the
// active browser session, and exposes a snapshot for the status endpoint.
package lifecycle

import (
	"errors"
	"time"

	"github.com/enginegate/host/internal/engine"
	egerrors "github.com/enginegate/host/internal/errors"
)

// Status is the engine lifecycle state.
type Status int32

const (
	StatusDown Status = iota
	StatusStarting
	StatusUp
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusStarting:
		return "starting"
	case StatusUp:
		return "up"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrorInfo is the error shown to the browser.
type ErrorInfo struct {
	Code    string   `json:"type"`
	Message string   `json:"message"`
	Logs    []string `json:"logs,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	code, msg := egerrors.ToCodeAndMessage(err)
	info := &ErrorInfo{Code: code, Message: msg}
	var ce *egerrors.CodedError
	if errors.As(err, &ce) {
		info.Logs = ce.Logs
	}
	return info
}

// ServiceName identifies a controller in its status payload.
const ServiceName = "enginegate"

// Snapshot is a consistent-enough view of the controller for status polls.
// Status is read atomically; the remaining fields come from one critical
// section and may lag it by one transition.
type Snapshot struct {
	// Service is always ServiceName. Routers look for it to tell a live
	// controller from whatever else might answer on a reused port.
	Service string `json:"service"`

	Status        string            `json:"status"`
	BusyStatus    engine.BusyStatus `json:"busyStatus"`
	Licensing     map[string]any    `json:"licensing"`
	Error         *ErrorInfo        `json:"error"`
	Warnings      []string          `json:"warnings"`
	EngineVersion string            `json:"engineVersion,omitempty"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`

	// IdleRemainingSec is -1 when the idle timer is disabled.
	IdleRemainingSec int `json:"idleRemainingSec"`

	// Session tracking, filled in per caller by the status handler.
	ClientID       string `json:"clientId,omitempty"`
	IsActiveClient *bool  `json:"isActiveClient,omitempty"`
}
