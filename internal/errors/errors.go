// Package errors provides standardized error codes for the enginegate host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (install, licensing, engine, proxy, ...)
//   - error: The specific error type within that domain
//
// These codes are stable and are what the browser front end and the router
// error page key off. Human-readable messages are provided alongside codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes by domain.
const (
	// Install domain - the engine executable could not be located
	CodeInstallMissing = "install.missing" // No engine executable on PATH or configured root

	// Licensing domain
	CodeLicensingNetwork     = "licensing.network"     // Network license server rejected or unreachable
	CodeLicensingOnline      = "licensing.online"      // Online licensing service call failed
	CodeLicensingEntitlement = "licensing.entitlement" // No usable entitlement for the identity
	CodeLicensingRequired    = "licensing.required"    // Start attempted with no licensing configured

	// Engine domain - failures of the supervised engine process
	CodeEngineRuntime        = "engine.runtime"         // Engine wrote a fatal error or exited unexpectedly
	CodeEngineStartupTimeout = "engine.startup_timeout" // Engine did not become ready in time
	CodeEngineLaunchFailed   = "engine.launch_failed"   // Engine process could not be spawned

	// Helper domain - virtual display and window manager
	CodeHelperDisplay       = "helper.display_failed"        // Virtual display did not start
	CodeHelperWindowManager = "helper.window_manager_failed" // Window manager did not start

	// Proxy domain - forwarding to the engine
	CodeProxyUnreachable = "proxy.backend_unreachable" // Backend refused or timed out
	CodeProxyMalformed   = "proxy.backend_malformed"   // Backend response could not be relayed

	// Registry domain - shared instance directory
	CodeRegistryCorrupt = "registry.corrupt" // A record file did not parse
	CodeRegistryIO      = "registry.io"      // Directory or lock operation failed

	// Instance domain - router-managed backends
	CodeInstanceStartFailed     = "instance.start_failed"     // Backend process exited or failed to spawn
	CodeInstanceReadinessFailed = "instance.readiness_failed" // Backend never answered its status probe
	CodeInstanceRateLimited     = "instance.rate_limited"     // Too many spawns in a short window

	// Auth domain - capability token checks
	CodeAuthRequired = "auth.required" // Token missing
	CodeAuthInvalid  = "auth.invalid"  // Token did not match

	// Request domain - controller HTTP surface
	CodeRequestInvalid = "request.invalid" // Malformed body or parameters

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string   // Stable error code (e.g., "engine.runtime")
	Message string   // Human-readable error message
	Cause   error    // Underlying error (may be nil)
	Logs    []string // Engine log tail captured when the error was raised (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// WithLogs returns a copy of e carrying the given log lines.
func (e *CodedError) WithLogs(lines []string) *CodedError {
	cp := *e
	cp.Logs = append([]string(nil), lines...)
	return &cp
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Domain returns the part of a code before the first dot ("engine" for "engine.runtime").
func Domain(code string) string {
	if i := strings.IndexByte(code, '.'); i >= 0 {
		return code[:i]
	}
	return code
}

// Common error constructors for frequently used error types.

// InstallMissing creates an "install.missing" error naming the executable that was searched for.
func InstallMissing(executable string) *CodedError {
	return New(CodeInstallMissing, fmt.Sprintf("unable to find %s on the system PATH; add it to PATH or set engine.root", executable))
}

// LicensingRequired creates a "licensing.required" error.
func LicensingRequired() *CodedError {
	return New(CodeLicensingRequired, "licensing information must be provided before the engine can start")
}

// NetworkLicensing creates a "licensing.network" error from the engine's own message.
func NetworkLicensing(message string) *CodedError {
	return New(CodeLicensingNetwork, message)
}

// OnlineLicensing creates a "licensing.online" error.
func OnlineLicensing(message string, cause error) *CodedError {
	return Wrap(CodeLicensingOnline, message, cause)
}

// EntitlementError creates a "licensing.entitlement" error.
func EntitlementError(message string) *CodedError {
	return New(CodeLicensingEntitlement, message)
}

// EngineRuntime creates an "engine.runtime" error.
func EngineRuntime(message string) *CodedError {
	return New(CodeEngineRuntime, message)
}

// StartupTimeout creates an "engine.startup_timeout" error.
func StartupTimeout(seconds int) *CodedError {
	msg := fmt.Sprintf("engine did not become ready within %d seconds; stopping it", seconds)
	return New(CodeEngineStartupTimeout, msg)
}

// HelperFailed creates a helper-process error for the named helper. code must
// be CodeHelperDisplay or CodeHelperWindowManager.
func HelperFailed(code, helper string, cause error) *CodedError {
	return Wrap(code, fmt.Sprintf("%s failed to start", helper), cause)
}

// BackendUnreachable creates a "proxy.backend_unreachable" error.
func BackendUnreachable(target string, cause error) *CodedError {
	return Wrap(CodeProxyUnreachable, fmt.Sprintf("backend %s is not reachable", target), cause)
}

// RegistryCorrupt creates a "registry.corrupt" error for the given file.
func RegistryCorrupt(path string, cause error) *CodedError {
	return Wrap(CodeRegistryCorrupt, fmt.Sprintf("registry file %s is corrupt", path), cause)
}

// InstanceStartFailed creates an "instance.start_failed" error.
func InstanceStartFailed(key string, cause error) *CodedError {
	return Wrap(CodeInstanceStartFailed, fmt.Sprintf("instance %s failed to start", key), cause)
}

// InstanceReadinessFailed creates an "instance.readiness_failed" error.
func InstanceReadinessFailed(key string, attempts int) *CodedError {
	msg := fmt.Sprintf("instance %s did not report ready after %d attempts", key, attempts)
	return New(CodeInstanceReadinessFailed, msg)
}

// InvalidRequest creates a "request.invalid" error.
func InvalidRequest(reason string) *CodedError {
	return New(CodeRequestInvalid, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// HTTPStatus returns the status an HTTP handler answers with for code.
func HTTPStatus(code string) int {
	switch code {
	case CodeRequestInvalid:
		return http.StatusBadRequest
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeAuthInvalid:
		return http.StatusForbidden
	case CodeInstanceRateLimited:
		return http.StatusTooManyRequests
	case CodeLicensingRequired:
		return http.StatusConflict
	case CodeProxyUnreachable, CodeInstanceStartFailed, CodeInstanceReadinessFailed:
		return http.StatusServiceUnavailable
	}
	if Domain(code) == "licensing" {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteJSON answers with err as {"error":{"code":...,"message":...}} and the
// status HTTPStatus gives its code.
func WriteJSON(w http.ResponseWriter, err error) {
	code, message := ToCodeAndMessage(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(code))
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
