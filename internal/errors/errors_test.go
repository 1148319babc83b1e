package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeEngineRuntime, "license checkout failed"),
			expected: "engine.runtime: license checkout failed",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeProxyUnreachable, "dial failed", errors.New("connection refused")),
			expected: "proxy.backend_unreachable: dial failed (connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	err2 := New(CodeInstallMissing, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestWithLogsCopies(t *testing.T) {
	base := EngineRuntime("boom")
	lines := []string{"a", "b"}
	withLogs := base.WithLogs(lines)
	lines[0] = "mutated"

	if base.Logs != nil {
		t.Error("WithLogs must not modify the receiver")
	}
	if len(withLogs.Logs) != 2 || withLogs.Logs[0] != "a" {
		t.Errorf("Logs = %v, want [a b]", withLogs.Logs)
	}
	if withLogs.Code != CodeEngineRuntime {
		t.Errorf("Code = %q, want %q", withLogs.Code, CodeEngineRuntime)
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"CodedError", New(CodeRegistryCorrupt, "bad"), CodeRegistryCorrupt},
		{"wrapped by fmt", fmt.Errorf("outer: %w", New(CodeLicensingOnline, "x")), CodeLicensingOnline},
		{"plain error", errors.New("some error"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(nil); got != "" {
		t.Errorf("GetMessage(nil) = %q", got)
	}
	if got := GetMessage(New(CodeEngineRuntime, "engine crashed")); got != "engine crashed" {
		t.Errorf("GetMessage() = %q, want %q", got, "engine crashed")
	}
	if got := GetMessage(errors.New("plain")); got != "plain" {
		t.Errorf("GetMessage() = %q, want %q", got, "plain")
	}
}

func TestToCodeAndMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{"nil error", nil, "", ""},
		{"CodedError", New(CodeAuthInvalid, "bad token"), CodeAuthInvalid, "bad token"},
		{"plain error", errors.New("some error"), CodeUnknown, "some error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ToCodeAndMessage(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if message != tt.wantMessage {
				t.Errorf("message = %q, want %q", message, tt.wantMessage)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := StartupTimeout(120)

	if !IsCode(err, CodeEngineStartupTimeout) {
		t.Error("IsCode() should return true for matching code")
	}
	if IsCode(err, CodeEngineRuntime) {
		t.Error("IsCode() should return false for non-matching code")
	}
	if IsCode(nil, CodeEngineRuntime) {
		t.Error("IsCode() should return false for nil error")
	}
}

func TestConstructors(t *testing.T) {
	t.Run("InstallMissing", func(t *testing.T) {
		err := InstallMissing("matlab")
		if !strings.Contains(err.Message, "matlab") {
			t.Errorf("message %q should name the executable", err.Message)
		}
	})

	t.Run("HelperFailed", func(t *testing.T) {
		cause := errors.New("exit status 1")
		err := HelperFailed(CodeHelperDisplay, "Xvfb", cause)
		if err.Code != CodeHelperDisplay || err.Cause != cause {
			t.Errorf("HelperFailed() = %+v", err)
		}
	})

	t.Run("InstanceReadinessFailed", func(t *testing.T) {
		err := InstanceReadinessFailed("ctx_default", 5)
		if err.Message != "instance ctx_default did not report ready after 5 attempts" {
			t.Errorf("message = %q", err.Message)
		}
	})
}

func TestDomain(t *testing.T) {
	tests := map[string]string{
		CodeEngineRuntime:    "engine",
		CodeLicensingNetwork: "licensing",
		"nodot":              "nodot",
	}
	for code, want := range tests {
		if got := Domain(code); got != want {
			t.Errorf("Domain(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []string{
		CodeInstallMissing,
		CodeLicensingNetwork,
		CodeLicensingOnline,
		CodeLicensingEntitlement,
		CodeLicensingRequired,
		CodeEngineRuntime,
		CodeEngineStartupTimeout,
		CodeEngineLaunchFailed,
		CodeHelperDisplay,
		CodeHelperWindowManager,
		CodeProxyUnreachable,
		CodeProxyMalformed,
		CodeRegistryCorrupt,
		CodeRegistryIO,
		CodeInstanceStartFailed,
		CodeInstanceReadinessFailed,
		CodeInstanceRateLimited,
		CodeAuthRequired,
		CodeAuthInvalid,
		CodeRequestInvalid,
		CodeUnknown,
		CodeInternal,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		if !strings.Contains(code, ".") {
			t.Errorf("error code %q should be in format {domain}.{error}", code)
		}
		if seen[code] {
			t.Errorf("duplicate error code %q", code)
		}
		seen[code] = true
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeRequestInvalid, 400},
		{CodeAuthRequired, 401},
		{CodeAuthInvalid, 403},
		{CodeInstanceRateLimited, 429},
		{CodeLicensingRequired, 409},
		{CodeLicensingOnline, 502},
		{CodeInstanceReadinessFailed, 503},
		{CodeEngineRuntime, 500},
		{CodeUnknown, 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(CodeAuthRequired, "token please"))

	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != CodeAuthRequired || body.Error.Message != "token please" {
		t.Errorf("body = %+v", body)
	}
}
