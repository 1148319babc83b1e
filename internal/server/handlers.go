package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/enginegate/host/internal/auth"
	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/licensing"
	"github.com/enginegate/host/internal/lifecycle"
)

// Query parameters read by get_status.
const (
	paramDesktop  = "IS_DESKTOP"
	paramClientID = "EG_CLIENT_ID"
	paramTransfer = "TRANSFER_SESSION"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// EnvConfig is the get_env_config payload the browser reads before it
// authenticates.
type EnvConfig struct {
	Service       string `json:"service"`
	BasePath      string `json:"basePath"`
	EngineVersion string `json:"engineVersion,omitempty"`

	Authentication AuthStatus `json:"authentication"`

	// IdleTimeoutMin is 0 when idle shutdown is off.
	IdleTimeoutMin int `json:"idleTimeoutMin"`

	ConcurrencyCheck bool `json:"concurrencyCheck"`

	// SupportedLicensing lists the set_licensing_info types accepted.
	SupportedLicensing []string `json:"supportedLicensing"`

	// InstanceKey is set when a router started this controller.
	InstanceKey string `json:"instanceKey,omitempty"`
}

// AuthStatus says whether token auth is on and whether this request passed it.
type AuthStatus struct {
	Enabled bool `json:"enabled"`
	Status  bool `json:"status"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snap := s.ctl.Snapshot()
	q := r.URL.Query()
	if isTrue(q.Get(paramDesktop)) {
		id, active := s.ctl.TrackClient(q.Get(paramClientID), isTrue(q.Get(paramTransfer)))
		snap.ClientID = id
		snap.IsActiveClient = &active
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEnvConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, EnvConfig{
		Service:       lifecycle.ServiceName,
		BasePath:      s.base,
		EngineVersion: s.ctl.Snapshot().EngineVersion,
		Authentication: AuthStatus{
			Enabled: s.token != nil,
			Status:  s.requestAuthenticated(r),
		},
		IdleTimeoutMin:   s.cfg.IdleTimeoutMin,
		ConcurrencyCheck: s.cfg.ConcurrencyCheck,
		SupportedLicensing: []string{
			string(licensing.KindNetwork),
			string(licensing.KindOnline),
			string(licensing.KindExisting),
		},
		InstanceKey: s.cfg.InstanceKey,
	})
}

func (s *Server) requestAuthenticated(r *http.Request) bool {
	if s.token == nil {
		return true
	}
	_, err := s.token.Check(r)
	return err == nil
}

// handleAuthenticate checks a token presented in the header or a JSON body
// and sets the session cookie when it matches.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.token == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": true})
		return
	}

	candidate, _ := auth.FromRequest(r)
	if candidate == "" && r.Body != nil {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err == nil {
			candidate = strings.TrimSpace(body.Token)
		}
	}
	if !s.token.Validate(candidate) {
		code := egerrors.CodeAuthInvalid
		if candidate == "" {
			code = egerrors.CodeAuthRequired
		}
		_, msg := egerrors.ToCodeAndMessage(egerrors.New(code, "the auth token is not valid"))
		writeJSON(w, egerrors.HTTPStatus(code), map[string]any{
			"status": false,
			"error":  map[string]string{"code": code, "message": msg},
		})
		return
	}
	http.SetCookie(w, s.token.Cookie(s.base, s.tls != nil))
	writeJSON(w, http.StatusOK, map[string]any{"status": true})
}

func (s *Server) handleGetAuthToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.token == nil {
		writeJSON(w, http.StatusOK, map[string]any{"token": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": s.token.Value()})
}

func (s *Server) handleStartEngine(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	s.ctl.NoteActivity()
	// The engine outlives the request that started it.
	if err := s.ctl.Start(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Warn("start_engine failed", "error", err)
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleStopEngine(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	s.ctl.NoteActivity()
	if err := s.ctl.Stop(context.WithoutCancel(r.Context()), false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

// licensingRequest is the set_licensing_info body. Type selects which of
// the other fields apply.
type licensingRequest struct {
	Type             string `json:"type"`
	ConnectionString string `json:"connectionString"`
	Token            string `json:"token"`
	SourceID         string `json:"sourceId"`
	EmailAddress     string `json:"emailAddress"`
}

func (s *Server) handleLicensing(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.setLicensing(w, r)
	case http.MethodDelete:
		s.ctl.NoteActivity()
		if err := s.ctl.ClearLicensing(context.WithoutCancel(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctl.Snapshot())
	default:
		w.Header().Set("Allow", "PUT, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) setLicensing(w http.ResponseWriter, r *http.Request) {
	var req licensingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.ctl.NoteActivity()

	var err error
	switch licensing.Kind(req.Type) {
	case licensing.KindNetwork:
		err = s.ctl.SetNetworkLicense(req.ConnectionString)
	case licensing.KindOnline:
		err = s.ctl.SetOnlineLicense(r.Context(), req.Token, req.SourceID, req.EmailAddress)
	case licensing.KindExisting:
		err = s.ctl.SetExistingLicense()
	default:
		err = egerrors.InvalidRequest("unknown licensing type " + strconv.Quote(req.Type))
	}
	if err != nil {
		// Licensing errors are recorded in the controller and reported
		// through the status payload.
		if egerrors.Domain(egerrors.GetCode(err)) != "licensing" {
			writeError(w, err)
			return
		}
		s.logger.Warn("set_licensing_info failed", "type", req.Type, "error", err)
	} else if s.ctl.LicensingReady() {
		s.ctl.StartInBackground()
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleUpdateEntitlement(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	var req struct {
		Type          string `json:"type"`
		EntitlementID string `json:"entitlement_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type != "" && licensing.Kind(req.Type) != licensing.KindOnline {
		writeError(w, egerrors.InvalidRequest("entitlements apply only to online licensing"))
		return
	}
	s.ctl.NoteActivity()
	if err := s.ctl.SelectEntitlement(req.EntitlementID); err != nil {
		writeError(w, err)
		return
	}
	if s.ctl.LicensingReady() {
		s.ctl.StartInBackground()
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

// handleShutdown stops the engine, answers, and then hands over to
// OnShutdown so the process can exit.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	s.logger.Info("shutdown requested", "remote", r.RemoteAddr)
	if err := s.ctl.Stop(context.WithoutCancel(r.Context()), false); err != nil {
		s.logger.Warn("stop before shutdown failed", "error", err)
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if s.onShutdown != nil {
		s.shutdownOnce.Do(func() { go s.onShutdown() })
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, egerrors.InvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	runs, err := s.history.ListEngineRuns(limit)
	if err != nil {
		writeError(w, egerrors.Internal("failed to read run history", err))
		return
	}
	if runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		return egerrors.InvalidRequest("request body must be JSON")
	}
	return nil
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Cache-Control", "no-store")
	egerrors.WriteJSON(w, err)
}
