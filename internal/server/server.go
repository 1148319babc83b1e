// Package server is the controller's HTTP surface: the status, lifecycle,
// licensing and auth endpoints under the configured base path, and the
// engine proxy for everything else below it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/enginegate/host/internal/auth"
	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/lifecycle"
	"github.com/enginegate/host/internal/logging"
	"github.com/enginegate/host/internal/metrics"
	"github.com/enginegate/host/internal/proxy"
	"github.com/enginegate/host/internal/storage"
)

// HistoryReader lists finished engine runs. *storage.SQLiteStore satisfies it.
type HistoryReader interface {
	ListEngineRuns(limit int) ([]*storage.EngineRun, error)
}

// Options configures a Server.
type Options struct {
	Config     config.ServerConfig
	Controller *lifecycle.Controller

	// Token guards every endpoint except the exempt ones. Nil disables
	// token checks.
	Token *auth.Token

	// CustomHeaders are added to every proxied response.
	CustomHeaders map[string]string

	// TLS, when set, makes Serve speak HTTPS.
	TLS *tls.Config

	History HistoryReader
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// OnShutdown runs after shutdown_integration has stopped the engine.
	OnShutdown func()
}

// Server serves one controller.
type Server struct {
	cfg        config.ServerConfig
	base       string
	ctl        *lifecycle.Controller
	token      *auth.Token
	tls        *tls.Config
	history    HistoryReader
	metrics    *metrics.Collector
	logger     *slog.Logger
	forwarder  *proxy.Forwarder
	jar        *proxy.CookieJar
	onShutdown func()

	shutdownOnce sync.Once

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// New builds a Server. Controller is required.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	logger := logging.OrDiscard(opts.Logger).With("component", "server")
	s := &Server{
		cfg:        opts.Config,
		base:       config.NormalizeBasePath(opts.Config.BasePath),
		ctl:        opts.Controller,
		token:      opts.Token,
		tls:        opts.TLS,
		history:    opts.History,
		metrics:    opts.Metrics,
		logger:     logger,
		onShutdown: opts.OnShutdown,
	}
	if opts.Config.CookieJarEnabled() {
		s.jar = proxy.NewCookieJar(opts.Logger)
	}
	s.forwarder = proxy.New(proxy.Options{
		Backend:           proxy.BackendFunc(s.engineTarget),
		Jar:               s.jar,
		CustomHeaders:     opts.CustomHeaders,
		RewriteClientType: true,
		Metrics:           opts.Metrics,
		Logger:            opts.Logger,
	})
	return s, nil
}

// engineTarget resolves the engine while it is up.
func (s *Server) engineTarget(*http.Request) (proxy.Target, bool) {
	if s.ctl.Status() != lifecycle.StatusUp {
		return proxy.Target{}, false
	}
	origin, apiKey, ok := s.ctl.Backend()
	if !ok {
		return proxy.Target{}, false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return proxy.Target{}, false
	}
	return proxy.Target{Origin: u, APIKey: apiKey}, true
}

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	b := s.base
	mux := http.NewServeMux()

	// Exempt: needed before the browser has the token.
	mux.HandleFunc(b+"get_status", s.handleGetStatus)
	mux.HandleFunc(b+"get_env_config", s.handleEnvConfig)
	mux.HandleFunc(b+"authenticate", s.handleAuthenticate)

	mux.HandleFunc(b+"start_engine", s.authorized(s.handleStartEngine))
	mux.HandleFunc(b+"stop_engine", s.authorized(s.handleStopEngine))
	mux.HandleFunc(b+"set_licensing_info", s.authorized(s.handleLicensing))
	mux.HandleFunc(b+"update_entitlement", s.authorized(s.handleUpdateEntitlement))
	mux.HandleFunc(b+"get_auth_token", s.authorized(s.handleGetAuthToken))
	mux.HandleFunc(b+"shutdown_integration", s.authorized(s.handleShutdown))
	mux.HandleFunc(b+"api/history", s.authorized(s.handleHistory))
	if s.metrics != nil {
		mux.Handle(b+"metrics", s.authorized(s.metrics.Handler().ServeHTTP))
	}

	mux.HandleFunc(b, s.authorized(func(w http.ResponseWriter, r *http.Request) {
		s.ctl.NoteActivity()
		s.forwarder.ServeHTTP(w, r)
	}))
	return mux
}

// authorized wraps next with the token check. A token presented in the
// query string is turned into a cookie so later browser requests carry it.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != nil {
			src, err := s.token.Check(r)
			if err != nil {
				s.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
				writeError(w, err)
				return
			}
			if src == auth.SourceQuery {
				http.SetCookie(w, s.token.Cookie(s.base, s.tls != nil))
			}
		}
		next(w, r)
	}
}

// Listen binds the configured host and port. Port 0 picks a free one.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, nil
}

// Serve serves on l until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		TLSConfig:         s.tls,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = l.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("controller listening", "addr", s.addr, "base_path", s.base, "tls", s.tls != nil)
	var err error
	if s.tls != nil {
		err = srv.ServeTLS(l, "", "")
	} else {
		err = srv.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the controller's absolute URL, including the base path.
func (s *Server) URL() string {
	scheme := "http"
	if s.tls != nil {
		scheme = "https"
	}
	return scheme + "://" + s.Addr() + s.base
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
