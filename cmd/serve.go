package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/enginegate/host/internal/auth"
	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/licensing"
	"github.com/enginegate/host/internal/lifecycle"
	"github.com/enginegate/host/internal/metrics"
	"github.com/enginegate/host/internal/proc"
	"github.com/enginegate/host/internal/server"
	hostTLS "github.com/enginegate/host/internal/tls"
)

const serveUsage = `Usage: enginegate serve [options]

Run one engine controller: the status, lifecycle and licensing endpoints
under the base path, and the engine itself proxied below it.
`

// serveStopTimeout bounds the engine stop on shutdown.
const serveStopTimeout = 15 * time.Second

// serveFlags holds the serve command line. Values apply only when the flag
// was given explicitly.
type serveFlags struct {
	commonFlags

	Host             string
	Port             int
	BasePath         string
	EngineRoot       string
	StateDir         string
	EnableSSL        bool
	SSLCert          string
	SSLKey           string
	EnableTokenAuth  bool
	AuthToken        string
	IdleTimeoutMin   int
	CustomHeaders    string
	ConcurrencyCheck bool
	VirtualDisplay   bool
	NetworkLicense   string
	ParentPID        int
	NoAutoStart      bool
}

func (f *serveFlags) register(fs *flag.FlagSet) {
	f.commonFlags.register(fs)
	fs.StringVar(&f.Host, "host", "", "Interface to listen on (default: 127.0.0.1)")
	fs.IntVar(&f.Port, "port", 0, "Port to listen on; 0 picks a free port")
	fs.StringVar(&f.BasePath, "base-path", "", "URL prefix for every endpoint (default: /)")
	fs.StringVar(&f.EngineRoot, "engine-root", "", "Engine install root (default: look up the executable on PATH)")
	fs.StringVar(&f.StateDir, "state-dir", "", "Engine state directory (default: ~/.enginegate/engine)")
	fs.BoolVar(&f.EnableSSL, "enable-ssl", false, "Serve HTTPS (self-signed unless --ssl-cert/--ssl-key are set)")
	fs.StringVar(&f.SSLCert, "ssl-cert", "", "TLS certificate file")
	fs.StringVar(&f.SSLKey, "ssl-key", "", "TLS key file")
	fs.BoolVar(&f.EnableTokenAuth, "enable-token-auth", true, "Require the auth token")
	fs.StringVar(&f.AuthToken, "auth-token", "", "Fixed auth token (default: generated)")
	fs.IntVar(&f.IdleTimeoutMin, "idle-timeout", 0, "Shut down after this many idle minutes; 0 disables")
	fs.StringVar(&f.CustomHeaders, "custom-http-headers", "", "JSON object, or path to one, of headers added to proxied responses")
	fs.BoolVar(&f.ConcurrencyCheck, "concurrency-check", false, "Allow only one active browser session")
	fs.BoolVar(&f.VirtualDisplay, "virtual-display", false, "Start a virtual X display for the engine")
	fs.StringVar(&f.NetworkLicense, "network-license", "", "Fix licensing to this license server (port@host)")
	fs.IntVar(&f.ParentPID, "parent-pid", 0, "Exit when this process goes away")
	fs.BoolVar(&f.NoAutoStart, "no-auto-start", false, "Do not start the engine at launch even if licensing is set")
}

func (f *serveFlags) apply(cfg *config.Config, explicit map[string]bool) {
	f.commonFlags.apply(cfg, explicit)
	s := &cfg.Server
	if explicit["host"] {
		s.Host = f.Host
	}
	if explicit["port"] {
		s.Port = f.Port
	}
	if explicit["base-path"] {
		s.BasePath = f.BasePath
	}
	if explicit["engine-root"] {
		cfg.Engine.Root = f.EngineRoot
	}
	if explicit["state-dir"] {
		cfg.Engine.StateDir = f.StateDir
	}
	if explicit["enable-ssl"] {
		s.EnableSSL = f.EnableSSL
	}
	if explicit["ssl-cert"] {
		s.SSLCert = f.SSLCert
	}
	if explicit["ssl-key"] {
		s.SSLKey = f.SSLKey
	}
	if explicit["enable-token-auth"] {
		v := f.EnableTokenAuth
		s.EnableTokenAuth = &v
	}
	if explicit["auth-token"] {
		s.AuthToken = f.AuthToken
	}
	if explicit["idle-timeout"] {
		s.IdleTimeoutMin = f.IdleTimeoutMin
	}
	if explicit["custom-http-headers"] {
		s.CustomHTTPHeaders = f.CustomHeaders
	}
	if explicit["concurrency-check"] {
		s.ConcurrencyCheck = f.ConcurrencyCheck
	}
	if explicit["virtual-display"] {
		cfg.Engine.VirtualDisplay = f.VirtualDisplay
	}
	if explicit["network-license"] {
		cfg.Licensing.NetworkLicense = f.NetworkLicense
	}
	if explicit["parent-pid"] {
		s.ParentPID = f.ParentPID
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &serveFlags{}
	f.register(fs)
	fs.Usage = printUsage(fs, stderr, serveUsage)

	explicit, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}

	cfg, err := loadConfig(f.Config, os.LookupEnv, func(c *config.Config) { f.apply(c, explicit) })
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, logCloser, err := openLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	history := openHistory(cfg.Storage.Path, logger)
	if history != nil {
		defer history.Close()
	}
	collector := metrics.New(metrics.DefaultNamespace)

	ctlOpts := lifecycle.Options{
		EngineRoot:       cfg.Engine.Root,
		Executable:       cfg.Engine.Executable,
		Args:             cfg.Engine.Args,
		StateDir:         cfg.Engine.StateDir,
		BasePath:         cfg.Server.BasePath,
		StartupTimeout:   time.Duration(cfg.Engine.StartupTimeoutSec) * time.Second,
		VirtualDisplay:   cfg.Engine.VirtualDisplay,
		DisplayCommand:   cfg.Engine.DisplayCommand,
		WindowManager:    cfg.Engine.WindowManager,
		LogLines:         cfg.Engine.LogLines,
		IdleTimeout:      time.Duration(cfg.Server.IdleTimeoutMin) * time.Minute,
		ConcurrencyCheck: cfg.Server.ConcurrencyCheck,
		PollInterval:     time.Duration(cfg.Server.ClientPollIntervalSec) * time.Second,
		MissedPollLimit:  cfg.Server.MissedPollLimit,
		NetworkLicense:   cfg.Licensing.NetworkLicense,
		InstanceKey:      cfg.Server.InstanceKey,
		Store:            licensing.NewStore(cfg.Licensing.ConfigDir),
		Observer:         collector,
		Logger:           logger,
		OnShutdown:       cancel,
	}
	if cfg.Licensing.ServiceURL != "" {
		ctlOpts.Service = licensing.NewService(cfg.Licensing.ServiceURL, nil)
	}
	if history != nil {
		ctlOpts.History = history
	}
	ctl, err := lifecycle.New(ctlOpts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var token *auth.Token
	if cfg.Server.TokenAuthEnabled() {
		if token, err = auth.NewToken(cfg.Server.AuthToken); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	var tlsConfig *tls.Config
	if cfg.Server.EnableSSL {
		var info *hostTLS.Info
		tlsConfig, info, err = hostTLS.ServerConfig(hostTLS.Options{
			CertFile: cfg.Server.SSLCert,
			KeyFile:  cfg.Server.SSLKey,
			Hosts:    tlsHosts(cfg.Server.Host),
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		logger.Info("tls enabled", "generated", info.Generated, "fingerprint", info.Fingerprint,
			"not_after", info.NotAfter)
	}

	headers, err := server.LoadCustomHeaders(cfg.Server.CustomHTTPHeaders)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	srvOpts := server.Options{
		Config:        cfg.Server,
		Controller:    ctl,
		Token:         token,
		CustomHeaders: headers,
		TLS:           tlsConfig,
		Metrics:       collector,
		Logger:        logger,
		OnShutdown:    cancel,
	}
	if history != nil {
		srvOpts.History = history
	}
	srv, err := server.New(srvOpts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	l, err := srv.Listen()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Controller listening at %s\n", accessURL(l.Addr(), tlsConfig != nil, cfg.Server.BasePath, token))

	if pid := cfg.Server.ParentPID; pid > 0 {
		go watchParent(ctx, pid, time.Second, logger, cancel)
	}
	go ctl.Run(ctx)
	if !f.NoAutoStart && ctl.LicensingReady() {
		ctl.StartInBackground()
	}

	serveErr := srv.Serve(ctx, l)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serveStopTimeout)
	defer stopCancel()
	if err := ctl.Stop(stopCtx, false); err != nil {
		logger.Warn("engine stop on shutdown failed", "error", err)
	}

	if serveErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", serveErr)
		return 1
	}
	logger.Info("controller stopped")
	return 0
}

// accessURL is the address printed for the user, carrying the token so a
// browser opening it is authenticated.
func accessURL(addr net.Addr, secure bool, basePath string, token *auth.Token) string {
	u := url.URL{Scheme: "http", Host: addr.String(), Path: config.NormalizeBasePath(basePath)}
	if secure {
		u.Scheme = "https"
	}
	if token != nil {
		u.RawQuery = url.Values{auth.TokenName: {token.Value()}}.Encode()
	}
	return u.String()
}

// tlsHosts names the certificate subjects for a listen host. Wildcard
// listeners get the loopback defaults.
func tlsHosts(host string) []string {
	switch host {
	case "", "0.0.0.0", "::":
		return nil
	}
	return []string{host, "localhost", "127.0.0.1", "::1"}
}

// watchParent calls onGone once pid no longer exists.
func watchParent(ctx context.Context, pid int, interval time.Duration, logger *slog.Logger, onGone func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !proc.Exists(pid) {
			logger.Info("parent process exited, shutting down", "parent_pid", pid)
			onGone()
			return
		}
	}
}
