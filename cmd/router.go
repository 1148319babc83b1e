package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/metrics"
	"github.com/enginegate/host/internal/registry"
	"github.com/enginegate/host/internal/router"
)

const routerUsage = `Usage: enginegate router [options]

Run the multi-tenant front door. Requests under <base-path><prefix>/<id>/
are routed to a controller started for the caller's context, which is
reused until every caller has released it.
`

// routerShutdownTimeout bounds stopping the instances this router started.
const routerShutdownTimeout = 10 * time.Second

type routerFlags struct {
	commonFlags

	Addr            string
	BasePath        string
	Prefix          string
	DataDir         string
	StateRoot       string
	SpawnsPerMinute int
	ReadyRetries    int
	ReapIntervalSec int
	ParentPID       int
}

func (f *routerFlags) register(fs *flag.FlagSet) {
	f.commonFlags.register(fs)
	fs.StringVar(&f.Addr, "addr", "", "Address to listen on (default: 127.0.0.1:8888)")
	fs.StringVar(&f.BasePath, "base-path", "", "URL prefix of the router itself (default: none)")
	fs.StringVar(&f.Prefix, "prefix", "", "Routed path segment (default: /matlab)")
	fs.StringVar(&f.DataDir, "data-dir", "", "Shared instance registry directory (default: ~/.enginegate/instances)")
	fs.StringVar(&f.StateRoot, "state-root", "", "Per-instance state and logs (default: next to the data dir)")
	fs.IntVar(&f.SpawnsPerMinute, "spawns-per-minute", 0, "Cap on new controller launches (default: 10)")
	fs.IntVar(&f.ReadyRetries, "ready-retries", 0, "Readiness probes before a new controller is abandoned (default: 30)")
	fs.IntVar(&f.ReapIntervalSec, "reap-interval", 0, "Seconds between orphan sweeps (default: 30)")
	fs.IntVar(&f.ParentPID, "parent-pid", 0, "Shut down when this process goes away")
}

func (f *routerFlags) apply(cfg *config.Config, explicit map[string]bool) {
	f.commonFlags.apply(cfg, explicit)
	r := &cfg.Router
	if explicit["addr"] {
		r.Addr = f.Addr
	}
	if explicit["base-path"] {
		r.BasePath = f.BasePath
	}
	if explicit["prefix"] {
		r.Prefix = f.Prefix
	}
	if explicit["data-dir"] {
		r.DataDir = f.DataDir
	}
	if explicit["spawns-per-minute"] {
		r.SpawnsPerMinute = f.SpawnsPerMinute
	}
	if explicit["ready-retries"] {
		r.ReadyRetries = f.ReadyRetries
	}
	if explicit["reap-interval"] {
		r.ReapIntervalSec = f.ReapIntervalSec
	}
	if explicit["parent-pid"] {
		r.ParentPID = f.ParentPID
	}
}

func runRouter(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("router", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &routerFlags{}
	f.register(fs)
	fs.Usage = printUsage(fs, stderr, routerUsage)

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

	reg, err := registry.Open(cfg.Router.DataDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	stateRoot := f.StateRoot
	if stateRoot == "" {
		stateRoot = filepath.Join(filepath.Dir(cfg.Router.DataDir), "instance-state")
	}
	spawner := &router.ExecSpawner{StateRoot: stateRoot, Logger: logger}
	if f.Config != "" {
		// Children read the same file; their per-instance settings come
		// through the environment.
		spawner.Args = []string{"serve", "--config", f.Config}
	}

	collector := metrics.New(metrics.DefaultNamespace)
	opts := router.Options{
		Config:   cfg.Router,
		Registry: reg,
		Spawner:  spawner,
		Metrics:  collector,
		Logger:   logger,
	}
	history := openHistory(cfg.Storage.Path, logger)
	if history != nil {
		defer history.Close()
		opts.History = history
	}
	rt, err := router.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	l, err := net.Listen("tcp", cfg.Router.Addr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to listen on %s: %v\n", cfg.Router.Addr, err)
		return 1
	}
	srv := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(l) }()

	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx, cancel) }()

	fmt.Fprintf(stdout, "Router listening at http://%s%s/\n", l.Addr(), rt.Root())
	logger.Info("router listening", "addr", l.Addr().String(), "root", rt.Root(), "data_dir", reg.Dir())

	var exitCode int
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			exitCode = 1
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), routerShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("instance shutdown incomplete", "error", err)
	}
	if err := <-runDone; err != nil {
		logger.Warn("registry watcher error", "error", err)
	}
	logger.Info("router stopped")
	return exitCode
}
