package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/enginegate/host/internal/config"
	"github.com/enginegate/host/internal/logging"
	"github.com/enginegate/host/internal/storage"
)

// commonFlags are accepted by both serve and router.
type commonFlags struct {
	Config    string
	LogLevel  string
	LogFormat string
	LogFile   string
	HistoryDB string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.Config, "config", "", "Path to config file (default: ~/.enginegate/config.toml)")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&c.LogFormat, "log-format", "", "Log format: text or json (default: text)")
	fs.StringVar(&c.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.StringVar(&c.HistoryDB, "history-db", "", "Path to the run history database (default: ~/.enginegate/history.db)")
}

func (c *commonFlags) apply(cfg *config.Config, explicit map[string]bool) {
	if explicit["log-level"] {
		cfg.LogLevel = c.LogLevel
	}
	if explicit["log-format"] {
		cfg.LogFormat = c.LogFormat
	}
	if explicit["log-file"] {
		cfg.LogFile = c.LogFile
	}
	if explicit["history-db"] {
		cfg.Storage.Path = c.HistoryDB
	}
}

// parseFlags parses args and returns the names of the flags set on the
// command line. ok is false when the command should exit with code.
func parseFlags(fs *flag.FlagSet, args []string) (explicit map[string]bool, code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0, false
		}
		return nil, 1, false
	}
	// Track which flags were explicitly set so a flag at its zero value
	// still overrides the file and the environment.
	explicit = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	return explicit, 0, true
}

// loadConfig layers the config file, the EG_* environment and the explicit
// flags applied by override, then fills defaults and validates.
func loadConfig(path string, lookup config.LookupFunc, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openLogger returns the process logger. The closer is non-nil when logging
// goes to a file.
func openLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if cfg.LogFile == "" {
		return logging.New(stderr, cfg.LogLevel, cfg.LogFormat), nil, nil
	}
	logger, f, err := logging.Open(cfg.LogFile, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return logger, f, nil
}

// openHistory opens the history database. History is best effort: a failure
// is logged and the caller runs without it.
func openHistory(path string, logger *slog.Logger) *storage.SQLiteStore {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	store, err := storage.NewSQLiteStore(path, logger)
	if err != nil {
		logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return store
}

func printUsage(fs *flag.FlagSet, stderr io.Writer, usage string) func() {
	return func() {
		fmt.Fprint(stderr, usage)
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}
}
