// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.enginegate/config.toml by default, but can be
// overridden with the --config flag.
//
// Precedence, lowest to highest: built-in defaults, config file, EG_* environment
// variables, CLI flags. The environment layer exists because the router hands
// per-instance settings to the controllers it spawns through their environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat selects the log encoding: text or json.
	// Default: text
	LogFormat string `toml:"log_format"`

	// LogFile redirects log output to a file instead of stderr.
	LogFile string `toml:"log_file"`

	Engine    EngineConfig    `toml:"engine"`
	Server    ServerConfig    `toml:"server"`
	Licensing LicensingConfig `toml:"licensing"`
	Router    RouterConfig    `toml:"router"`
	Storage   StorageConfig   `toml:"storage"`
}

// EngineConfig describes how the supervised engine and its helpers are launched.
type EngineConfig struct {
	// Root is the engine install root. When empty the executable is looked up on PATH.
	Root string `toml:"root"`

	// Executable is the engine binary name. Default: matlab
	Executable string `toml:"executable"`

	// Args are extra arguments appended to the engine command line.
	Args []string `toml:"args"`

	// StartupTimeoutSec bounds how long the engine may stay in "starting".
	// Default: 120
	StartupTimeoutSec int `toml:"startup_timeout_sec"`

	// LogLines is the capacity of the in-memory engine log ring.
	// Default: 500
	LogLines int `toml:"log_lines"`

	// VirtualDisplay starts a headless X server for the engine. Default: false
	VirtualDisplay bool `toml:"virtual_display"`

	// DisplayCommand is the virtual display binary. Default: Xvfb
	DisplayCommand string `toml:"display_command"`

	// WindowManager is started against the virtual display when set.
	WindowManager string `toml:"window_manager"`

	// StateDir holds per-run session artifacts (ready file, engine logs).
	// Default: ~/.enginegate/engine
	StateDir string `toml:"state_dir"`
}

// ServerConfig controls the controller HTTP surface.
type ServerConfig struct {
	// Host is the listening interface. Default: 127.0.0.1
	Host string `toml:"host"`

	// Port is the listening port. 0 picks a free port.
	Port int `toml:"port"`

	// BasePath is the URL prefix every endpoint lives under. Default: /
	BasePath string `toml:"base_path"`

	// EnableSSL serves HTTPS with a self-signed certificate unless SSLCert/SSLKey are set.
	EnableSSL bool   `toml:"enable_ssl"`
	SSLCert   string `toml:"ssl_cert"`
	SSLKey    string `toml:"ssl_key"`

	// EnableTokenAuth requires the capability token on mutating endpoints. Default: true
	EnableTokenAuth *bool `toml:"enable_token_auth"`

	// AuthToken fixes the capability token. When empty one is generated.
	AuthToken string `toml:"auth_token"`

	// IdleTimeoutMin shuts the engine and controller down after this many idle minutes.
	// 0 disables the idle timer.
	IdleTimeoutMin int `toml:"idle_timeout_min"`

	// CustomHTTPHeaders is a path to a JSON file, or an inline JSON object, of
	// headers added to every proxied response.
	CustomHTTPHeaders string `toml:"custom_http_headers"`

	// ConcurrencyCheck enables single-active-client tracking. Default: false
	ConcurrencyCheck bool `toml:"concurrency_check"`

	// ClientPollIntervalSec is how often an active client is expected to poll status. Default: 1
	ClientPollIntervalSec int `toml:"client_poll_interval_sec"`

	// MissedPollLimit revokes the active client after this many missed intervals. Default: 10
	MissedPollLimit int `toml:"missed_poll_limit"`

	// CookieJar keeps HttpOnly backend cookies server-side. Default: true
	CookieJar *bool `toml:"cookie_jar"`

	// ParentPID makes the controller exit when that process disappears.
	ParentPID int `toml:"parent_pid"`

	// InstanceKey identifies the controller to a router that spawned it.
	InstanceKey string `toml:"instance_key"`
}

// LicensingConfig controls where licensing state lives and which service it talks to.
type LicensingConfig struct {
	// ConfigDir holds the persisted licensing file. Default: ~/.enginegate
	ConfigDir string `toml:"config_dir"`

	// ServiceURL is the online licensing endpoint root.
	ServiceURL string `toml:"service_url"`

	// NetworkLicense preconfigures a license-server connection string ("port@host").
	NetworkLicense string `toml:"network_license"`
}

// RouterConfig controls the multi-tenant front door.
type RouterConfig struct {
	// Addr is the router listen address. Default: 127.0.0.1:8888
	Addr string `toml:"addr"`

	// BasePath is the router's own URL prefix. Default: empty
	BasePath string `toml:"base_path"`

	// Prefix is the routed path segment. Default: /matlab
	Prefix string `toml:"prefix"`

	// DataDir holds the shared instance registry. Default: ~/.enginegate/instances
	DataDir string `toml:"data_dir"`

	// ContextHeader carries the caller's correlation id. Default: EG-Context
	ContextHeader string `toml:"context_header"`

	// CallerHeader identifies the caller for isolated instances. Default: EG-Caller
	CallerHeader string `toml:"caller_header"`

	// SpawnsPerMinute caps new backend launches. Default: 10
	SpawnsPerMinute int `toml:"spawns_per_minute"`

	// ReadyRetries bounds readiness polling of a new backend. Default: 30
	ReadyRetries int `toml:"ready_retries"`

	// ReapIntervalSec is the orphan sweep period. Default: 30
	ReapIntervalSec int `toml:"reap_interval_sec"`

	// ParentPID shuts the router down when that process disappears.
	ParentPID int `toml:"parent_pid"`
}

// StorageConfig controls the run history database.
type StorageConfig struct {
	// Path to the SQLite history database. Default: ~/.enginegate/history.db
	Path string `toml:"path"`
}

// Defaults.
const (
	DefaultExecutable        = "matlab"
	DefaultStartupTimeoutSec = 120
	DefaultLogLines          = 500
	DefaultDisplayCommand    = "Xvfb"
	DefaultServerHost        = "127.0.0.1"
	DefaultRouterAddr        = "127.0.0.1:8888"
	DefaultRouterPrefix      = "/matlab"
	DefaultContextHeader     = "EG-Context"
	DefaultCallerHeader      = "EG-Caller"
	DefaultSpawnsPerMinute   = 10
	DefaultReadyRetries      = 30
	DefaultReapIntervalSec   = 30
	DefaultPollIntervalSec   = 1
	DefaultMissedPollLimit   = 10
)

// Home returns ~/.enginegate.
func Home() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".enginegate"), nil
}

// DefaultConfigPath returns the default config file location: ~/.enginegate/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.enginegate/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Environment variable names read by ApplyEnv. The router sets these on the
// controllers it spawns.
const (
	EnvLogLevel        = "EG_LOG_LEVEL"
	EnvLogFormat       = "EG_LOG_FORMAT"
	EnvLogFile         = "EG_LOG_FILE"
	EnvEngineRoot      = "EG_ENGINE_ROOT"
	EnvHost            = "EG_HOST"
	EnvPort            = "EG_PORT"
	EnvBasePath        = "EG_BASE_URL"
	EnvEnableSSL       = "EG_ENABLE_SSL"
	EnvEnableTokenAuth = "EG_ENABLE_TOKEN_AUTH"
	EnvAuthToken       = "EG_AUTH_TOKEN"
	EnvIdleTimeout     = "EG_IDLE_TIMEOUT_MIN"
	EnvCustomHeaders   = "EG_CUSTOM_HTTP_HEADERS"
	EnvParentPID       = "EG_PARENT_PID"
	EnvInstanceKey     = "EG_INSTANCE_KEY"
	EnvStateDir        = "EG_STATE_DIR"
	EnvLicensingDir    = "EG_LICENSING_DIR"
	EnvNetworkLicense  = "EG_NETWORK_LICENSE"
	EnvDataDir         = "EG_DATA_DIR"
	EnvHistoryDB       = "EG_HISTORY_DB"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays EG_* environment variables onto cfg. Malformed numeric or
// boolean values are reported rather than silently ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = b
		return nil
	}

	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	str(EnvLogFile, &c.LogFile)
	str(EnvEngineRoot, &c.Engine.Root)
	str(EnvStateDir, &c.Engine.StateDir)
	str(EnvHost, &c.Server.Host)
	str(EnvBasePath, &c.Server.BasePath)
	str(EnvAuthToken, &c.Server.AuthToken)
	str(EnvCustomHeaders, &c.Server.CustomHTTPHeaders)
	str(EnvInstanceKey, &c.Server.InstanceKey)
	str(EnvLicensingDir, &c.Licensing.ConfigDir)
	str(EnvNetworkLicense, &c.Licensing.NetworkLicense)
	str(EnvDataDir, &c.Router.DataDir)
	str(EnvHistoryDB, &c.Storage.Path)

	if err := num(EnvPort, &c.Server.Port); err != nil {
		return err
	}
	if err := num(EnvIdleTimeout, &c.Server.IdleTimeoutMin); err != nil {
		return err
	}
	if err := num(EnvParentPID, &c.Server.ParentPID); err != nil {
		return err
	}
	if err := flag(EnvEnableSSL, &c.Server.EnableSSL); err != nil {
		return err
	}
	if v, ok := lookup(EnvEnableTokenAuth); ok && v != "" {
		var b bool
		if err := flag(EnvEnableTokenAuth, &b); err != nil {
			return err
		}
		c.Server.EnableTokenAuth = &b
	}
	return nil
}

// ApplyDefaults fills every unset field with its default. Paths under the
// user's home directory are resolved here.
func (c *Config) ApplyDefaults() error {
	home, err := Home()
	if err != nil {
		return err
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	e := &c.Engine
	if e.Executable == "" {
		e.Executable = DefaultExecutable
	}
	if e.StartupTimeoutSec <= 0 {
		e.StartupTimeoutSec = DefaultStartupTimeoutSec
	}
	if e.LogLines <= 0 {
		e.LogLines = DefaultLogLines
	}
	if e.DisplayCommand == "" {
		e.DisplayCommand = DefaultDisplayCommand
	}
	if e.StateDir == "" {
		e.StateDir = filepath.Join(home, "engine")
	}

	s := &c.Server
	if s.Host == "" {
		s.Host = DefaultServerHost
	}
	s.BasePath = NormalizeBasePath(s.BasePath)
	if s.EnableTokenAuth == nil {
		t := true
		s.EnableTokenAuth = &t
	}
	if s.CookieJar == nil {
		t := true
		s.CookieJar = &t
	}
	if s.ClientPollIntervalSec <= 0 {
		s.ClientPollIntervalSec = DefaultPollIntervalSec
	}
	if s.MissedPollLimit <= 0 {
		s.MissedPollLimit = DefaultMissedPollLimit
	}

	if c.Licensing.ConfigDir == "" {
		c.Licensing.ConfigDir = home
	}

	r := &c.Router
	if r.Addr == "" {
		r.Addr = DefaultRouterAddr
	}
	r.BasePath = strings.TrimSuffix(NormalizeBasePath(r.BasePath), "/")
	if r.Prefix == "" {
		r.Prefix = DefaultRouterPrefix
	}
	r.Prefix = "/" + strings.Trim(r.Prefix, "/")
	if r.DataDir == "" {
		r.DataDir = filepath.Join(home, "instances")
	}
	if r.ContextHeader == "" {
		r.ContextHeader = DefaultContextHeader
	}
	if r.CallerHeader == "" {
		r.CallerHeader = DefaultCallerHeader
	}
	if r.SpawnsPerMinute <= 0 {
		r.SpawnsPerMinute = DefaultSpawnsPerMinute
	}
	if r.ReadyRetries <= 0 {
		r.ReadyRetries = DefaultReadyRetries
	}
	if r.ReapIntervalSec <= 0 {
		r.ReapIntervalSec = DefaultReapIntervalSec
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(home, "history.db")
	}
	return nil
}

// TokenAuthEnabled reports the effective token-auth setting.
func (s ServerConfig) TokenAuthEnabled() bool {
	return s.EnableTokenAuth == nil || *s.EnableTokenAuth
}

// CookieJarEnabled reports the effective cookie-jar setting.
func (s ServerConfig) CookieJarEnabled() bool {
	return s.CookieJar == nil || *s.CookieJar
}

// NormalizeBasePath returns p with exactly one leading slash and a trailing
// slash. The empty path becomes "/".
func NormalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}
