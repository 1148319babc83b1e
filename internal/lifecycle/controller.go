package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/enginegate/host/internal/engine"
	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/licensing"
	"github.com/enginegate/host/internal/logging"
	"github.com/enginegate/host/internal/storage"
)

// defaultEngineArgs are passed ahead of any configured arguments.
var defaultEngineArgs = []string{"-nosplash", "-nodesktop", "-softwareopengl", "-noDisplayDesktop"}

// errorLogTail is how many log lines travel with a captured error.
const errorLogTail = 50

// OnlineService is the part of the licensing service the controller uses.
// *licensing.Service satisfies it.
type OnlineService interface {
	licensing.TokenSource
	ExpandToken(ctx context.Context, identityToken, sourceID string) (*licensing.ExpandedToken, error)
	Entitlements(ctx context.Context, accessToken, release string) ([]licensing.Entitlement, error)
}

// RunRecorder persists one row per finished engine run.
type RunRecorder interface {
	SaveEngineRun(run *storage.EngineRun) error
}

// Observer receives lifecycle events for metrics.
type Observer interface {
	StatusChanged(from, to string)
	StartupObserved(d time.Duration, outcome string)
	ErrorRecorded(code string)
}

// Options configures a Controller.
type Options struct {
	// EngineRoot and Executable locate the engine binary (see engine.Locate).
	EngineRoot string
	Executable string
	Args       []string

	// StateDir is the engine's log directory. The ready file appears here.
	StateDir string

	// BasePath is the URL prefix the engine serves under, e.g. "/" or "/ctx/matlab/default/".
	BasePath string

	StartupTimeout time.Duration
	VirtualDisplay bool
	DisplayCommand string
	WindowManager  string
	LogLines       int

	// IdleTimeout of zero disables idle shutdown.
	IdleTimeout time.Duration

	ConcurrencyCheck bool
	PollInterval     time.Duration
	MissedPollLimit  int

	// NetworkLicense, when set, fixes licensing to that connection string
	// for the life of the process. It is not persisted.
	NetworkLicense string

	// Release overrides the release used to list entitlements. Empty means
	// the installed VersionInfo.xml release.
	Release string

	// InstanceKey labels history rows when running under the router.
	InstanceKey string

	Launcher engine.Launcher
	Store    *licensing.Store
	Service  OnlineService
	History  RunRecorder
	Observer Observer
	Logger   *slog.Logger

	// Fatal handles lock misuse. Nil logs and exits with status 2.
	Fatal func(msg string)

	// OnShutdown is called after the idle timer has stopped the engine.
	OnShutdown func()
}

// Controller owns one engine's lifecycle.
type Controller struct {
	opts   Options
	logger *slog.Logger
	lock   *StateLock
	logs   *engine.LogRing

	// status is written only under lock and read without it.
	status atomic.Int32

	mu        sync.Mutex
	lic       licensing.State
	lastErr   error
	warnings  []string
	busy      engine.BusyStatus
	proc      engine.Process
	client    *engine.Client
	apiKey    string
	port      int
	startedAt time.Time
	online    bool
	tasks     *taskSet
	version   engine.VersionInfo

	idleRemaining time.Duration
	sessions      sessionTracker

	readinessInterval time.Duration
	exitTimeout       time.Duration
	grace             time.Duration
	idleTick          time.Duration
	engineHost        string
	httpClient        *http.Client
	now               func() time.Time
}

// New creates a controller and loads persisted licensing. Warnings from the
// load (such as an expired cached identity) are kept for the status payload.
func New(opts Options) (*Controller, error) {
	logger := logging.OrDiscard(opts.Logger).With("component", "lifecycle")
	if opts.Launcher == nil {
		opts.Launcher = engine.NewSupervisor(logger)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MissedPollLimit <= 0 {
		opts.MissedPollLimit = 10
	}
	if opts.BasePath == "" {
		opts.BasePath = "/"
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = func(msg string) {
			logger.Error("fatal lifecycle invariant violation", "detail", msg)
			os.Exit(2)
		}
	}

	c := &Controller{
		opts:              opts,
		logger:            logger,
		lock:              NewStateLock(fatal),
		logs:              engine.NewLogRing(opts.LogLines),
		busy:              engine.BusyUnknown,
		idleRemaining:     opts.IdleTimeout,
		readinessInterval: time.Second,
		exitTimeout:       10 * time.Second,
		grace:             5 * time.Second,
		idleTick:          time.Second,
		engineHost:        "127.0.0.1",
		httpClient:        &http.Client{Timeout: 5 * time.Second},
		now:               time.Now,
	}

	if opts.NetworkLicense != "" {
		if err := licensing.ValidateConnectionString(opts.NetworkLicense); err != nil {
			return nil, err
		}
		c.lic = &licensing.NetworkLicense{ConnectionString: opts.NetworkLicense}
	} else if opts.Store != nil {
		st, warnings, err := opts.Store.Load()
		if err != nil {
			c.warnings = append(c.warnings, fmt.Sprintf("ignoring saved licensing: %v", err))
			logger.Warn("saved licensing unreadable", "path", opts.Store.Path(), "error", err)
		}
		c.lic = st
		c.warnings = append(c.warnings, warnings...)
	}

	if _, root, err := engine.Locate(opts.EngineRoot, opts.Executable); err == nil {
		v, err := engine.ReadVersion(root)
		if err != nil {
			logger.Warn("could not read engine version", "root", root, "error", err)
		}
		c.version = v
	}
	return c, nil
}

// Status returns the current engine status without locking.
func (c *Controller) Status() Status {
	return Status(c.status.Load())
}

// Logs returns the current engine log lines.
func (c *Controller) Logs() []string {
	return c.logs.Lines()
}

// Err returns the last recorded error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// BusyStatus returns the last observed interpreter state.
func (c *Controller) BusyStatus() engine.BusyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Backend returns the engine's origin (scheme, host and port) and API key
// once the ready file has been read. ok is false before that.
func (c *Controller) Backend() (origin, apiKey string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return "", "", false
	}
	return fmt.Sprintf("http://%s:%d", c.engineHost, c.port), c.apiKey, true
}

// Snapshot returns the status payload.
func (c *Controller) Snapshot() Snapshot {
	st := c.Status()
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Service:          ServiceName,
		Status:           st.String(),
		BusyStatus:       c.busy,
		Licensing:        licensing.Describe(c.lic),
		Error:            errorInfo(c.lastErr),
		Warnings:         append([]string(nil), c.warnings...),
		EngineVersion:    c.version.Release,
		IdleRemainingSec: -1,
	}
	if snap.Warnings == nil {
		snap.Warnings = []string{}
	}
	if !c.startedAt.IsZero() && c.proc != nil {
		t := c.startedAt
		snap.StartedAt = &t
	}
	if c.opts.IdleTimeout > 0 {
		snap.IdleRemainingSec = int(c.idleRemaining.Round(time.Second) / time.Second)
	}
	return snap
}

// setStatus writes the status on behalf of owner.
func (c *Controller) setStatus(owner Owner, s Status) {
	if !c.lock.require(owner, "status write to "+s.String()) {
		return
	}
	prev := Status(c.status.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("engine status changed", "from", prev.String(), "to", s.String(), "owner", owner.String())
	if c.opts.Observer != nil {
		c.opts.Observer.StatusChanged(prev.String(), s.String())
	}
}

func (c *Controller) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	code := egerrors.GetCode(err)
	c.logger.Warn("engine error recorded", "code", code, "error", err)
	if c.opts.Observer != nil {
		c.opts.Observer.ErrorRecorded(code)
	}
}

func (c *Controller) currentProc() engine.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

// Start launches the engine. Any prior run is stopped first. Start returns
// once the processes exist; readiness is reported through Status.
func (c *Controller) Start(ctx context.Context) error {
	owner, err := c.lock.Acquire(ctx, "start")
	if err != nil {
		return err
	}
	defer c.lock.Release(owner)

	if c.Status() != StatusDown || c.currentProc() != nil {
		c.stopLocked(ctx, owner, false)
	}

	c.setStatus(owner, StatusStarting)
	c.mu.Lock()
	c.lastErr = nil
	c.busy = engine.BusyUnknown
	lic := c.lic
	c.mu.Unlock()
	c.logs.Clear()

	startedAt := c.now()
	spec, apiKey, err := c.prepare(ctx, lic)
	if err != nil {
		return c.failStart(owner, startedAt, err)
	}

	p, err := c.opts.Launcher.Launch(ctx, spec, c.logs)
	if err != nil {
		return c.failStart(owner, startedAt, err)
	}

	_, online := lic.(*licensing.OnlineLicense)
	tasks := newTaskSet()
	c.mu.Lock()
	c.proc = p
	c.client = nil
	c.port = 0
	c.apiKey = apiKey
	c.startedAt = startedAt
	c.online = online
	c.tasks = tasks
	c.mu.Unlock()

	c.logger.Info("engine launched", "pid", p.PID(), "licensing", string(licensing.KindOf(lic)))

	tasks.Go(func(ctx context.Context) { c.watchStderr(ctx, p, online) })
	tasks.Go(func(ctx context.Context) { c.watchStartup(ctx, p) })
	tasks.Go(func(ctx context.Context) { c.watchExit(ctx, p) })
	tasks.Go(func(ctx context.Context) { c.monitorReadiness(ctx, p) })
	return nil
}

// StartInBackground runs Start on its own goroutine and logs failures.
// Failures are also visible through Snapshot.
func (c *Controller) StartInBackground() {
	go func() {
		if err := c.Start(context.Background()); err != nil {
			c.logger.Warn("engine start failed", "error", err)
		}
	}()
}

func (c *Controller) failStart(owner Owner, startedAt time.Time, err error) error {
	c.setError(err)
	if c.opts.Observer != nil {
		c.opts.Observer.StartupObserved(c.now().Sub(startedAt), "failed")
	}
	c.recordRun(startedAt, err, false)
	c.setStatus(owner, StatusDown)
	return err
}

// prepare resolves the executable and builds the launch environment.
func (c *Controller) prepare(ctx context.Context, lic licensing.State) (engine.LaunchSpec, string, error) {
	exe, _, err := engine.Locate(c.opts.EngineRoot, c.opts.Executable)
	if err != nil {
		return engine.LaunchSpec{}, "", err
	}

	var tokens licensing.TokenSource
	if c.opts.Service != nil {
		tokens = c.opts.Service
	}
	env, err := licensing.Environment(ctx, lic, tokens)
	if err != nil {
		return engine.LaunchSpec{}, "", err
	}

	if err := os.MkdirAll(c.opts.StateDir, 0700); err != nil {
		return engine.LaunchSpec{}, "", egerrors.Wrap(egerrors.CodeEngineLaunchFailed, "failed to create engine state directory", err)
	}
	if err := engine.RemoveArtifacts(c.opts.StateDir); err != nil {
		return engine.LaunchSpec{}, "", egerrors.Wrap(egerrors.CodeEngineLaunchFailed, "failed to remove stale ready file", err)
	}

	apiKey := uuid.NewString()
	env = append(env,
		"MWAPIKEY="+apiKey,
		"MATLAB_LOG_DIR="+c.opts.StateDir,
		"MW_CONNECTOR_CONTEXT_ROOT="+c.opts.BasePath,
		"MW_CD_ANYWHERE_ENABLED=true",
		"MW_CONTEXT_TAGS=ENGINEGATE:V1",
	)

	args := append(append([]string(nil), defaultEngineArgs...), c.opts.Args...)
	return engine.LaunchSpec{
		Executable:     exe,
		Args:           args,
		Env:            env,
		Dir:            c.opts.StateDir,
		VirtualDisplay: c.opts.VirtualDisplay,
		DisplayCommand: c.opts.DisplayCommand,
		WindowManager:  c.opts.WindowManager,
	}, apiKey, nil
}

// Stop stops the engine. force skips the in-protocol exit request.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	owner, err := c.lock.Acquire(ctx, "stop")
	if err != nil {
		return err
	}
	defer c.lock.Release(owner)
	c.stopLocked(ctx, owner, force)
	return nil
}

// stopRun stops the engine only if p is still the current run. Engine-scoped
// tasks use it on their own goroutine, since Stop waits for the task set.
func (c *Controller) stopRun(p engine.Process, force bool) {
	ctx := context.Background()
	owner, err := c.lock.Acquire(ctx, "stop-run")
	if err != nil {
		return
	}
	defer c.lock.Release(owner)
	if c.currentProc() != p {
		return
	}
	c.stopLocked(ctx, owner, force)
}

func (c *Controller) stopLocked(ctx context.Context, owner Owner, force bool) {
	prev := c.Status()
	c.mu.Lock()
	p, client, tasks, startedAt := c.proc, c.client, c.tasks, c.startedAt
	c.mu.Unlock()

	if p == nil && prev == StatusDown {
		return
	}
	c.setStatus(owner, StatusStopping)

	if err := engine.RemoveArtifacts(c.opts.StateDir); err != nil {
		c.logger.Warn("could not remove engine artifacts", "error", err)
	}

	if p != nil {
		c.terminate(ctx, p, client, force || prev == StatusStarting)
		if err := p.TerminateHelpers(ctx, c.grace); err != nil {
			c.logger.Warn("helper termination failed", "error", err)
		}
	}

	if tasks != nil && !tasks.stop(c.grace) {
		c.logger.Warn("engine tasks did not exit in time")
	}

	c.logs.Clear()
	c.mu.Lock()
	c.proc = nil
	c.client = nil
	c.port = 0
	c.apiKey = ""
	c.busy = engine.BusyUnknown
	c.tasks = nil
	c.startedAt = time.Time{}
	lastErr := c.lastErr
	c.mu.Unlock()

	if !startedAt.IsZero() {
		c.recordRun(startedAt, lastErr, force)
	}
	c.setStatus(owner, StatusDown)
	c.logger.Info("engine stopped", "forced", force)
}

// terminate ends the engine process. Unless hard, it first asks the engine
// to exit and waits for that up to exitTimeout.
func (c *Controller) terminate(ctx context.Context, p engine.Process, client *engine.Client, hard bool) {
	if !hard && client != nil {
		ectx, cancel := context.WithTimeout(ctx, c.exitTimeout)
		err := client.Eval(ectx, "exit")
		if err != nil {
			c.logger.Debug("graceful exit request failed", "error", err)
		} else {
			select {
			case <-p.Done():
				cancel()
				return
			case <-ectx.Done():
				c.logger.Warn("engine did not exit after exit request", "timeout", c.exitTimeout)
			}
		}
		cancel()
	}

	select {
	case <-p.Done():
		return
	default:
	}
	if err := p.TerminateEngine(ctx, c.grace); err != nil {
		c.logger.Warn("engine termination failed", "pid", p.PID(), "error", err)
	}
}

func (c *Controller) recordRun(startedAt time.Time, runErr error, forced bool) {
	if c.opts.History == nil {
		return
	}
	c.mu.Lock()
	kind := string(licensing.KindOf(c.lic))
	c.mu.Unlock()

	run := &storage.EngineRun{
		InstanceKey: c.opts.InstanceKey,
		Licensing:   kind,
		StartedAt:   startedAt,
		EndedAt:     c.now(),
		Forced:      forced,
	}
	if runErr != nil {
		run.ErrorCode, run.ErrorMessage = egerrors.ToCodeAndMessage(runErr)
	}
	if err := c.opts.History.SaveEngineRun(run); err != nil {
		c.logger.Warn("could not record engine run", "error", err)
	}
}

// watchStderr classifies engine stderr lines. Licensing failures become the
// recorded error; the log ring already has every line.
func (c *Controller) watchStderr(ctx context.Context, p engine.Process, online bool) {
	lines := p.Stderr()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if ce := engine.ClassifyStderr(line, online); ce != nil {
				c.setError(ce.WithLogs(c.logs.Tail(errorLogTail)))
			}
		}
	}
}

// watchStartup force-stops a run that is still starting after the startup
// timeout.
func (c *Controller) watchStartup(ctx context.Context, p engine.Process) {
	timer := time.NewTimer(c.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if c.Status() != StatusStarting || c.currentProc() != p {
		return
	}

	secs := int(c.opts.StartupTimeout / time.Second)
	c.setError(egerrors.StartupTimeout(secs).WithLogs(c.logs.Tail(errorLogTail)))
	if c.opts.Observer != nil {
		c.opts.Observer.StartupObserved(c.opts.StartupTimeout, "timeout")
	}
	go c.stopRun(p, true)
}

// watchExit records an unexpected engine exit and tears the run down.
func (c *Controller) watchExit(ctx context.Context, p engine.Process) {
	select {
	case <-ctx.Done():
		return
	case <-p.Done():
	}
	if st := c.Status(); st == StatusStopping || st == StatusDown || c.currentProc() != p {
		return
	}

	c.mu.Lock()
	keep := c.lastErr != nil && egerrors.Domain(egerrors.GetCode(c.lastErr)) == "licensing"
	c.mu.Unlock()
	if !keep {
		var ce *egerrors.CodedError
		exitErr := p.ExitErr()
		if errors.As(exitErr, &ce) {
			c.setError(ce)
		} else {
			c.setError(engine.ExitError(exitErr, c.logs.Tail(errorLogTail)))
		}
	}
	go c.stopRun(p, true)
}

// engineURL is the engine root for the given port.
func (c *Controller) engineURL(port int) string {
	return fmt.Sprintf("http://%s:%d%s", c.engineHost, port, strings.TrimSuffix(c.opts.BasePath, "/"))
}
