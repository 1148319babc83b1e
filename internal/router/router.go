// Package router is the multi-tenant front door. It starts controller
// instances on demand, records them in the shared registry and forwards each
// request to the instance its path names:
//
//	<base><prefix>/<id>/<rest>
//
// id "default" is the caller context's shared instance. Any other id names an
// isolated instance and falls back to the shared one when unknown.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/enginegate/host/internal/auth"
	"github.com/enginegate/host/internal/config"
	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/lifecycle"
	"github.com/enginegate/host/internal/logging"
	"github.com/enginegate/host/internal/metrics"
	"github.com/enginegate/host/internal/proc"
	"github.com/enginegate/host/internal/proxy"
	"github.com/enginegate/host/internal/registry"
	"github.com/enginegate/host/internal/storage"
)

const (
	// AnonymousCaller is used when a request names no caller.
	AnonymousCaller = "anonymous"

	probeTimeout    = 2 * time.Second
	politeWait      = 5 * time.Second
	terminateGrace  = 5 * time.Second
	readyInitial    = 250 * time.Millisecond
	readyMaxBackoff = 3 * time.Second
)

// History receives instance events. *storage.SQLiteStore satisfies it.
type History interface {
	SaveInstanceEvent(ev *storage.InstanceEvent) error
}

// Options configures a Router.
type Options struct {
	Config   config.RouterConfig
	Registry *registry.Registry
	Spawner  Spawner
	History  History
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// ReadyInitialInterval overrides the first readiness backoff step.
	ReadyInitialInterval time.Duration
}

// StartRequest asks for an instance.
type StartRequest struct {
	ContextID string `json:"context_id"`
	CallerID  string `json:"caller_id"`
	Shared    bool   `json:"shared"`

	// ParentPID is the caller's process. The caller's reference is released
	// once it disappears. Zero means the router itself.
	ParentPID int `json:"parent_pid,omitempty"`
}

// Router starts, tracks and forwards to controller instances.
type Router struct {
	cfg     config.RouterConfig
	reg     *registry.Registry
	spawner Spawner
	history History
	metrics *metrics.Collector
	logger  *slog.Logger

	root         string
	limiter      *rate.Limiter
	readyInitial time.Duration
	client       *http.Client
	forwarder    *proxy.Forwarder
	errorPage    *errorPage
	pid          int

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	// Process hooks, replaced in tests.
	exists    func(pid int) bool
	terminate func(ctx context.Context, pid int, grace time.Duration) error
}

type recordKey struct{}

// New returns a Router. Registry and Spawner are required.
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("router: registry is required")
	}
	if opts.Spawner == nil {
		return nil, errors.New("router: spawner is required")
	}
	cfg := opts.Config
	if cfg.Prefix == "" {
		cfg.Prefix = config.DefaultRouterPrefix
	}
	if cfg.ContextHeader == "" {
		cfg.ContextHeader = config.DefaultContextHeader
	}
	if cfg.CallerHeader == "" {
		cfg.CallerHeader = config.DefaultCallerHeader
	}
	if cfg.SpawnsPerMinute <= 0 {
		cfg.SpawnsPerMinute = config.DefaultSpawnsPerMinute
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = config.DefaultReadyRetries
	}
	if cfg.ReapIntervalSec <= 0 {
		cfg.ReapIntervalSec = config.DefaultReapIntervalSec
	}

	rt := &Router{
		cfg:          cfg,
		reg:          opts.Registry,
		spawner:      opts.Spawner,
		history:      opts.History,
		metrics:      opts.Metrics,
		logger:       logging.OrDiscard(opts.Logger).With("component", "router"),
		root:         strings.TrimSuffix(cfg.BasePath, "/") + "/" + strings.Trim(cfg.Prefix, "/"),
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SpawnsPerMinute)), cfg.SpawnsPerMinute),
		readyInitial: opts.ReadyInitialInterval,
		client:       &http.Client{Timeout: probeTimeout},
		errorPage:    newErrorPage(),
		pid:          os.Getpid(),
		keys:         make(map[string]*sync.Mutex),
		exists:       proc.Exists,
		terminate:    proc.Terminate,
	}
	if rt.readyInitial <= 0 {
		rt.readyInitial = readyInitial
	}
	rt.forwarder = proxy.New(proxy.Options{
		Backend: proxy.BackendFunc(rt.target),
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
	return rt, nil
}

// Root returns the routed path prefix, "<base><prefix>".
func (rt *Router) Root() string {
	return rt.root
}

func (rt *Router) keyLock(key string) *sync.Mutex {
	rt.keysMu.Lock()
	defer rt.keysMu.Unlock()
	mu, ok := rt.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		rt.keys[key] = mu
	}
	return mu
}

// StartOrAttach returns a live instance for req, starting one when none is
// recorded, and records the caller's reference to it.
func (rt *Router) StartOrAttach(ctx context.Context, req StartRequest) (registry.Record, error) {
	contextID := registry.CleanID(req.ContextID)
	callerID := registry.CleanID(req.CallerID)
	if contextID == "" {
		return registry.Record{}, egerrors.InvalidRequest("a context id is required")
	}
	if callerID == "" {
		callerID = AnonymousCaller
	}
	id := registry.DefaultID
	kind := registry.KindShared
	if !req.Shared {
		id, kind = callerID, registry.KindIsolated
	}
	key := registry.KeyFor(contextID, id)
	ref := registry.Ref{ContextID: contextID, CallerID: callerID}
	parentPID := rt.parentFor(req.ParentPID)

	mu := rt.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if rec, ok := rt.reg.Lookup(key); ok {
		if rt.Alive(ctx, rec) {
			if !rt.reg.HasRef(ref, key) {
				// Each reference carries its own caller's parent.
				attached := rec
				attached.ParentPID = parentPID
				if err := rt.reg.Put(ref, attached); err != nil {
					return registry.Record{}, err
				}
				rt.event(storage.EventAttached, rec, callerID, "")
			}
			return rec, nil
		}
		rt.logger.Info("recorded instance is not alive", "key", key, "pid", rec.PID)
		if err := rt.reg.Remove(key, rt.forceShutdown(ctx)); err != nil {
			rt.logger.Warn("remove dead instance failed", "key", key, "error", err)
		}
		rt.event(storage.EventReaped, rec, "", "not alive")
	}

	if _, err := rt.reap(ctx, contextID, key); err != nil {
		rt.logger.Warn("reap before start failed", "context", contextID, "error", err)
	}

	if !rt.limiter.Allow() {
		rt.metrics.SpawnRateLimited()
		return registry.Record{}, egerrors.New(egerrors.CodeInstanceRateLimited,
			"too many instances started recently; try again shortly")
	}

	rec, err := rt.start(ctx, key, contextID, id, kind, parentPID)
	if err != nil {
		rt.event(storage.EventFailed, registry.Record{InstanceKey: key, ContextID: contextID}, callerID, err.Error())
		return registry.Record{}, err
	}
	if err := rt.reg.Put(ref, rec); err != nil {
		rt.stopProcess(ctx, rec.PID)
		return registry.Record{}, err
	}
	rt.event(storage.EventStarted, rec, callerID, "")
	rt.metrics.InstancesLive(rt.reg.Len())
	return rec, nil
}

// start spawns a controller and waits for it to answer its status probe.
// Any process it leaves behind on failure is terminated.
func (rt *Router) start(ctx context.Context, key, contextID, id string, kind registry.Kind, parentPID int) (registry.Record, error) {
	port, err := freePort()
	if err != nil {
		return registry.Record{}, egerrors.InstanceStartFailed(key, err)
	}
	token, err := auth.Generate()
	if err != nil {
		return registry.Record{}, egerrors.InstanceStartFailed(key, err)
	}

	basePath := rt.root + "/" + id + "/"
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	spec := Spec{
		InstanceKey: key,
		Port:        port,
		BasePath:    basePath,
		AuthToken:   token,
		ParentPID:   rt.pid,
	}

	rt.logger.Info("starting instance", "key", key, "port", port, "base_path", basePath)
	p, err := rt.spawner.Spawn(ctx, spec)
	if err != nil {
		return registry.Record{}, egerrors.InstanceStartFailed(key, err)
	}

	rec := registry.Record{
		ServerURL:   serverURL,
		BasePath:    basePath,
		AbsoluteURL: serverURL + basePath,
		Headers:     map[string]string{auth.TokenName: token},
		PID:         p.PID,
		ParentPID:   parentPID,
		InstanceKey: key,
		ContextID:   contextID,
		ID:          id,
		Kind:        kind,
		AuthToken:   token,
		CreatedAt:   time.Now().UTC(),
	}

	if err := rt.waitReady(ctx, rec, p); err != nil {
		rt.stopProcess(ctx, p.PID)
		return registry.Record{}, err
	}
	return rec, nil
}

// parentFor resolves the process a caller's reference lives as long as:
// the caller's own parent, else the configured parent, else this router.
func (rt *Router) parentFor(pid int) int {
	if pid <= 0 {
		pid = rt.cfg.ParentPID
	}
	if pid <= 0 {
		pid = rt.pid
	}
	return pid
}

var errNotReady = errors.New("instance not ready")

func (rt *Router) waitReady(ctx context.Context, rec registry.Record, p *Process) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rt.readyInitial
	eb.MaxInterval = readyMaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(rt.cfg.ReadyRetries)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if p.Done != nil {
			select {
			case <-p.Done:
				return backoff.Permanent(egerrors.InstanceStartFailed(rec.InstanceKey,
					errors.New("controller exited before it was ready")))
			default:
			}
		}
		if !rt.Alive(ctx, rec) {
			return errNotReady
		}
		return nil
	}, b)

	rt.metrics.ReadinessAttempts(attempts, err == nil)
	switch {
	case err == nil:
		rt.logger.Info("instance ready", "key", rec.InstanceKey, "attempts", attempts)
		return nil
	case egerrors.IsCode(err, egerrors.CodeInstanceStartFailed):
		return err
	case ctx.Err() != nil:
		return egerrors.InstanceStartFailed(rec.InstanceKey, ctx.Err())
	default:
		return egerrors.InstanceReadinessFailed(rec.InstanceKey, attempts)
	}
}

// Alive reports whether rec's process exists and its controller answers the
// status probe as an enginegate controller. Both must hold.
func (rt *Router) Alive(ctx context.Context, rec registry.Record) bool {
	if !rt.exists(rec.PID) {
		return false
	}
	return rt.probe(ctx, rec)
}

func (rt *Router) probe(ctx context.Context, rec registry.Record) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.AbsoluteURL+"get_status", nil)
	if err != nil {
		return false
	}
	resp, err := rt.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false
	}
	var body struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return false
	}
	return body.Service == lifecycle.ServiceName
}

// Release drops the caller's reference to key and shuts the instance down
// when it was the last one.
func (rt *Router) Release(ctx context.Context, contextID, callerID, key string) (bool, error) {
	if callerID == "" {
		callerID = AnonymousCaller
	}
	ref := registry.Ref{ContextID: registry.CleanID(contextID), CallerID: registry.CleanID(callerID)}
	mu := rt.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	var released registry.Record
	last, err := rt.reg.Release(ref, key, func(rec registry.Record) error {
		released = rec
		return rt.shutdown(ctx, rec)
	})
	if err != nil {
		return last, err
	}
	if last {
		rt.event(storage.EventStopped, released, ref.CallerID, "last reference released")
		rt.metrics.InstancesLive(rt.reg.Len())
	} else {
		rt.event(storage.EventDetached, registry.Record{InstanceKey: key, ContextID: ref.ContextID}, ref.CallerID, "")
	}
	return last, nil
}

// shutdown asks the controller to stop, then terminates it if it is still
// around after politeWait.
func (rt *Router) shutdown(ctx context.Context, rec registry.Record) error {
	if !rt.exists(rec.PID) {
		return nil
	}
	if err := rt.requestShutdown(ctx, rec); err != nil {
		rt.logger.Debug("polite shutdown failed", "key", rec.InstanceKey, "error", err)
	} else if rt.waitGone(ctx, rec.PID, politeWait) {
		return nil
	}
	return rt.terminate(ctx, rec.PID, terminateGrace)
}

func (rt *Router) forceShutdown(ctx context.Context) func(registry.Record) error {
	return func(rec registry.Record) error {
		return rt.terminate(ctx, rec.PID, terminateGrace)
	}
}

func (rt *Router) stopProcess(ctx context.Context, pid int) {
	if err := rt.terminate(ctx, pid, terminateGrace); err != nil {
		rt.logger.Warn("terminate instance failed", "pid", pid, "error", err)
	}
}

func (rt *Router) requestShutdown(ctx context.Context, rec registry.Record) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rec.AbsoluteURL+"shutdown_integration", nil)
	if err != nil {
		return err
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	if rec.AuthToken != "" {
		req.Header.Set(auth.TokenName, rec.AuthToken)
	}
	resp, err := rt.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("shutdown_integration returned %d", resp.StatusCode)
	}
	return nil
}

func (rt *Router) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(proc.PollInterval)
	defer ticker.Stop()
	for {
		if !rt.exists(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !rt.exists(pid)
		case <-ctx.Done():
			return !rt.exists(pid)
		}
	}
}

func (rt *Router) event(name string, rec registry.Record, callerID, detail string) {
	rt.metrics.InstanceEvent(name)
	if rt.history == nil {
		return
	}
	ev := &storage.InstanceEvent{
		InstanceKey: rec.InstanceKey,
		ContextID:   rec.ContextID,
		CallerID:    callerID,
		Event:       name,
		PID:         rec.PID,
		Detail:      detail,
	}
	if err := rt.history.SaveInstanceEvent(ev); err != nil {
		rt.logger.Warn("record instance event failed", "event", name, "key", rec.InstanceKey, "error", err)
	}
}

// ServeHTTP routes a browser request to its instance.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, rt.root)
	if !ok || (rest != "" && rest[0] != '/') {
		rt.errorPage.render(w, http.StatusNotFound, "Not found",
			fmt.Sprintf("Nothing is served at %s.", r.URL.Path), "")
		return
	}
	if rest == "" || rest == "/" {
		target := rt.root + "/" + registry.DefaultID + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	contextID := registry.CleanID(r.Header.Get(rt.cfg.ContextHeader))
	if contextID == "" {
		rt.errorPage.render(w, http.StatusBadRequest, "Missing context",
			fmt.Sprintf("Requests must carry the %s header identifying the calling context.", rt.cfg.ContextHeader),
			egerrors.CodeRequestInvalid)
		return
	}
	callerID := registry.CleanID(r.Header.Get(rt.cfg.CallerHeader))
	if callerID == "" {
		callerID = AnonymousCaller
	}

	id, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
	if id != registry.DefaultID {
		if rec, ok := rt.lookup(registry.KeyFor(contextID, id)); ok && rt.exists(rec.PID) {
			rt.forward(w, r, rec)
			return
		}
		// Unknown or dead ids land on the context's shared instance.
		r.URL.Path = rt.root + "/" + registry.DefaultID + strings.TrimPrefix(rest, "/"+id)
		r.URL.RawPath = ""
	}

	key := registry.KeyFor(contextID, registry.DefaultID)
	ref := registry.Ref{ContextID: contextID, CallerID: callerID}
	if rec, ok := rt.reg.Cached(key); ok && rt.reg.HasRef(ref, key) && rt.exists(rec.PID) {
		rt.forward(w, r, rec)
		return
	}

	rec, err := rt.StartOrAttach(r.Context(), StartRequest{ContextID: contextID, CallerID: callerID, Shared: true})
	if err != nil {
		code, msg := egerrors.ToCodeAndMessage(err)
		rt.logger.Warn("no instance for request", "context", contextID, "path", r.URL.Path, "code", code, "error", err)
		rt.errorPage.render(w, egerrors.HTTPStatus(code), "Instance unavailable", msg, code)
		return
	}
	rt.forward(w, r, rec)
}

func (rt *Router) lookup(key string) (registry.Record, bool) {
	if rec, ok := rt.reg.Cached(key); ok {
		return rec, true
	}
	return rt.reg.Lookup(key)
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, rec registry.Record) {
	ctx := context.WithValue(r.Context(), recordKey{}, rec)
	rt.forwarder.ServeHTTP(w, r.WithContext(ctx))
}

func (rt *Router) target(r *http.Request) (proxy.Target, bool) {
	rec, ok := r.Context().Value(recordKey{}).(registry.Record)
	if !ok {
		return proxy.Target{}, false
	}
	origin, err := url.Parse(rec.ServerURL)
	if err != nil || origin.Host == "" {
		return proxy.Target{}, false
	}
	return proxy.Target{Origin: origin, Headers: rec.Headers}, true
}
