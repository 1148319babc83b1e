package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/enginegate/host/internal/engine"
	"github.com/enginegate/host/internal/storage"
)

// fakeProcess is an engine.Process driven by the test.
type fakeProcess struct {
	pid    int
	done   chan struct{}
	stderr chan string
	once   sync.Once

	mu      sync.Mutex
	exitErr error

	helpersDead       atomic.Bool
	engineTerminated  atomic.Int32
	helpersTerminated atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		done:   make(chan struct{}),
		stderr: make(chan string, 16),
	}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		close(p.stderr)
	})
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Alive() bool { return !p.exited() && !p.helpersDead.Load() }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Stderr() <-chan string { return p.stderr }

func (p *fakeProcess) TerminateEngine(ctx context.Context, grace time.Duration) error {
	p.engineTerminated.Add(1)
	p.exit(errors.New("signal: terminated"))
	return nil
}

func (p *fakeProcess) TerminateHelpers(ctx context.Context, grace time.Duration) error {
	p.helpersTerminated.Add(1)
	return nil
}

// fakeLauncher records launches and hands out fakeProcesses.
type fakeLauncher struct {
	mu    sync.Mutex
	specs []engine.LaunchSpec
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec engine.LaunchSpec, logs *engine.LogRing) (engine.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	logs.Write("engine: starting")
	p := newFakeProcess(1000 + len(l.procs))
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProcess, engine.LaunchSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil, engine.LaunchSpec{}
	}
	return l.procs[len(l.procs)-1], l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// fakeEngine serves the engine control endpoint.
type fakeEngine struct {
	srv *httptest.Server

	busyStatus atomic.Value // string; "" answers GetMatlabStatus with a fault
	pings      atomic.Int32
	busyCalls  atomic.Int32
	evals      atomic.Int32
	onEval     atomic.Value // func()
	apiKeys    sync.Map
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{}
	fe.busyStatus.Store("idle")
	fe.onEval.Store(func() {})
	fe.srv = httptest.NewServer(http.HandlerFunc(fe.handle))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEngine) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, engine.MessageServicePath) {
		http.NotFound(w, r)
		return
	}
	fe.apiKeys.Store(r.Header.Get(engine.APIKeyHeader), true)

	var req struct {
		Messages map[string][]json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string][]map[string]any{}
	for name := range req.Messages {
		switch name {
		case "Ping":
			fe.pings.Add(1)
			resp["PingResponse"] = []map[string]any{{"messageFaults": []any{}}}
		case "GetMatlabStatus":
			fe.busyCalls.Add(1)
			if s := fe.busyStatus.Load().(string); s != "" {
				resp["GetMatlabStatusResponse"] = []map[string]any{{"isError": false, "status": s}}
			} else {
				resp["GetMatlabStatusResponse"] = []map[string]any{{"isError": true, "messageFaults": []any{map[string]string{"message": "unsupported"}}}}
			}
		case "Eval":
			fe.evals.Add(1)
			resp["EvalResponse"] = []map[string]any{{"isError": false}}
			defer fe.onEval.Load().(func())()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": resp})
}

func (fe *fakeEngine) port(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(fe.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Port()
}

// fakeHistory is a RunRecorder.
type fakeHistory struct {
	mu   sync.Mutex
	runs []*storage.EngineRun
}

func (h *fakeHistory) SaveEngineRun(run *storage.EngineRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *fakeHistory) all() []*storage.EngineRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*storage.EngineRun(nil), h.runs...)
}

// fatalRecorder collects lock misuse reports instead of exiting.
type fatalRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fatalRecorder) fatal(msg string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type testEnv struct {
	c        *Controller
	launcher *fakeLauncher
	engine   *fakeEngine
	history  *fakeHistory
	fatals   *fatalRecorder
	stateDir string
}

// newTestEnv builds a controller over a fake install, licensed with a network
// license and tuned for fast ticks.
func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "matlab"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		launcher: &fakeLauncher{},
		engine:   newFakeEngine(t),
		history:  &fakeHistory{},
		fatals:   &fatalRecorder{},
		stateDir: filepath.Join(t.TempDir(), "state"),
	}
	opts := Options{
		EngineRoot:     root,
		Executable:     "matlab",
		StateDir:       env.stateDir,
		StartupTimeout: 10 * time.Second,
		Launcher:       env.launcher,
		History:        env.history,
		Fatal:          env.fatals.fatal,
	}
	if tweak != nil {
		tweak(&opts)
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.readinessInterval = 10 * time.Millisecond
	c.exitTimeout = time.Second
	c.grace = 200 * time.Millisecond
	c.idleTick = 10 * time.Millisecond
	env.c = c

	t.Cleanup(func() {
		c.Stop(context.Background(), true)
		if n := env.fatals.count(); n != 0 {
			t.Errorf("lock misuse reported %d times: %v", n, env.fatals.msgs)
		}
	})
	return env
}

func (env *testEnv) license(t *testing.T) {
	t.Helper()
	if err := env.c.SetNetworkLicense("27000@lic"); err != nil {
		t.Fatalf("SetNetworkLicense() error: %v", err)
	}
}

func (env *testEnv) writeReadyFile(t *testing.T) {
	t.Helper()
	if err := os.WriteFile(engine.ReadyFilePath(env.stateDir), []byte(env.engine.port(t)+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

// startUp starts the engine and waits for it to report up.
func (env *testEnv) startUp(t *testing.T) *fakeProcess {
	t.Helper()
	if err := env.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.writeReadyFile(t)
	waitFor(t, "status up", func() bool { return env.c.Status() == StatusUp })
	p, _ := env.launcher.last()
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
