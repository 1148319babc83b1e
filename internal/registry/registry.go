// Package registry is the instance table shared by every router process on
// a host. It lives entirely on disk:
//
//	<dir>/<instanceKey>/<contextId>_<callerId>.info
//
// Each file is one caller's reference to an instance and holds
// {"<instanceKey>": Record}. An instance exists while its directory holds at
// least one reference. Mutations run under a process mutex plus an flock on
// <dir>/.registry.lock, so the last-reference decision in Release is made by
// exactly one caller even across processes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/logging"
)

// Kind says whether an instance serves a whole context or one caller.
type Kind string

const (
	KindShared   Kind = "shared"
	KindIsolated Kind = "isolated"
)

// DefaultID is the routing id of a context's shared instance.
const DefaultID = "default"

const fileExt = ".info"

// Record describes one running instance.
type Record struct {
	ServerURL   string            `json:"server_url"`
	BasePath    string            `json:"base_path"`
	AbsoluteURL string            `json:"absolute_url"`
	Headers     map[string]string `json:"headers,omitempty"`
	PID         int               `json:"pid"`
	ParentPID   int               `json:"parent_pid"`
	InstanceKey string            `json:"instance_key"`
	ContextID   string            `json:"context_id"`
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	AuthToken   string            `json:"auth_token,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Ref names one caller's reference file.
type Ref struct {
	ContextID string
	CallerID  string
}

func (r Ref) fileName() string {
	return r.ContextID + "_" + r.CallerID + fileExt
}

func (r Ref) validate() error {
	if CleanID(r.ContextID) != r.ContextID || r.ContextID == "" {
		return egerrors.InvalidRequest(fmt.Sprintf("invalid context id %q", r.ContextID))
	}
	if CleanID(r.CallerID) != r.CallerID || r.CallerID == "" {
		return egerrors.InvalidRequest(fmt.Sprintf("invalid caller id %q", r.CallerID))
	}
	return nil
}

// Reference is one caller's reference file together with the record it
// holds. Record.ParentPID is that caller's parent.
type Reference struct {
	Ref    Ref
	Record Record
}

func parseRef(name string) (Ref, bool) {
	base, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return Ref{}, false
	}
	ctx, caller, ok := strings.Cut(base, "_")
	if !ok {
		return Ref{}, false
	}
	ref := Ref{ContextID: ctx, CallerID: caller}
	return ref, ref.validate() == nil
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return egerrors.InvalidRequest(fmt.Sprintf("invalid instance key %q", key))
	}
	return nil
}

// KeyFor returns the instance key for a routing id within a context.
func KeyFor(contextID, id string) string {
	return contextID + "_" + id
}

// CleanID maps s onto the characters allowed in ids: letters, digits, '-'
// and '.'. Everything else becomes '-'. Ids made only of dots are emptied.
func CleanID(s string) string {
	s = strings.TrimSpace(s)
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			b[i] = '-'
		}
	}
	out := string(b)
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

// Registry is a handle on a registry directory.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	flock *fileLock

	cacheMu sync.RWMutex
	cache   map[string]Record
}

// Open creates dir if needed and loads the instance table.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("registry directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	r := &Registry{
		dir:    dir,
		logger: logging.OrDiscard(logger).With("component", "registry"),
		flock:  newFileLock(dir),
		cache:  make(map[string]Record),
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string {
	return r.dir
}

// withLock runs fn inside the registry critical section.
func (r *Registry) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flock.Lock(); err != nil {
		return egerrors.Wrap(egerrors.CodeRegistryIO, "lock registry", err)
	}
	defer func() {
		if err := r.flock.Unlock(); err != nil {
			r.logger.Warn("registry unlock failed", "error", err)
		}
	}()
	return fn()
}

// Put writes ref's reference file for rec, creating the instance directory
// when this is its first reference.
func (r *Registry) Put(ref Ref, rec Record) error {
	if err := ref.validate(); err != nil {
		return err
	}
	if err := validKey(rec.InstanceKey); err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]Record{rec.InstanceKey: rec}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	err = r.withLock(func() error {
		instDir := filepath.Join(r.dir, rec.InstanceKey)
		if err := os.MkdirAll(instDir, 0700); err != nil {
			return fmt.Errorf("create instance directory: %w", err)
		}
		return atomicWriteFile(filepath.Join(instDir, ref.fileName()), data, 0600)
	})
	if err != nil {
		return err
	}
	r.cachePut(rec)
	return nil
}

// Lookup reads key's record from disk.
func (r *Registry) Lookup(key string) (Record, bool) {
	refs, rec, ok := r.scanInstance(key)
	if !ok || refs == 0 {
		return Record{}, false
	}
	return rec, true
}

// HasRef reports whether ref's file exists for key.
func (r *Registry) HasRef(ref Ref, key string) bool {
	if validKey(key) != nil || ref.validate() != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(r.dir, key, ref.fileName()))
	return err == nil
}

// RefCount returns the number of reference files under key.
func (r *Registry) RefCount(key string) int {
	refs, _, _ := r.scanInstance(key)
	return refs
}

// List returns one record per instance, sorted by key. A non-empty
// contextID keeps only that context's instances.
func (r *Registry) List(contextID string) ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry directory: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		refs, rec, ok := r.scanInstance(e.Name())
		if !ok || refs == 0 {
			continue
		}
		if contextID != "" && rec.ContextID != contextID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InstanceKey < out[b].InstanceKey })
	return out, nil
}

// References returns every readable reference file, sorted by instance key
// and file name. A non-empty contextID keeps only references to that
// context's instances.
func (r *Registry) References(contextID string) ([]Reference, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry directory: %w", err)
	}
	var out []Reference
	for _, e := range entries {
		key := e.Name()
		if !e.IsDir() || validKey(key) != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(r.dir, key))
		if err != nil {
			r.logger.Warn("read instance directory failed", "key", key, "error", err)
			continue
		}
		for _, f := range files {
			ref, ok := parseRef(f.Name())
			if f.IsDir() || !ok {
				continue
			}
			path := filepath.Join(r.dir, key, f.Name())
			rec, err := readRecord(path, key)
			if err != nil {
				r.logger.Warn("skipping registry file", "path", path, "error", err)
				continue
			}
			if contextID != "" && rec.ContextID != contextID {
				continue
			}
			out = append(out, Reference{Ref: ref, Record: rec})
		}
	}
	return out, nil
}

// Release deletes ref's file under key. When that leaves the instance with no
// references, shutdown is called with its record and the instance directory
// is removed; last reports that case. The decision and both deletions happen
// in one critical section.
func (r *Registry) Release(ref Ref, key string, shutdown func(Record) error) (last bool, err error) {
	if err := ref.validate(); err != nil {
		return false, err
	}
	if err := validKey(key); err != nil {
		return false, err
	}
	err = r.withLock(func() error {
		instDir := filepath.Join(r.dir, key)
		path := filepath.Join(instDir, ref.fileName())
		rec, recErr := readRecord(path, key)
		if errors.Is(recErr, os.ErrNotExist) {
			if _, err := os.Stat(instDir); os.IsNotExist(err) {
				return nil
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove reference: %w", err)
		}

		if refs, _, _ := r.scanInstance(key); refs > 0 {
			return nil
		}
		last = true

		// Without a readable record there is nothing to shut down.
		var shutdownErr error
		if recErr == nil && shutdown != nil {
			shutdownErr = shutdown(rec)
		}
		if err := os.RemoveAll(instDir); err != nil {
			return fmt.Errorf("remove instance directory: %w", err)
		}
		return shutdownErr
	})
	if last {
		r.cacheDelete(key)
	}
	return last, err
}

// Remove shuts down key's instance and deletes every reference to it.
func (r *Registry) Remove(key string, shutdown func(Record) error) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := r.withLock(func() error {
		instDir := filepath.Join(r.dir, key)
		_, rec, ok := r.scanInstance(key)
		var shutdownErr error
		if ok && shutdown != nil {
			shutdownErr = shutdown(rec)
		}
		if err := os.RemoveAll(instDir); err != nil {
			return fmt.Errorf("remove instance directory: %w", err)
		}
		return shutdownErr
	})
	r.cacheDelete(key)
	return err
}

// Refresh rebuilds the in-memory instance table from disk.
func (r *Registry) Refresh() error {
	recs, err := r.List("")
	if err != nil {
		return err
	}
	table := make(map[string]Record, len(recs))
	for _, rec := range recs {
		table[rec.InstanceKey] = rec
	}
	r.cacheMu.Lock()
	r.cache = table
	r.cacheMu.Unlock()
	return nil
}

// Cached returns key's record from the in-memory table. The table can lag
// the directory; callers fall back to Lookup on a miss.
func (r *Registry) Cached(key string) (Record, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	rec, ok := r.cache[key]
	return rec, ok
}

// Len returns the number of instances in the in-memory table.
func (r *Registry) Len() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *Registry) cachePut(rec Record) {
	r.cacheMu.Lock()
	r.cache[rec.InstanceKey] = rec
	r.cacheMu.Unlock()
}

func (r *Registry) cacheDelete(key string) {
	r.cacheMu.Lock()
	delete(r.cache, key)
	r.cacheMu.Unlock()
}

// scanInstance counts key's reference files and returns the first readable
// record among them. Corrupt files still count as references but are logged
// and skipped when choosing the record.
func (r *Registry) scanInstance(key string) (refs int, rec Record, ok bool) {
	if validKey(key) != nil {
		return 0, Record{}, false
	}
	instDir := filepath.Join(r.dir, key)
	entries, err := os.ReadDir(instDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("read instance directory failed", "key", key, "error", err)
		}
		return 0, Record{}, false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		refs++
		if ok {
			continue
		}
		got, err := readRecord(filepath.Join(instDir, name), key)
		if err != nil {
			r.logger.Warn("skipping registry file", "path", filepath.Join(instDir, name), "error", err)
			continue
		}
		rec, ok = got, true
	}
	return refs, rec, ok
}

// readRecord decodes a reference file. The entry named key is preferred;
// a file with a single entry under another name is accepted.
func readRecord(path, key string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var doc map[string]Record
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, egerrors.RegistryCorrupt(path, err)
	}
	if rec, ok := doc[key]; ok {
		if rec.InstanceKey == "" {
			rec.InstanceKey = key
		}
		return rec, nil
	}
	if len(doc) == 1 {
		for k, rec := range doc {
			if rec.InstanceKey == "" {
				rec.InstanceKey = k
			}
			return rec, nil
		}
	}
	return Record{}, egerrors.RegistryCorrupt(path, fmt.Errorf("expected one record keyed %q, found %d", key, len(doc)))
}

// atomicWriteFile writes data to path using a temp file and rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".registry-write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
