package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	egerrors "github.com/enginegate/host/internal/errors"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return r
}

func sharedRecord(ctx string) Record {
	return Record{
		ServerURL:   "http://127.0.0.1:41000",
		BasePath:    "/" + ctx + "/matlab/default/",
		AbsoluteURL: "http://127.0.0.1:41000/" + ctx + "/matlab/default/",
		PID:         1234,
		ParentPID:   1,
		InstanceKey: KeyFor(ctx, DefaultID),
		ContextID:   ctx,
		ID:          DefaultID,
		Kind:        KindShared,
	}
}

func TestPutLookupLayout(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx1")

	if err := r.Put(Ref{ContextID: "ctx1", CallerID: "kernel-a"}, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	path := filepath.Join(r.Dir(), "ctx1_default", "ctx1_kernel-a.info")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("reference file missing: %v", err)
	}

	got, ok := r.Lookup(rec.InstanceKey)
	if !ok {
		t.Fatal("Lookup() found nothing")
	}
	if got.PID != rec.PID || got.AbsoluteURL != rec.AbsoluteURL || got.Kind != KindShared {
		t.Errorf("Lookup() = %+v, want %+v", got, rec)
	}
	if cached, ok := r.Cached(rec.InstanceKey); !ok || cached.PID != rec.PID {
		t.Errorf("Cached() = %+v, %v", cached, ok)
	}
}

func TestReferenceCounting(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	key := rec.InstanceKey

	callers := []string{"a", "b", "c"}
	for _, c := range callers {
		if err := r.Put(Ref{ContextID: "ctx", CallerID: c}, rec); err != nil {
			t.Fatalf("Put(%s) error = %v", c, err)
		}
	}
	if n := r.RefCount(key); n != len(callers) {
		t.Fatalf("RefCount() = %d, want %d", n, len(callers))
	}

	var shutdowns int
	shutdown := func(Record) error {
		shutdowns++
		return nil
	}

	for i, c := range callers {
		last, err := r.Release(Ref{ContextID: "ctx", CallerID: c}, key, shutdown)
		if err != nil {
			t.Fatalf("Release(%s) error = %v", c, err)
		}
		wantLast := i == len(callers)-1
		if last != wantLast {
			t.Errorf("Release(%s) last = %v, want %v", c, last, wantLast)
		}
	}

	if shutdowns != 1 {
		t.Errorf("shutdown called %d times, want 1", shutdowns)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), key)); !os.IsNotExist(err) {
		t.Errorf("instance directory still present (stat err = %v)", err)
	}
	if _, ok := r.Cached(key); ok {
		t.Error("Cached() still has the released instance")
	}
}

func TestConcurrentReleaseShutsDownOnce(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	const n = 8
	for i := 0; i < n; i++ {
		if err := r.Put(Ref{ContextID: "ctx", CallerID: string(rune('a' + i))}, rec); err != nil {
			t.Fatal(err)
		}
	}

	// A second handle on the same directory stands in for another router process.
	other, err := Open(r.Dir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var shutdowns, lasts atomic.Int32
	shutdown := func(Record) error {
		shutdowns.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		reg := r
		if i%2 == 1 {
			reg = other
		}
		ref := Ref{ContextID: "ctx", CallerID: string(rune('a' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			last, err := reg.Release(ref, rec.InstanceKey, shutdown)
			if err != nil {
				t.Errorf("Release() error = %v", err)
			}
			if last {
				lasts.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := shutdowns.Load(); got != 1 {
		t.Errorf("shutdowns = %d, want 1", got)
	}
	if got := lasts.Load(); got != 1 {
		t.Errorf("last reported %d times, want 1", got)
	}
}

func TestReleaseUnknownReference(t *testing.T) {
	r := openTest(t)
	last, err := r.Release(Ref{ContextID: "ctx", CallerID: "nobody"}, "ctx_default", func(Record) error {
		t.Error("shutdown called for an unknown instance")
		return nil
	})
	if err != nil || last {
		t.Errorf("Release() = %v, %v, want false, nil", last, err)
	}
}

func TestReleaseReturnsShutdownError(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	ref := Ref{ContextID: "ctx", CallerID: "a"}
	if err := r.Put(ref, rec); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	last, err := r.Release(ref, rec.InstanceKey, func(Record) error { return boom })
	if !last || !errors.Is(err, boom) {
		t.Errorf("Release() = %v, %v, want true, boom", last, err)
	}
	if _, statErr := os.Stat(filepath.Join(r.Dir(), rec.InstanceKey)); !os.IsNotExist(statErr) {
		t.Error("instance directory kept after failed shutdown")
	}
}

func TestCorruptFilesAreSkipped(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	if err := r.Put(Ref{ContextID: "ctx", CallerID: "good"}, rec); err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(r.Dir(), "ctx_broken")
	if err := os.MkdirAll(bad, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, "ctx_x.info"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	recs, err := r.List("")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 1 || recs[0].InstanceKey != rec.InstanceKey {
		t.Errorf("List() = %+v, want only %s", recs, rec.InstanceKey)
	}
	if _, ok := r.Lookup("ctx_broken"); ok {
		t.Error("Lookup() returned a corrupt record")
	}

	_, err = readRecord(filepath.Join(bad, "ctx_x.info"), "ctx_broken")
	if !egerrors.IsCode(err, egerrors.CodeRegistryCorrupt) {
		t.Errorf("readRecord() code = %q, want %q", egerrors.GetCode(err), egerrors.CodeRegistryCorrupt)
	}
}

func TestListFiltersByContext(t *testing.T) {
	r := openTest(t)
	for _, ctx := range []string{"one", "two"} {
		if err := r.Put(Ref{ContextID: ctx, CallerID: "a"}, sharedRecord(ctx)); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := r.List("two")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ContextID != "two" {
		t.Errorf("List(two) = %+v", recs)
	}
}

func TestRemove(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	for _, c := range []string{"a", "b"} {
		if err := r.Put(Ref{ContextID: "ctx", CallerID: c}, rec); err != nil {
			t.Fatal(err)
		}
	}
	var got Record
	if err := r.Remove(rec.InstanceKey, func(rec Record) error { got = rec; return nil }); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if got.PID != rec.PID {
		t.Errorf("shutdown saw pid %d, want %d", got.PID, rec.PID)
	}
	if r.RefCount(rec.InstanceKey) != 0 {
		t.Error("references remain after Remove")
	}
}

func TestPutValidates(t *testing.T) {
	r := openTest(t)
	tests := []struct {
		name string
		ref  Ref
		key  string
	}{
		{"empty context", Ref{ContextID: "", CallerID: "a"}, "x_default"},
		{"slash in caller", Ref{ContextID: "c", CallerID: "a/b"}, "c_default"},
		{"traversal key", Ref{ContextID: "c", CallerID: "a"}, "../x"},
		{"empty key", Ref{ContextID: "c", CallerID: "a"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Put(tt.ref, Record{InstanceKey: tt.key})
			if !egerrors.IsCode(err, egerrors.CodeRequestInvalid) {
				t.Errorf("Put() error = %v, want %s", err, egerrors.CodeRequestInvalid)
			}
		})
	}
}

func TestCleanID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-1.2", "abc-1.2"},
		{" spaced ", "spaced"},
		{"a/b_c", "a-b-c"},
		{"..", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanID(tt.in); got != tt.want {
			t.Errorf("CleanID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWatchPicksUpOtherWriters(t *testing.T) {
	r := openTest(t)
	other, err := Open(r.Dir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	rec := sharedRecord("ctx")
	if err := other.Put(Ref{ContextID: "ctx", CallerID: "a"}, rec); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := r.Cached(rec.InstanceKey); ok {
			break
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("watcher never picked up the new instance")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestKeysStayInsideRegistry(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "instances")
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(parent, "config.toml")
	if err := os.WriteFile(keep, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	ref := Ref{ContextID: "a", CallerID: "b"}

	for _, key := range []string{"..", ".", "", "../instances", `a\b`, ".hidden"} {
		t.Run(key, func(t *testing.T) {
			last, err := r.Release(ref, key, func(Record) error {
				t.Error("shutdown called for an invalid key")
				return nil
			})
			if last || !egerrors.IsCode(err, egerrors.CodeRequestInvalid) {
				t.Errorf("Release(%q) = %v, %v, want false, %s", key, last, err, egerrors.CodeRequestInvalid)
			}
			if err := r.Remove(key, nil); !egerrors.IsCode(err, egerrors.CodeRequestInvalid) {
				t.Errorf("Remove(%q) error = %v, want %s", key, err, egerrors.CodeRequestInvalid)
			}
			if _, ok := r.Lookup(key); ok {
				t.Errorf("Lookup(%q) found a record", key)
			}
			if n := r.RefCount(key); n != 0 {
				t.Errorf("RefCount(%q) = %d, want 0", key, n)
			}
			if r.HasRef(ref, key) {
				t.Errorf("HasRef(%q) = true", key)
			}
		})
	}

	if _, err := os.Stat(keep); err != nil {
		t.Errorf("file next to the registry was touched: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("registry directory was removed: %v", err)
	}
}

func TestReferencesKeepEachCallersParent(t *testing.T) {
	r := openTest(t)
	rec := sharedRecord("ctx")
	for caller, parent := range map[string]int{"a": 1001, "b": 1002} {
		own := rec
		own.ParentPID = parent
		if err := r.Put(Ref{ContextID: "ctx", CallerID: caller}, own); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Put(Ref{ContextID: "other", CallerID: "a"}, sharedRecord("other")); err != nil {
		t.Fatal(err)
	}

	refs, err := r.References("ctx")
	if err != nil {
		t.Fatalf("References() error = %v", err)
	}
	got := make(map[string]int)
	for _, ref := range refs {
		if ref.Record.InstanceKey != rec.InstanceKey {
			t.Errorf("reference %v points at %q", ref.Ref, ref.Record.InstanceKey)
		}
		got[ref.Ref.CallerID] = ref.Record.ParentPID
	}
	if len(got) != 2 || got["a"] != 1001 || got["b"] != 1002 {
		t.Errorf("References(ctx) parents = %v, want a:1001 b:1002", got)
	}

	all, err := r.References("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("References(\"\") = %d entries, want 3", len(all))
	}
}
