package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStateLockAcquireRelease(t *testing.T) {
	rec := &fatalRecorder{}
	l := NewStateLock(rec.fatal)

	o, err := l.Acquire(context.Background(), "start")
	if err != nil {
		t.Fatal(err)
	}
	if !l.Holds(o) {
		t.Error("Holds(owner) = false while held")
	}
	if got := o.String(); !strings.HasPrefix(got, "start#") {
		t.Errorf("Owner.String() = %q", got)
	}
	l.Release(o)
	if l.Holds(o) {
		t.Error("Holds(owner) = true after release")
	}
	if rec.count() != 0 {
		t.Errorf("unexpected fatal: %v", rec.msgs)
	}
}

func TestStateLockAcquireHonoursContext(t *testing.T) {
	l := NewStateLock(nil)
	o, _ := l.Acquire(context.Background(), "holder")
	defer l.Release(o)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "waiter"); err == nil {
		t.Fatal("Acquire() should fail when ctx expires")
	}
}

func TestStateLockSerializes(t *testing.T) {
	l := NewStateLock(nil)
	first, _ := l.Acquire(context.Background(), "first")

	acquired := make(chan Owner)
	go func() {
		o, _ := l.Acquire(context.Background(), "second")
		acquired <- o
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while the lock was held")
	case <-time.After(30 * time.Millisecond):
	}
	l.Release(first)
	second := <-acquired
	if second == first {
		t.Error("each acquisition should get a distinct owner")
	}
	l.Release(second)
}

func TestStateLockStaleOwnerIsFatal(t *testing.T) {
	rec := &fatalRecorder{}
	l := NewStateLock(rec.fatal)

	stale, _ := l.Acquire(context.Background(), "a")
	l.Release(stale)
	current, _ := l.Acquire(context.Background(), "b")

	l.Release(stale)
	if rec.count() != 1 {
		t.Fatalf("fatal calls = %d, want 1", rec.count())
	}
	if !l.Holds(current) {
		t.Error("failed release must not drop the real owner")
	}
	l.Release(current)
}

func TestStateLockForgedOwnerIsFatal(t *testing.T) {
	rec := &fatalRecorder{}
	l := NewStateLock(rec.fatal)
	l.Release(Owner{name: "nobody", gen: 7})
	if rec.count() != 1 {
		t.Errorf("fatal calls = %d, want 1", rec.count())
	}
}

func TestNilFatalPanics(t *testing.T) {
	l := NewStateLock(nil)
	defer func() {
		if recover() == nil {
			t.Error("misuse with nil fatal hook should panic")
		}
	}()
	l.Release(Owner{})
}

func TestStatusWriteWithoutLockIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)

	owner, _ := env.c.lock.Acquire(context.Background(), "test")
	env.c.lock.Release(owner)

	env.c.setStatus(owner, StatusUp)
	if env.fatals.count() != 1 {
		t.Fatalf("fatal calls = %d, want 1", env.fatals.count())
	}
	if env.c.Status() != StatusDown {
		t.Errorf("Status() = %v, rejected write must not land", env.c.Status())
	}
	// Expected misuse above; keep the cleanup check meaningful.
	env.fatals.mu.Lock()
	env.fatals.msgs = nil
	env.fatals.mu.Unlock()
}
