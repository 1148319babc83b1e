package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// Owner identifies one acquisition of a StateLock. Every acquisition gets a
// fresh generation, so an Owner kept past its Release is stale and is
// rejected the same way a forged one is.
type Owner struct {
	name string
	gen  uint64
}

// String renders the owner for logs.
func (o Owner) String() string {
	if o.gen == 0 {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", o.name, o.gen)
}

// StateLock serializes writers of the engine status. Acquire blocks until the
// lock is free or ctx is done. Writes and releases by anyone other than the
// current owner are programming errors and go to the fatal hook.
type StateLock struct {
	sem chan struct{}

	mu     sync.Mutex
	held   bool
	holder Owner
	gen    uint64

	fatal func(msg string)
}

// NewStateLock creates a lock. fatal is called on misuse and must not return
// normally in production; a nil fatal panics.
func NewStateLock(fatal func(msg string)) *StateLock {
	if fatal == nil {
		fatal = func(msg string) { panic(msg) }
	}
	return &StateLock{
		sem:   make(chan struct{}, 1),
		fatal: fatal,
	}
}

// Acquire takes the lock on behalf of name.
func (l *StateLock) Acquire(ctx context.Context, name string) (Owner, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return Owner{}, fmt.Errorf("acquire state lock for %s: %w", name, ctx.Err())
	}

	l.mu.Lock()
	l.gen++
	l.holder = Owner{name: name, gen: l.gen}
	l.held = true
	o := l.holder
	l.mu.Unlock()
	return o, nil
}

// Holds reports whether o is the current owner.
func (l *StateLock) Holds(o Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && o.gen != 0 && l.holder == o
}

// Release gives the lock back. Releasing with a non-owner is fatal.
func (l *StateLock) Release(o Owner) {
	l.mu.Lock()
	if !l.held || l.holder != o {
		current := l.holder
		held := l.held
		l.mu.Unlock()
		l.fatal(fmt.Sprintf("state lock released by %s (held=%v, owner=%s)", o, held, current))
		return
	}
	l.held = false
	l.holder = Owner{}
	l.mu.Unlock()
	<-l.sem
}

// require calls the fatal hook unless o holds the lock. It reports whether
// the caller may proceed.
func (l *StateLock) require(o Owner, what string) bool {
	if l.Holds(o) {
		return true
	}
	l.mu.Lock()
	current := l.holder
	l.mu.Unlock()
	l.fatal(fmt.Sprintf("%s attempted by %s without holding the state lock (owner=%s)", what, o, current))
	return false
}
