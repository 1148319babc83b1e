package lifecycle

import (
	"context"
	"sync"
	"time"
)

// taskSet is the group of goroutines owned by one engine run. They share a
// context and are cancelled together when the run stops.
type taskSet struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTaskSet() *taskSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskSet{ctx: ctx, cancel: cancel}
}

// Go runs fn as a member of the set.
func (t *taskSet) Go(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
}

// stop cancels the set and waits up to timeout for members to return.
// Members that already returned are fine. It reports whether all returned.
func (t *taskSet) stop(timeout time.Duration) bool {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
