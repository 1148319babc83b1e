package engine

import (
	"sync"
)

// LogRing keeps the most recent engine log lines. It is a fixed-size circular
// buffer: once full, each Write overwrites the oldest line.
//
//	Write("A") -> [A, _, _]  head=1, size=1
//	Write("B") -> [A, B, _]  head=2, size=2
//	Write("C") -> [A, B, C]  head=0, size=3
//	Write("D") -> [D, B, C]  head=1, size=3 (A was overwritten)
//
// The controller clears it at the start and end of every engine run, so what
// the status endpoint shows always belongs to the current run.
type LogRing struct {
	mu    sync.RWMutex
	lines []string
	head  int // next write position
	size  int
	cap   int
}

// NewLogRing creates a ring holding at most capacity lines.
// If capacity is <= 0, it defaults to 500 lines.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogRing{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Write appends a line, evicting the oldest when full.
func (r *LogRing) Write(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.head] = line
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *LogRing) Lines() []string {
	return r.Tail(0)
}

// Tail returns up to n of the newest lines, oldest first. n <= 0 means all.
func (r *LogRing) Tail(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]string, n)
	// Index of the oldest line we return.
	start := (r.head - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out[i] = r.lines[(start+i)%r.cap]
	}
	return out
}

// Len returns the current number of buffered lines.
func (r *LogRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the maximum capacity. It never changes after creation.
func (r *LogRing) Cap() int {
	return r.cap
}

// Clear drops every buffered line.
func (r *LogRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.head = 0
	r.size = 0
}
