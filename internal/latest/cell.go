// Package latest provides single-slot, last-write-wins cells for values
// produced asynchronously and consumed periodically.
package latest

import (
	"sync"
	"time"
)

// Cell holds the most recent value written to it and when it was written.
// A Set replaces any unread value; nothing is ever queued.
type Cell[T any] struct {
	mu    sync.RWMutex
	value T
	at    time.Time
	set   bool
	count uint64
	clone func(T) T
}

// New returns an empty cell. clone, if non-nil, copies values in and out so
// callers can reuse slices they pass to Set.
func New[T any](clone func(T) T) *Cell[T] {
	return &Cell[T]{clone: clone}
}

// NewSlice returns a cell that copies float64 slices in and out.
func NewSlice() *Cell[[]float64] {
	return New(func(v []float64) []float64 { return append([]float64(nil), v...) })
}

// Set stores v as the latest value observed at time at.
func (c *Cell[T]) Set(v T, at time.Time) {
	if c.clone != nil {
		v = c.clone(v)
	}
	c.mu.Lock()
	c.value = v
	c.at = at
	c.set = true
	c.count++
	c.mu.Unlock()
}

// Get returns the latest value and its timestamp. ok is false if nothing
// has been set yet.
func (c *Cell[T]) Get() (v T, at time.Time, ok bool) {
	c.mu.RLock()
	v, at, ok = c.value, c.at, c.set
	c.mu.RUnlock()
	if ok && c.clone != nil {
		v = c.clone(v)
	}
	return v, at, ok
}

// Updates returns the number of Set calls so far.
func (c *Cell[T]) Updates() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Age is how long ago the latest value was set. It is zero for an empty cell.
func (c *Cell[T]) Age(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return 0
	}
	return now.Sub(c.at)
}

// Stale reports whether the cell is empty or its value is older than window.
// A non-positive window disables the age check.
func (c *Cell[T]) Stale(now time.Time, window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return true
	}
	return window > 0 && now.Sub(c.at) > window
}
