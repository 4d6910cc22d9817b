// Package clock provides an injectable time source so schedulers can be driven
// by simulated time in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a Clock backed by time.Now
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Managed is a hand-driven clock for tests. It is safe for concurrent use.
type Managed struct {
	mu     sync.RWMutex
	start  time.Time
	offset time.Duration
}

// NewManaged returns a Managed clock frozen at start
func NewManaged(start time.Time) *Managed {
	return &Managed{start: start}
}

// Now returns the current managed time
func (c *Managed) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.start.Add(c.offset)
}

// WarpForward moves the clock forward by d and returns the new time.
// Negative offsets are ignored; managed time never runs backwards.
func (c *Managed) WarpForward(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.offset += d
	}
	return c.start.Add(c.offset)
}

// Set moves the clock to t if t is after the current managed time
func (c *Managed) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := t.Sub(c.start); d > c.offset {
		c.offset = d
	}
}
