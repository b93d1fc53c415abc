package testutil

import (
	"sync"
	"time"
)

// WallClock is a thread-safe manual clock for tests. It implements
// ledger.Clock and only moves when told to, so timestamps, backoff
// schedules, and dedup windows are reproducible across runs.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock creates a clock frozen at the given instant.
func NewWallClock(start time.Time) *WallClock {
	return &WallClock{now: start.UTC()}
}

// NewWallClockAt parses an RFC 3339 instant and freezes a clock there.
// Panics on a malformed instant; use only with literal test inputs.
func NewWallClockAt(rfc3339 string) *WallClock {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		panic("testutil: bad clock instant: " + err.Error())
	}
	return NewWallClock(t)
}

// Now returns the frozen instant.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *WallClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to the given instant.
func (c *WallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
