package testutil

import (
	"sync"
	"time"
)

// Clock is a controllable time source for sampler timestamps.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock returns a Clock starting at 2025-01-01 00:00:00 UTC, or at the
// given time if one is passed.
func NewClock(start ...time.Time) *Clock {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if len(start) > 0 {
		t = start[0]
	}
	return &Clock{now: t}
}

// Ticking makes every Now call advance the clock by step afterwards, so
// successive samples get increasing timestamps.
func (c *Clock) Ticking(step time.Duration) *Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	return c
}

// Now returns the current time, then advances by the configured step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set overrides the current time. Setting an earlier time simulates a
// wall clock step backwards.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
