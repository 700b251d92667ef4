// Package events provides the process-wide monotonic clock and event bus
// that the queue, autoscaled pool, and crawler use to coordinate
// persistence, migration, and abort signals.
package events

import "time"

// Clock is the monotonic time source used throughout the engine so that
// order-number assignment and lock-expiry math stay testable.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Monotonic returns a monotonically increasing counter, in
	// nanoseconds, suitable for RequestQueue order-number assignment.
	Monotonic() int64
}

// SystemClock is the default Clock backed by the runtime clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Monotonic() int64 { return time.Now().UnixNano() }

// FixedClock is a Clock for deterministic tests. Advance moves it forward.
type FixedClock struct {
	t time.Time
	n int64
}

// NewFixedClock creates a FixedClock starting at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t, n: t.UnixNano()}
}

func (c *FixedClock) Now() time.Time { return c.t }

func (c *FixedClock) Monotonic() int64 {
	c.n++
	return c.n
}

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}
