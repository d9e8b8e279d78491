// Package clock abstracts wall-clock and monotonic time so that
// time-dependent behaviour (alert cooldowns, flush intervals, status
// freshness) can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by all components. Now returns wall-clock
// time in UTC; Since measures elapsed time using Go's monotonic reading.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System returns the real clock backed by the time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now().UTC() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced [Clock] for tests. The zero value is not
// usable; construct with [NewFake]. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the difference between the fake time and t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
