package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so that scheduler logic never reads the OS clock
// directly. Production code uses SystemClock; tests inject a TestClock and
// drive it with SetTime/IncrementTime.
type Clock interface {
	Now() time.Time
	// NowUnix returns seconds since epoch as a float, the engine's wire
	// representation for timestamps.
	NowUnix() float64
	Sleep(d time.Duration)
	// After returns a channel that fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
	// Until returns a channel that fires once the clock reaches t.
	Until(t time.Time) <-chan time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (SystemClock) Now() time.Time       { return time.Now() }
func (SystemClock) NowUnix() float64     { return float64(time.Now().UnixNano()) / 1e9 }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (SystemClock) Until(t time.Time) <-chan time.Time {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return time.After(d)
}

// TestClock is a manually driven clock. Waiters registered via After/Until
// are released when SetTime or IncrementTime moves the clock past their
// deadline.
type TestClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewTestClock creates a test clock starting at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{now: t}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) NowUnix() float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

// SetTime moves the clock to t and releases any waiter whose deadline has
// passed. Moving backwards only changes Now; waiters stay armed.
func (c *TestClock) SetTime(t time.Time) {
	c.mu.Lock()
	c.now = t
	fired := c.takeDue()
	c.mu.Unlock()
	for _, w := range fired {
		w.ch <- t
	}
}

// IncrementTime advances the clock by d.
func (c *TestClock) IncrementTime(d time.Duration) {
	c.SetTime(c.Now().Add(d))
}

// Sleep blocks until the clock is advanced past the deadline by another
// goroutine.
func (c *TestClock) Sleep(d time.Duration) {
	<-c.After(d)
}

func (c *TestClock) After(d time.Duration) <-chan time.Time {
	return c.Until(c.Now().Add(d))
}

func (c *TestClock) Until(t time.Time) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if !c.now.Before(t) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &waiter{deadline: t, ch: ch})
	return ch
}

// takeDue removes and returns waiters whose deadline has passed. Caller
// holds the lock.
func (c *TestClock) takeDue() []*waiter {
	var due []*waiter
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return due
}

// ToUnix converts a time.Time to float seconds since epoch.
func ToUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromUnix converts float seconds since epoch to a time.Time.
func FromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*1e9))
}
