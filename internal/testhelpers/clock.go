package testhelpers

import (
	"sort"
	"sync"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/call"
)

// ManualClock is a fake clock and call.Scheduler. Time only moves when
// Advance is called; timers fire from Advance on the caller's goroutine.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*ManualTimer
}

// ManualTimer is a timer created by a ManualClock
type ManualTimer struct {
	clock    *ManualClock
	Delay    time.Duration
	Deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

// NewManualClock creates a clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the fake time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d
func (c *ManualClock) AfterFunc(d time.Duration, f func()) call.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &ManualTimer{
		clock:    c,
		Delay:    d,
		Deadline: c.now.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline
// order. Timers armed by a callback fire too if they fall due within d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.Deadline
		c.mu.Unlock()

		next.f()
	}
}

// Set jumps the clock to t without firing timers
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Pending returns the armed timers in deadline order
func (c *ManualClock) Pending() []*ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]*ManualTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Deadline.Before(pending[j].Deadline)
	})
	return pending
}

// All returns every timer ever created, in creation order
func (c *ManualClock) All() []*ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]*ManualTimer, len(c.timers))
	copy(all, c.timers)
	return all
}

func (c *ManualClock) nextDueLocked(target time.Time) *ManualTimer {
	var next *ManualTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.Deadline.After(target) {
			continue
		}
		if next == nil || t.Deadline.Before(next.Deadline) {
			next = t
		}
	}
	return next
}

// Stop prevents the timer from firing. Returns false if it already fired
// or was stopped.
func (t *ManualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Stopped reports whether Stop was called before the timer fired
func (t *ManualTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// Fire runs the callback regardless of state, as if the expiry had
// already been queued when the timer was stopped.
func (t *ManualTimer) Fire() {
	t.clock.mu.Lock()
	t.fired = true
	t.clock.mu.Unlock()
	t.f()
}
