package test

import (
	"sync"
	"time"

	"github.com/meow-io/go-todevice/clock"
)

// Clock is a manually advanced clock. Timers fire only from Advance or FireAll.
type Clock struct {
	lock   sync.Mutex
	now    time.Time
	timers []*Timer
}

type Timer struct {
	clock    *Clock
	at       time.Time
	Duration time.Duration
	f        func()
	stopped  bool
	fired    bool
}

func (t *Timer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1700000000, 0)}
}

func (c *Clock) CurrentTimeMs() uint64 {
	return uint64(c.Now().UnixMilli())
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	t := &Timer{clock: c, at: c.now.Add(d), Duration: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the timers which have neither fired nor been stopped, in creation order.
func (c *Clock) Pending() []*Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	var pending []*Timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			pending = append(pending, t)
		}
	}
	return pending
}

// Expire marks every pending timer as fired and returns their functions without running them, leaving the
// caller to decide when the fired timers actually run.
func (c *Clock) Expire() []func() {
	c.lock.Lock()
	defer c.lock.Unlock()
	var fired []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			if t.at.After(c.now) {
				c.now = t.at
			}
			fired = append(fired, t.f)
		}
	}
	return fired
}

// Advance moves the clock forward and runs every timer which became due, synchronously.
func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	var due []*Timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.lock.Unlock()
	for _, t := range due {
		t.f()
	}
}

// FireAll runs all pending timers regardless of their due time.
func (c *Clock) FireAll() {
	for _, f := range c.Expire() {
		f()
	}
}
