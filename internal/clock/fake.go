package clock

import (
	"context"
	"sync"
	"time"
)

// FakeClock only moves when Advance or Sleep is called. AfterFunc callbacks
// run synchronously on the advancing goroutine in deadline order, without
// the clock lock held, so a callback may arm further timers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	f        func()
	done     bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.waiters = append(c.waiters, timer)
	c.mu.Unlock()
	if d <= 0 {
		c.Advance(0)
	}
	return timer
}

// Sleep advances the clock by d itself instead of blocking, firing any
// timers that fall due along the way.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return ctx.Err()
}

// Advance moves the clock forward by d and fires every timer due by then.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()
		next.f()
	}
}

// Pending reports the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, w := range c.waiters {
		if !w.done {
			count++
		}
	}
	return count
}

// NextDeadline returns the earliest pending deadline.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var earliest *fakeTimer
	for _, w := range c.waiters {
		if w.done {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	if earliest == nil {
		return time.Time{}, false
	}
	return earliest.deadline, true
}

// popDue removes and returns the earliest timer due by target. Caller holds mu.
func (c *FakeClock) popDue(target time.Time) *fakeTimer {
	index := -1
	for i, w := range c.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if index == -1 || w.deadline.Before(c.waiters[index].deadline) {
			index = i
		}
	}
	if index == -1 {
		c.compact()
		return nil
	}
	timer := c.waiters[index]
	timer.done = true
	c.waiters = append(c.waiters[:index], c.waiters[index+1:]...)
	return timer
}

func (c *FakeClock) compact() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
