// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing. Timers and sleeps
// block until the clock is advanced past their deadline.
//
// AfterFunc callbacks run synchronously during Advance in deadline
// order. Do not call Advance from within a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time

	// channel receives the fire time for After and Sleep waiters.
	// Nil for AfterFunc waiters.
	channel chan time.Time

	// callback is invoked during Advance for AfterFunc waiters.
	callback func()

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once Advance moves the clock
// past the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc schedules f to run when Advance moves the clock past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.fired || waiter.stopped {
				return false
			}
			waiter.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !waiter.fired && !waiter.stopped
			waiter.deadline = c.current.Add(d)
			waiter.stopped = false
			waiter.fired = false
			return active
		},
	}
}

// Sleep blocks until Advance moves the clock past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the advanced window, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextWaiterLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		next.fired = true
		if next.channel != nil {
			next.channel <- c.current
		}
		if next.callback != nil {
			// Run the callback without the lock so it can register
			// new waiters.
			c.mu.Unlock()
			next.callback()
			c.mu.Lock()
		}
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// nextWaiterLocked returns the unfired waiter with the earliest
// deadline at or before target, or nil if none remain.
func (c *FakeClock) nextWaiterLocked(target time.Time) *fakeWaiter {
	pending := make([]*fakeWaiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.fired && !w.stopped && !w.deadline.After(target) {
			pending = append(pending, w)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].deadline.Before(pending[j].deadline)
	})
	return pending[0]
}

// WaitForTimers blocks until at least n waiters (timers, After
// channels, sleeps) are registered. Tests use this to synchronize with
// a goroutine that is about to block on the clock before advancing it.
func (c *FakeClock) WaitForTimers(n int) {
	for {
		c.mu.Lock()
		pending := 0
		for _, w := range c.waiters {
			if !w.fired && !w.stopped {
				pending++
			}
		}
		c.mu.Unlock()
		if pending >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// compactLocked drops fired and stopped waiters.
func (c *FakeClock) compactLocked() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.fired && !w.stopped {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}
