/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timer

import (
	"sort"
	"sync"
	"time"
)

// Handle is a pending callback that can be cancelled.
type Handle interface {
	Stop() bool
}

// Clock supplies the current time and one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Handle
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Handle {
	return time.AfterFunc(d, f)
}

// ManualClock is a Clock that only moves when Advance is called. Due
// callbacks run synchronously on the goroutine calling Advance.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualHandle
}

type manualHandle struct {
	clock *ManualClock
	at    time.Time
	seq   int
	fn    func()
	done  bool
}

func (h *manualHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f. It never runs f inline, even for d <= 0.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	h := &manualHandle{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, h)
	return h
}

// Advance moves the clock forward by d, firing due callbacks in deadline
// order. Callbacks scheduled while advancing fire too if they fall due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		h := c.nextDue(target)
		if h == nil {
			break
		}
		h.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of callbacks not yet fired or stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.pending {
		if !h.done {
			n++
		}
	}
	return n
}

func (c *ManualClock) nextDue(target time.Time) *manualHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.pending[:0]
	for _, h := range c.pending {
		if !h.done {
			live = append(live, h)
		}
	}
	c.pending = live
	sort.Slice(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})

	if len(c.pending) == 0 || c.pending[0].at.After(target) {
		return nil
	}
	h := c.pending[0]
	h.done = true
	if h.at.After(c.now) {
		c.now = h.at
	}
	return h
}
