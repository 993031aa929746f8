// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/jontk/jobmgr/internal/eventlog"
)

// SimClock is a virtual eventlog.Clock a test can advance by hand instead
// of sleeping, modeled on original_source/simulator.c's mock-time mode
// (SPEC_FULL §4): the batch committer's close-on-timer behavior (spec.md
// §4.1) takes an eventlog.Clock, so wiring a SimClock into JobManager
// construction lets a test deterministically fast-forward it without a
// real sleep. Housekeeping's release-after timer uses time.AfterFunc and
// is not driven by SimClock.
type SimClock struct {
	mu     sync.Mutex
	now    float64
	timers []*simTimer
}

// NewSimClock creates a virtual clock starting at t0 (seconds).
func NewSimClock(t0 float64) *SimClock {
	return &SimClock{now: t0}
}

// Now returns the current virtual time.
func (c *SimClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the virtual clock reaches now()+d.
func (c *SimClock) AfterFunc(d time.Duration, f func()) eventlog.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &simTimer{fireAt: c.now + d.Seconds(), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the virtual clock forward by d and synchronously runs
// every timer whose fire time has now passed, in fire-time order.
func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d.Seconds()
	due := c.dueLocked()
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (c *SimClock) dueLocked() []*simTimer {
	var due []*simTimer
	var pending []*simTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if t.fireAt <= c.now {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	sort.Slice(due, func(i, j int) bool { return due[i].fireAt < due[j].fireAt })
	return due
}

type simTimer struct {
	fireAt  float64
	fn      func()
	stopped bool
}

func (t *simTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
