// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package eventlog

import "time"

// Timer is the minimal handle a Clock hands back from AfterFunc.
type Timer interface {
	// Stop cancels the timer; returns false if it already fired.
	Stop() bool
}

// Clock abstracts wall-clock time and timer scheduling so the batch timer
// (spec.md §4.1: "batch_timeout" default 10ms) can be driven deterministically
// in tests. internal/manager/simclock.go provides a virtual implementation
// matching this interface structurally (SPEC_FULL §4, from
// original_source/simulator.c); production wiring uses RealClock.
type Clock interface {
	// Now returns seconds-since-epoch, matching job.Job.TSubmit's unit.
	Now() float64
	// AfterFunc schedules f to run after d and returns a handle to cancel it.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the production Clock backed by the OS clock and
// time.AfterFunc.
type RealClock struct{}

func (RealClock) Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }
