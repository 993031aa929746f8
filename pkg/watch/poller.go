// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch provides a client-side polling fallback for observing a
// job's state when the control-service wait RPC or a journal subscription
// isn't reachable (SPEC_FULL §3). jobmgrctl does not import it.
package watch

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is the default interval between getattr polls.
const DefaultPollInterval = 2 * time.Second

// JobState mirrors the job-manager's state machine (spec.md §2):
// NEW, DEPEND, PRIORITY, SCHED, RUN, CLEANUP, INACTIVE.
type JobState string

// StateInactive is the terminal state a waited-on job eventually reaches.
const StateInactive JobState = "INACTIVE"

// JobSnapshot is the minimal view of a job's state a poll function needs
// to report, analogous to a single getattr response.
type JobSnapshot struct {
	ID      uint64
	State   JobState
	Success bool
	ErrStr  string
}

// GetJobFunc fetches the current snapshot for a job id, typically backed
// by a getattr call against the control-service RPC surface.
type GetJobFunc func(ctx context.Context, id uint64) (*JobSnapshot, error)

// JobEvent reports an observed state transition while polling.
type JobEvent struct {
	JobID         uint64
	PreviousState JobState
	NewState      JobState
	EventTime     time.Time
}

// JobPoller polls a single job's state at a fixed interval until it
// reaches StateInactive or the caller's context is cancelled. It is not
// jobmgrd's wait path (the control service's own `wait` RPC blocks
// server-side), and jobmgrctl's `wait` has no polling mode.
type JobPoller struct {
	getJob       GetJobFunc
	pollInterval time.Duration
	bufferSize   int
}

// NewJobPoller creates a poller backed by getJob.
func NewJobPoller(getJob GetJobFunc) *JobPoller {
	return &JobPoller{
		getJob:       getJob,
		pollInterval: DefaultPollInterval,
		bufferSize:   16,
	}
}

// WithPollInterval sets a custom poll interval.
func (p *JobPoller) WithPollInterval(interval time.Duration) *JobPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize sets a custom buffer size for the event channel.
func (p *JobPoller) WithBufferSize(size int) *JobPoller {
	p.bufferSize = size
	return p
}

// Watch polls id until it reaches StateInactive or ctx is done, emitting
// a JobEvent on each observed state change. The channel is closed when
// polling stops, by reaching StateInactive or by context cancellation; a
// getJob error is retried on the next tick.
func (p *JobPoller) Watch(ctx context.Context, id uint64) <-chan JobEvent {
	eventChan := make(chan JobEvent, p.bufferSize)
	go p.pollLoop(ctx, id, eventChan)
	return eventChan
}

func (p *JobPoller) pollLoop(ctx context.Context, id uint64, eventChan chan<- JobEvent) {
	defer close(eventChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastState JobState

	poll := func() (done bool) {
		snap, err := p.getJob(ctx, id)
		if err != nil {
			// Transient lookup failures are swallowed; the next tick retries.
			return false
		}

		if snap.State != lastState {
			eventChan <- JobEvent{
				JobID:         id,
				PreviousState: lastState,
				NewState:      snap.State,
				EventTime:     time.Now(),
			}
			lastState = snap.State
		}

		return snap.State == StateInactive
	}

	if poll() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if poll() {
				return
			}
		}
	}
}

// WaitInactive blocks, honoring ctx, until id reaches StateInactive,
// returning its final snapshot.
func (p *JobPoller) WaitInactive(ctx context.Context, id uint64) (*JobSnapshot, error) {
	events := p.Watch(ctx, id)

	var snap *JobSnapshot
	for range events {
		// Drain transition events; the final getattr below reads the
		// terminal snapshot directly so its Success/ErrStr fields are
		// available to the caller.
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("watch: wait for job %d: %w", id, err)
	}

	snap, err := p.getJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("watch: final getattr for job %d: %w", id, err)
	}

	return snap, nil
}
